package transport

import (
	"context"
	"fmt"
	"log"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/ws"
)

// RepoFeed performs sends, paged history fetches and read receipts
// against the repositories, broadcasting the refreshed window after each
// mutation.
type RepoFeed struct {
	hub      *ws.Hub
	chats    repositories.ChatRepository
	messages repositories.MessageRepository

	// windowSize bounds the broadcast after a mutation.
	windowSize int
}

// NewRepoFeed constructs a RepoFeed.
func NewRepoFeed(hub *ws.Hub, chats repositories.ChatRepository, messages repositories.MessageRepository, windowSize int) *RepoFeed {
	return &RepoFeed{hub: hub, chats: chats, messages: messages, windowSize: windowSize}
}

// SendMessage persists one message and returns its server id. Permission
// failures map to the transport taxonomy so the tracker surfaces them
// instead of retrying.
func (f *RepoFeed) SendMessage(ctx context.Context, chatID, senderID string, out feed.OutgoingMessage) (string, error) {
	member, err := f.chats.IsParticipant(ctx, chatID, senderID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	if !member {
		return "", feed.ErrPermission
	}

	msg, err := f.messages.CreateMessage(ctx, chatID, senderID, out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	if err := f.chats.TouchLastMessage(ctx, chatID, senderID, preview(msg)); err != nil {
		// The message is durable, the preview can lag.
		log.Printf("touch last message failed chat_id=%s err=%v", chatID, err)
	}

	f.refreshWindow(ctx, chatID)
	return msg.ID, nil
}

// FetchOlderMessages returns one page of history older than the cursor.
func (f *RepoFeed) FetchOlderMessages(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error) {
	page, hasMore, err := f.messages.ListOlderThan(ctx, chatID, beforeMillis, pageSize)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	return page, hasMore, nil
}

// MarkRead records read receipts and rebroadcasts the window so every
// device observes the status change.
func (f *RepoFeed) MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error {
	if err := f.messages.MarkRead(ctx, chatID, messageIDs, readerID); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	if err := f.chats.ResetUnread(ctx, chatID, readerID); err != nil {
		return fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	f.refreshWindow(ctx, chatID)
	return nil
}

// DeleteForAll removes a message for every participant and notifies the
// room.
func (f *RepoFeed) DeleteForAll(ctx context.Context, chatID, messageID, senderID string) error {
	if err := f.messages.DeleteForAll(ctx, messageID, senderID); err != nil {
		return err
	}
	f.hub.BroadcastDeletion(chatID, messageID)
	f.refreshWindow(ctx, chatID)
	return nil
}

func (f *RepoFeed) refreshWindow(ctx context.Context, chatID string) {
	window, err := f.messages.ListWindow(ctx, chatID, f.windowSize)
	if err != nil {
		log.Printf("window refresh failed chat_id=%s err=%v", chatID, err)
		return
	}
	f.hub.BroadcastWindow(chatID, window)
}

func preview(msg models.Message) string {
	if msg.Kind == models.KindText {
		return msg.Text
	}
	return "[" + string(msg.Kind) + "]"
}

var (
	_ feed.Sender     = (*RepoFeed)(nil)
	_ feed.History    = (*RepoFeed)(nil)
	_ feed.ReadMarker = (*RepoFeed)(nil)
)

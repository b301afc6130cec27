// Package transport binds the engine's feed contracts to the service's
// concrete plumbing: the websocket hub for push delivery and the sqlx
// repositories for durable history.
package transport

import (
	"context"

	"chat-sync/internal/clock"
	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/repositories"
	"chat-sync/internal/ws"
)

// HubFeed delivers live message windows and typing rosters through the
// in-process hub.
type HubFeed struct {
	hub      *ws.Hub
	messages repositories.MessageRepository
}

// NewHubFeed constructs a HubFeed.
func NewHubFeed(hub *ws.Hub, messages repositories.MessageRepository) *HubFeed {
	return &HubFeed{hub: hub, messages: messages}
}

// SubscribeLiveMessages delivers the current window immediately, then
// every window broadcast until released.
func (f *HubFeed) SubscribeLiveMessages(ctx context.Context, chatID string, limit int, onBatch func([]models.Message)) (feed.Unsubscribe, error) {
	initial, err := f.messages.ListWindow(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}

	release := f.hub.Subscribe(chatID, func(event models.SyncEvent) {
		if event.Type != "messages" {
			return
		}
		batch := event.Messages
		if len(batch) > limit {
			batch = batch[len(batch)-limit:]
		}
		onBatch(batch)
	})
	onBatch(initial)
	return feed.Unsubscribe(release), nil
}

// SubscribeTyping delivers the typing roster on every change.
func (f *HubFeed) SubscribeTyping(ctx context.Context, chatID string, onSet func([]models.TypingSignal)) (feed.Unsubscribe, error) {
	release := f.hub.Subscribe(chatID, func(event models.SyncEvent) {
		if event.Type != "typing" {
			return
		}
		onSet(event.Typing)
	})
	onSet(f.hub.TypingSignals(chatID))
	return feed.Unsubscribe(release), nil
}

// PublishTyping announces that a user is typing in a chat.
func (f *HubFeed) PublishTyping(ctx context.Context, chatID, userID string) error {
	f.hub.SetTyping(chatID, models.TypingSignal{
		UserID:    userID,
		UpdatedAt: clock.NowMillis(),
		TTLMillis: presence.DefaultTTL.Milliseconds(),
	})
	return nil
}

// ClearTyping withdraws a user's typing signal.
func (f *HubFeed) ClearTyping(ctx context.Context, chatID, userID string) error {
	f.hub.ClearTyping(chatID, userID)
	return nil
}

var (
	_ feed.LiveFeed        = (*HubFeed)(nil)
	_ feed.TypingTransport = (*HubFeed)(nil)
)

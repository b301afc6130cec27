package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

type LiveFeedMock struct {
	mock.Mock

	// OnBatch captures the subscriber callback so tests can push batches.
	OnBatch func([]models.Message)
}

func (m *LiveFeedMock) SubscribeLiveMessages(ctx context.Context, chatID string, limit int, onBatch func([]models.Message)) (feed.Unsubscribe, error) {
	m.OnBatch = onBatch
	args := m.Called(ctx, chatID, limit)
	var unsub feed.Unsubscribe
	if val := args.Get(0); val != nil {
		unsub = val.(feed.Unsubscribe)
	}
	if unsub == nil {
		unsub = func() {}
	}
	return unsub, args.Error(1)
}

type HistoryMock struct {
	mock.Mock
}

func (m *HistoryMock) FetchOlderMessages(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error) {
	args := m.Called(ctx, chatID, beforeMillis, pageSize)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Bool(1), args.Error(2)
}

type SenderMock struct {
	mock.Mock
}

func (m *SenderMock) SendMessage(ctx context.Context, chatID, senderID string, out feed.OutgoingMessage) (string, error) {
	args := m.Called(ctx, chatID, senderID, out)
	return args.String(0), args.Error(1)
}

type ReadMarkerMock struct {
	mock.Mock
}

func (m *ReadMarkerMock) MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error {
	args := m.Called(ctx, chatID, messageIDs, readerID)
	return args.Error(0)
}

type TypingTransportMock struct {
	mock.Mock

	OnSet func([]models.TypingSignal)
}

func (m *TypingTransportMock) SubscribeTyping(ctx context.Context, chatID string, onSet func([]models.TypingSignal)) (feed.Unsubscribe, error) {
	m.OnSet = onSet
	args := m.Called(ctx, chatID)
	var unsub feed.Unsubscribe
	if val := args.Get(0); val != nil {
		unsub = val.(feed.Unsubscribe)
	}
	if unsub == nil {
		unsub = func() {}
	}
	return unsub, args.Error(1)
}

func (m *TypingTransportMock) PublishTyping(ctx context.Context, chatID, userID string) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

func (m *TypingTransportMock) ClearTyping(ctx context.Context, chatID, userID string) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateOrGetChat(ctx context.Context, participants []string) (models.Chat, error) {
	args := m.Called(ctx, participants)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) TouchLastMessage(ctx context.Context, chatID, senderID, text string) error {
	args := m.Called(ctx, chatID, senderID, text)
	return args.Error(0)
}

func (m *ChatRepositoryMock) ResetUnread(ctx context.Context, chatID, userID string) error {
	args := m.Called(ctx, chatID, userID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, chatID, senderID string, out feed.OutgoingMessage) (models.Message, error) {
	args := m.Called(ctx, chatID, senderID, out)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListWindow(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, chatID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListOlderThan(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error) {
	args := m.Called(ctx, chatID, beforeMillis, pageSize)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error {
	args := m.Called(ctx, chatID, messageIDs, readerID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) UpdateText(ctx context.Context, messageID, newText string) error {
	args := m.Called(ctx, messageID, newText)
	return args.Error(0)
}

func (m *MessageRepositoryMock) DeleteForAll(ctx context.Context, messageID, senderID string) error {
	args := m.Called(ctx, messageID, senderID)
	return args.Error(0)
}

var _ feed.LiveFeed = (*LiveFeedMock)(nil)
var _ feed.History = (*HistoryMock)(nil)
var _ feed.Sender = (*SenderMock)(nil)
var _ feed.ReadMarker = (*ReadMarkerMock)(nil)
var _ feed.TypingTransport = (*TypingTransportMock)(nil)
var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)

// Package feed defines the boundary contracts the sync engine depends on:
// a push subscription for the newest message window, a one-shot paged
// fetch, a one-shot send attempt, read-receipt delivery, and typing
// signal transport. Implementations live elsewhere; the engine only sees
// these interfaces.
package feed

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

// Transport failure taxonomy. The optimistic send tracker converts these
// into message statuses instead of letting them escape as errors.
var (
	// ErrTransient marks a failure worth retrying with backoff.
	ErrTransient = errors.New("transient network failure")
	// ErrValidation marks a locally-rejected payload. Never retried.
	ErrValidation = errors.New("invalid message payload")
	// ErrPermission marks a denied operation. Surfaced, never retried.
	ErrPermission = errors.New("permission denied")
)

// OutgoingMessage is the payload handed to the transport on send. The
// provisional id travels with it so a transport that echoes it back lets
// the merge correlate deterministically.
type OutgoingMessage struct {
	ProvisionalID string      `json:"provisional_id"`
	Kind          models.Kind `json:"kind"`
	Text          string      `json:"text,omitempty"`
	Attachments   []string    `json:"attachments,omitempty"`
	CreatedAt     int64       `json:"created_at"`
}

// Unsubscribe tears down a subscription. Calling it more than once is a
// no-op.
type Unsubscribe func()

// LiveFeed pushes the newest limit messages of a chat whenever they change.
type LiveFeed interface {
	SubscribeLiveMessages(ctx context.Context, chatID string, limit int, onBatch func([]models.Message)) (Unsubscribe, error)
}

// History is the one-shot pull for messages older than a cursor.
type History interface {
	FetchOlderMessages(ctx context.Context, chatID string, beforeMillis int64, pageSize int) ([]models.Message, bool, error)
}

// Sender performs a single transmission attempt and returns the
// server-assigned message id.
type Sender interface {
	SendMessage(ctx context.Context, chatID, senderID string, out OutgoingMessage) (string, error)
}

// ReadMarker delivers read receipts. Best effort; callers throttle.
type ReadMarker interface {
	MarkRead(ctx context.Context, chatID string, messageIDs []string, readerID string) error
}

// TypingTransport publishes and observes typing signals.
type TypingTransport interface {
	SubscribeTyping(ctx context.Context, chatID string, onSet func([]models.TypingSignal)) (Unsubscribe, error)
	PublishTyping(ctx context.Context, chatID, userID string) error
	ClearTyping(ctx context.Context, chatID, userID string) error
}

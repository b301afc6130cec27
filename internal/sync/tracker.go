package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"chat-sync/internal/clock"
	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

var (
	// ErrNotFailed is returned when a manual retry targets a message that
	// is not in the failed state.
	ErrNotFailed = errors.New("message is not in failed state")
	// ErrProvisionalTarget is returned when an edit or delete targets a
	// message that has no server id yet.
	ErrProvisionalTarget = errors.New("operation requires a confirmed message")
	// ErrUnknownMessage is returned when no entry carries the given id.
	ErrUnknownMessage = errors.New("unknown message")
)

// Tracker owns the optimistic send lifecycle: it inserts a provisional
// entry the instant the user acts, attempts transmission, and converts
// transport failures into the failed status instead of propagating them.
// The payload of a failed send is retained so a retry re-uses it intact.
type Tracker struct {
	store    *store.Store
	sender   feed.Sender
	chatID   string
	selfID   string
	now      func() int64
	onFailed func(models.Message, feed.OutgoingMessage)
}

// NewTracker builds a Tracker. onFailed is invoked after a send attempt
// fails with a transient error, giving the retry queue its hand-off; it
// may be nil.
func NewTracker(st *store.Store, sender feed.Sender, chatID, selfID string, onFailed func(models.Message, feed.OutgoingMessage)) *Tracker {
	return &Tracker{
		store:    st,
		sender:   sender,
		chatID:   chatID,
		selfID:   selfID,
		now:      clock.NowMillis,
		onFailed: onFailed,
	}
}

// Send validates the payload, inserts a provisional entry with status
// sending, then attempts transmission. The inserted message is visible
// before the network call resolves. The returned message reflects the
// state after the attempt; the returned error is nil for transient
// failures because those surface as status, not as errors.
func (t *Tracker) Send(ctx context.Context, out feed.OutgoingMessage) (models.Message, error) {
	if err := validateOutgoing(out); err != nil {
		return models.Message{}, err
	}

	// A device may mint its own provisional id; anything else is replaced.
	if !clock.IsProvisionalID(out.ProvisionalID) {
		out.ProvisionalID = clock.NewProvisionalID()
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = t.now()
	}

	provisional := models.Message{
		ProvisionalID: out.ProvisionalID,
		ChatID:        t.chatID,
		SenderID:      t.selfID,
		Kind:          out.Kind,
		Text:          out.Text,
		Attachments:   out.Attachments,
		CreatedAt:     out.CreatedAt,
		Status:        models.StatusSending,
		ReadBy:        []string{t.selfID},
	}

	t.store.Apply(func(current []models.Message) []models.Message {
		return append(current, provisional)
	})

	return t.attempt(ctx, provisional.ProvisionalID, out)
}

// Retry re-attempts a failed send with its original payload, moving the
// entry failed -> sending first.
func (t *Tracker) Retry(ctx context.Context, provisionalID string, out feed.OutgoingMessage) (models.Message, error) {
	target, ok := t.find(provisionalID)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if target.Status != models.StatusFailed {
		return models.Message{}, ErrNotFailed
	}

	t.transition(provisionalID, models.StatusSending)
	out.ProvisionalID = provisionalID
	if out.CreatedAt == 0 {
		out.CreatedAt = target.CreatedAt
	}
	return t.attempt(ctx, provisionalID, out)
}

// attempt performs one transmission and applies the resulting status
// transition. The provisional id is kept even on success; the snapshot
// merge performs the identifier swap when the feed echoes the message.
func (t *Tracker) attempt(ctx context.Context, provisionalID string, out feed.OutgoingMessage) (models.Message, error) {
	serverID, err := t.sender.SendMessage(ctx, t.chatID, t.selfID, out)
	if err != nil {
		t.transition(provisionalID, models.StatusFailed)
		observability.IncSendAttempt("failed")

		switch {
		case errors.Is(err, feed.ErrPermission):
			// Surfaced to the caller; the entry stays visible as failed.
			msg, _ := t.find(provisionalID)
			return msg, err
		case errors.Is(err, feed.ErrValidation):
			msg, _ := t.find(provisionalID)
			return msg, err
		default:
			// Transient: hand off to the retry queue, never propagate.
			log.Printf("send failed chat=%s provisional_id=%s err=%v", t.chatID, provisionalID, err)
			msg, _ := t.find(provisionalID)
			if t.onFailed != nil {
				t.onFailed(msg, out)
			}
			return msg, nil
		}
	}

	observability.IncSendAttempt("sent")
	t.store.Apply(func(current []models.Message) []models.Message {
		for i, m := range current {
			if m.ProvisionalID == provisionalID {
				// sent and "has real id" converge asynchronously; record
				// both facts now, the merge will collapse duplicates when
				// the feed window catches up.
				current[i].Status = models.MaxStatus(current[i].Status, models.StatusSent)
				current[i].ID = serverID
			}
		}
		return current
	})

	msg, _ := t.find(provisionalID)
	return msg, nil
}

// MarkFailed transitions a provisional entry to failed. Used by the retry
// queue when attempts are exhausted.
func (t *Tracker) MarkFailed(provisionalID string) {
	t.transition(provisionalID, models.StatusFailed)
}

// MarkSending transitions a provisional entry back to sending ahead of a
// queued re-attempt.
func (t *Tracker) MarkSending(provisionalID string) {
	t.transition(provisionalID, models.StatusSending)
}

// ConfirmDelivery applies a monotonic status upgrade to a confirmed
// message, driven by read-receipt updates from other participants.
func (t *Tracker) ConfirmDelivery(messageID string, status models.Status, readBy []string) error {
	if status == models.StatusSending || status == models.StatusFailed {
		return fmt.Errorf("invalid delivery status %q", status)
	}

	found := false
	t.store.Apply(func(current []models.Message) []models.Message {
		for i, m := range current {
			if m.ID == messageID {
				found = true
				current[i].Status = models.MaxStatus(m.Status, status)
				current[i].ReadBy = models.MergeReadBy(m.ReadBy, readBy)
			}
		}
		return current
	})
	if !found {
		return ErrUnknownMessage
	}
	return nil
}

// GuardMutable rejects edit/delete attempts against messages that have no
// server id yet.
func (t *Tracker) GuardMutable(messageID string) error {
	if clock.IsProvisionalID(messageID) {
		return ErrProvisionalTarget
	}
	for _, m := range t.store.Get() {
		if m.ID == messageID {
			if m.Status == models.StatusSending || m.Status == models.StatusFailed {
				return ErrProvisionalTarget
			}
			return nil
		}
	}
	return ErrUnknownMessage
}

func (t *Tracker) transition(provisionalID string, status models.Status) {
	t.store.Apply(func(current []models.Message) []models.Message {
		for i, m := range current {
			if m.ProvisionalID == provisionalID {
				current[i].Status = status
			}
		}
		return current
	})
}

func (t *Tracker) find(provisionalID string) (models.Message, bool) {
	for _, m := range t.store.Get() {
		if m.ProvisionalID == provisionalID {
			return m, true
		}
	}
	return models.Message{}, false
}

func validateOutgoing(out feed.OutgoingMessage) error {
	switch out.Kind {
	case models.KindText:
		if strings.TrimSpace(out.Text) == "" {
			return fmt.Errorf("%w: empty text", feed.ErrValidation)
		}
	case models.KindImage, models.KindVoice, models.KindVideo, models.KindFile:
		if len(out.Attachments) == 0 {
			return fmt.Errorf("%w: %s message without attachment", feed.ErrValidation, out.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", feed.ErrValidation, out.Kind)
	}
	return nil
}

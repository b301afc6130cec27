// Package presence tracks ephemeral typing and availability state. None
// of it is persisted with message history; stale entries age out via TTL
// rather than explicit deletion.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

const (
	// DefaultDebounce is the quiet period of continuous input before a
	// typing signal is actually broadcast.
	DefaultDebounce = 300 * time.Millisecond
	// DefaultInactivity is the safety-net timeout after which typing
	// stops unconditionally.
	DefaultInactivity = 2 * time.Second
	// DefaultTTL is how long a received typing signal stays fresh.
	DefaultTTL = 4500 * time.Millisecond
)

// FreshSignals filters out typing signals older than their declared TTL,
// protecting against a sender that crashed mid-type. Entries without a
// TTL fall back to def.
func FreshSignals(signals []models.TypingSignal, nowMillis int64, def time.Duration) []string {
	var fresh []string
	for _, s := range signals {
		ttl := s.TTLMillis
		if ttl <= 0 {
			ttl = def.Milliseconds()
		}
		if s.UpdatedAt == 0 {
			continue
		}
		if nowMillis-s.UpdatedAt < ttl {
			fresh = append(fresh, s.UserID)
		}
	}
	observability.SetTypingActive(len(fresh))
	return fresh
}

// TypingTracker debounces a user's own typing broadcasts for one
// conversation. Keystrokes call Input; Stop fires on send, on input
// clearing, and on keyboard dismissal; Close force-clears everything on
// teardown regardless of in-flight timers.
type TypingTracker struct {
	mu         sync.Mutex
	transport  feed.TypingTransport
	chatID     string
	selfID     string
	debounce   time.Duration
	inactivity time.Duration

	debounceTimer   *time.Timer
	inactivityTimer *time.Timer
	broadcasting    bool
	closed          bool
}

// NewTypingTracker builds a tracker with the default timings.
func NewTypingTracker(transport feed.TypingTransport, chatID, selfID string) *TypingTracker {
	return &TypingTracker{
		transport:  transport,
		chatID:     chatID,
		selfID:     selfID,
		debounce:   DefaultDebounce,
		inactivity: DefaultInactivity,
	}
}

// SetTimings overrides debounce and inactivity windows, for tests.
func (t *TypingTracker) SetTimings(debounce, inactivity time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debounce = debounce
	t.inactivity = inactivity
}

// Input registers a keystroke. The broadcast only goes out after the
// debounce window of continuous input, and the inactivity stop is
// re-armed on every call.
func (t *TypingTracker) Input(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	// The timers fire after the caller's request has finished, so they
	// must not inherit its context.
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
	}
	t.debounceTimer = time.AfterFunc(t.debounce, func() {
		t.broadcast(context.Background())
	})

	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
	}
	t.inactivityTimer = time.AfterFunc(t.inactivity, func() {
		t.Stop(context.Background())
	})
}

// Stop cancels pending timers and clears the typing flag remotely.
func (t *TypingTracker) Stop(ctx context.Context) {
	t.mu.Lock()
	t.cancelTimersLocked()
	wasBroadcasting := t.broadcasting
	t.broadcasting = false
	closed := t.closed
	t.mu.Unlock()

	if closed && !wasBroadcasting {
		return
	}
	if err := t.transport.ClearTyping(ctx, t.chatID, t.selfID); err != nil {
		// Clearing is best effort; the receiver's TTL sweep covers us.
		log.Printf("clear typing failed chat=%s user=%s err=%v", t.chatID, t.selfID, err)
	}
}

// Close force-clears all typing state. Safe to call more than once; all
// later Input calls are no-ops.
func (t *TypingTracker) Close(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancelTimersLocked()
	t.broadcasting = false
	t.mu.Unlock()

	_ = t.transport.ClearTyping(ctx, t.chatID, t.selfID)
}

func (t *TypingTracker) broadcast(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.broadcasting = true
	t.mu.Unlock()

	if err := t.transport.PublishTyping(ctx, t.chatID, t.selfID); err != nil {
		log.Printf("publish typing failed chat=%s user=%s err=%v", t.chatID, t.selfID, err)
	}
}

func (t *TypingTracker) cancelTimersLocked() {
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	if t.inactivityTimer != nil {
		t.inactivityTimer.Stop()
		t.inactivityTimer = nil
	}
}

// Roster keeps per-user presence records, pruned by last-seen age instead
// of explicit deletes.
type Roster struct {
	mu      sync.RWMutex
	records map[string]models.PresenceRecord
	now     func() int64
}

// NewRoster builds an empty roster.
func NewRoster(now func() int64) *Roster {
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Roster{records: make(map[string]models.PresenceRecord), now: now}
}

// Touch records activity for a user and marks them online.
func (r *Roster) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[userID] = models.PresenceRecord{UserID: userID, State: models.PresenceOnline, LastSeenAt: r.now()}
}

// Disconnect marks a user offline, keeping the last-seen instant.
func (r *Roster) Disconnect(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[userID]
	if !ok {
		rec = models.PresenceRecord{UserID: userID, LastSeenAt: r.now()}
	}
	rec.State = models.PresenceOffline
	r.records[userID] = rec
}

// Get derives the current state from last-seen age: under a minute is
// online, under five minutes away, otherwise offline.
func (r *Roster) Get(userID string) models.PresenceRecord {
	r.mu.RLock()
	rec, ok := r.records[userID]
	r.mu.RUnlock()
	if !ok {
		return models.PresenceRecord{UserID: userID, State: models.PresenceOffline}
	}
	if rec.State == models.PresenceOffline {
		return rec
	}

	age := time.Duration(r.now()-rec.LastSeenAt) * time.Millisecond
	switch {
	case age < time.Minute:
		rec.State = models.PresenceOnline
	case age < 5*time.Minute:
		rec.State = models.PresenceAway
	default:
		rec.State = models.PresenceOffline
	}
	return rec
}

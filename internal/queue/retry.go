// Package queue decouples "user pressed send" from "bytes left the
// device": failed transmissions wait here and are re-attempted with
// capped exponential backoff until they succeed, exhaust their attempts,
// or age out.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chat-sync/internal/feed"
	"chat-sync/internal/observability"
)

const (
	// DefaultMaxAttempts caps automatic retries per item.
	DefaultMaxAttempts = 5
	// DefaultSweepInterval is how often pending items are re-examined
	// while online.
	DefaultSweepInterval = 30 * time.Second
	// failedRetention is how long exhausted items stay inspectable
	// before cleanup drops them.
	failedRetention = 7 * 24 * time.Hour
)

// State of a queued item.
type State string

const (
	StatePending  State = "pending"
	StateRetrying State = "retrying"
	StateFailed   State = "failed"
)

// Item is one held send.
type Item struct {
	ProvisionalID string
	ChatID        string
	Payload       feed.OutgoingMessage
	State         State
	Attempts      int
	EnqueuedAt    time.Time
	NextAttempt   time.Time
	LastError     string

	bo backoff.BackOff
}

// ErrSuspended is returned by an AttemptFunc whose owner is shutting
// down. The item stays pending and the attempt does not count against
// its budget.
var ErrSuspended = errors.New("queue: attempts suspended")

// AttemptFunc performs one transmission for a queued item. The tracker
// supplies this so all status transitions stay inside the engine.
type AttemptFunc func(ctx context.Context, item Item) error

// Status is a point-in-time summary exposed to the UI layer, which may
// inspect but never bypass the queue.
type Status struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
}

// RetryQueue holds sends that failed transmission, in arrival order.
type RetryQueue struct {
	mu          sync.Mutex
	items       []*Item
	attempt     AttemptFunc
	maxAttempts int
	online      bool
	now         func() time.Time
	newBackoff  func() backoff.BackOff
	sweepEvery  time.Duration
}

// Option configures a RetryQueue.
type Option func(*RetryQueue)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *RetryQueue) { q.now = now }
}

// WithMaxAttempts overrides the automatic retry cap.
func WithMaxAttempts(n int) Option {
	return func(q *RetryQueue) { q.maxAttempts = n }
}

// WithBackoffFactory overrides the per-item backoff schedule, for tests.
func WithBackoffFactory(f func() backoff.BackOff) Option {
	return func(q *RetryQueue) { q.newBackoff = f }
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(q *RetryQueue) {
		if d > 0 {
			q.sweepEvery = d
		}
	}
}

// New builds a RetryQueue. attempt must not be nil.
func New(attempt AttemptFunc, opts ...Option) *RetryQueue {
	q := &RetryQueue{
		attempt:     attempt,
		maxAttempts: DefaultMaxAttempts,
		online:      true,
		now:         time.Now,
		newBackoff:  defaultBackoff,
		sweepEvery:  DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// 1s, 2s, 4s, 8s, then capped at 16s.
func defaultBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 16 * time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	return bo
}

// Enqueue adds a failed send. The item becomes due after its first
// backoff interval, or immediately on the next connectivity-regained
// flush.
func (q *RetryQueue) Enqueue(provisionalID, chatID string, payload feed.OutgoingMessage, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item := &Item{
		ProvisionalID: provisionalID,
		ChatID:        chatID,
		Payload:       payload,
		State:         StatePending,
		EnqueuedAt:    q.now(),
		bo:            q.newBackoff(),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}
	item.NextAttempt = q.now().Add(item.bo.NextBackOff())
	q.items = append(q.items, item)

	log.Printf("retry queue enqueued provisional_id=%s chat=%s depth=%d", provisionalID, chatID, len(q.items))
	q.publishDepthLocked()
}

// Remove drops an item, called after its send finally succeeds.
func (q *RetryQueue) Remove(provisionalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ProvisionalID == provisionalID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.publishDepthLocked()
}

// SetOnline feeds connectivity signals in. Regaining connectivity
// triggers an immediate flush.
func (q *RetryQueue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	wasOffline := !q.online
	q.online = online
	q.mu.Unlock()

	if online && wasOffline {
		log.Printf("connectivity regained, flushing retry queue")
		q.mu.Lock()
		now := q.now()
		for _, item := range q.items {
			if item.State == StatePending {
				item.NextAttempt = now
			}
		}
		q.mu.Unlock()
		q.Flush(ctx)
	}
}

// Flush attempts every due pending item once, in queue order.
func (q *RetryQueue) Flush(ctx context.Context) {
	for _, item := range q.due() {
		q.attemptItem(ctx, item)
	}
}

// RetryNow resets an item's attempt budget and tries immediately,
// regardless of its schedule. Used for explicit manual retry.
func (q *RetryQueue) RetryNow(ctx context.Context, provisionalID string) bool {
	q.mu.Lock()
	var target *Item
	for _, item := range q.items {
		if item.ProvisionalID == provisionalID {
			target = item
			break
		}
	}
	if target == nil {
		q.mu.Unlock()
		return false
	}
	if target.State == StateRetrying {
		// An attempt is already in flight; don't start a second one.
		q.mu.Unlock()
		return true
	}
	target.Attempts = 0
	target.State = StatePending
	target.LastError = ""
	target.bo = q.newBackoff()
	target.NextAttempt = q.now()
	q.mu.Unlock()

	q.attemptItem(ctx, target)
	return true
}

// Run drives the periodic sweep until ctx is cancelled.
func (q *RetryQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Cleanup()
			q.Flush(ctx)
		}
	}
}

// Cleanup drops exhausted items older than the retention window.
func (q *RetryQueue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-failedRetention)
	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if item.State == StateFailed && item.EnqueuedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept
	if removed > 0 {
		log.Printf("retry queue cleanup removed=%d", removed)
	}
	q.publishDepthLocked()
}

// GetStatus reports queue composition.
func (q *RetryQueue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{Total: len(q.items)}
	for _, item := range q.items {
		switch item.State {
		case StatePending:
			st.Pending++
		case StateRetrying:
			st.Retrying++
		case StateFailed:
			st.Failed++
		}
	}
	return st
}

func (q *RetryQueue) due() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.online {
		return nil
	}
	now := q.now()
	var due []*Item
	for _, item := range q.items {
		// Retrying items are already claimed by another caller and
		// must not be dispatched a second time.
		if item.State != StatePending {
			continue
		}
		if item.NextAttempt.After(now) {
			continue
		}
		due = append(due, item)
	}
	return due
}

func (q *RetryQueue) attemptItem(ctx context.Context, item *Item) {
	q.mu.Lock()
	// Only a pending item can be claimed. A concurrent flush or
	// sweep that got here first already owns this item.
	if item.State != StatePending {
		q.mu.Unlock()
		return
	}
	if item.Attempts >= q.maxAttempts {
		item.State = StateFailed
		q.publishDepthLocked()
		q.mu.Unlock()
		return
	}
	item.State = StateRetrying
	item.Attempts++
	attempts := item.Attempts
	snapshot := *item
	q.mu.Unlock()

	err := q.attempt(ctx, snapshot)

	q.mu.Lock()
	defer q.mu.Unlock()
	if errors.Is(err, ErrSuspended) {
		// The owner is tearing down; hand the attempt back.
		item.State = StatePending
		item.Attempts--
		q.publishDepthLocked()
		return
	}
	if err == nil {
		for i, it := range q.items {
			if it == item {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
		log.Printf("retry succeeded provisional_id=%s attempts=%d", item.ProvisionalID, attempts)
		q.publishDepthLocked()
		return
	}

	item.LastError = err.Error()
	if item.Attempts >= q.maxAttempts {
		item.State = StateFailed
		log.Printf("retry exhausted provisional_id=%s attempts=%d err=%v", item.ProvisionalID, attempts, err)
	} else {
		item.State = StatePending
		item.NextAttempt = q.now().Add(item.bo.NextBackOff())
	}
	q.publishDepthLocked()
}

func (q *RetryQueue) publishDepthLocked() {
	counts := map[State]int{}
	for _, item := range q.items {
		counts[item.State]++
	}
	observability.SetRetryQueueDepth(string(StatePending), counts[StatePending])
	observability.SetRetryQueueDepth(string(StateRetrying), counts[StateRetrying])
	observability.SetRetryQueueDepth(string(StateFailed), counts[StateFailed])
}

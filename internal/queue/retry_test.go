package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type attemptRecorder struct {
	calls []string
	err   error
}

func (r *attemptRecorder) attempt(ctx context.Context, item Item) error {
	r.calls = append(r.calls, item.ProvisionalID)
	return r.err
}

func newTestQueue(rec *attemptRecorder, clk *fakeClock, opts ...Option) *RetryQueue {
	base := []Option{
		WithClock(clk.Now),
		WithBackoffFactory(func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		}),
	}
	return New(rec.attempt, append(base, opts...)...)
}

func payload(text string) feed.OutgoingMessage {
	return feed.OutgoingMessage{Kind: models.KindText, Text: text}
}

func TestEnqueueSchedulesAfterBackoff(t *testing.T) {
	rec := &attemptRecorder{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.Enqueue("prov_a", "c1", payload("hi"), nil)

	// Not due yet.
	q.Flush(context.Background())
	assert.Empty(t, rec.calls)

	clk.Advance(time.Second)
	q.Flush(context.Background())
	assert.Equal(t, []string{"prov_a"}, rec.calls)
}

func TestSuccessfulAttemptRemovesItem(t *testing.T) {
	rec := &attemptRecorder{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)
	q.Flush(context.Background())

	assert.Zero(t, q.GetStatus().Total)
}

func TestFailingAttemptsExhaustIntoFailed(t *testing.T) {
	rec := &attemptRecorder{err: assert.AnError}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk, WithMaxAttempts(3))

	q.Enqueue("prov_a", "c1", payload("hi"), assert.AnError)

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		q.Flush(context.Background())
	}

	require.Len(t, rec.calls, 3, "attempts stop at the cap")
	st := q.GetStatus()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Total)
}

func TestOfflineSuppressesAttempts(t *testing.T) {
	rec := &attemptRecorder{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.SetOnline(context.Background(), false)
	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Minute)
	q.Flush(context.Background())

	assert.Empty(t, rec.calls)
}

func TestConnectivityRegainedFlushesImmediately(t *testing.T) {
	rec := &attemptRecorder{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.SetOnline(context.Background(), false)
	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	q.Enqueue("prov_b", "c1", payload("ho"), nil)

	// Backoff deadlines have not elapsed, connectivity returning
	// overrides the schedule.
	q.SetOnline(context.Background(), true)

	assert.Equal(t, []string{"prov_a", "prov_b"}, rec.calls)
}

func TestRetryNowResetsAttemptBudget(t *testing.T) {
	rec := &attemptRecorder{err: assert.AnError}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk, WithMaxAttempts(1))

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)
	q.Flush(context.Background())
	require.Equal(t, 1, q.GetStatus().Failed)

	// Manual retry revives an exhausted item.
	rec.err = nil
	require.True(t, q.RetryNow(context.Background(), "prov_a"))
	assert.Zero(t, q.GetStatus().Total)

	assert.False(t, q.RetryNow(context.Background(), "prov_missing"))
}

func TestConcurrentFlushesDispatchItemOnce(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	attempt := func(ctx context.Context, item Item) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := New(attempt,
		WithClock(clk.Now),
		WithBackoffFactory(func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		}))

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Flush(context.Background())
	}()
	<-started

	// A second flush while the first attempt is still in flight must
	// not transmit the same item again.
	q.Flush(context.Background())
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Zero(t, q.GetStatus().Total)
}

func TestRetryNowSkipsItemAlreadyInFlight(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	attempt := func(ctx context.Context, item Item) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := New(attempt,
		WithClock(clk.Now),
		WithBackoffFactory(func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Second)
		}))

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Flush(context.Background())
	}()
	<-started

	require.True(t, q.RetryNow(context.Background(), "prov_a"))
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSuspendedAttemptLeavesItemPending(t *testing.T) {
	rec := &attemptRecorder{err: ErrSuspended}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)
	q.Flush(context.Background())

	require.Equal(t, []string{"prov_a"}, rec.calls)

	// The send was never transmitted, so the item survives with its
	// attempt budget intact.
	st := q.GetStatus()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Pending)
	q.mu.Lock()
	assert.Zero(t, q.items[0].Attempts)
	assert.Empty(t, q.items[0].LastError)
	q.mu.Unlock()
}

func TestCleanupDropsOldFailedItems(t *testing.T) {
	rec := &attemptRecorder{err: assert.AnError}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk, WithMaxAttempts(1))

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	clk.Advance(time.Second)
	q.Flush(context.Background())
	require.Equal(t, 1, q.GetStatus().Failed)

	// Inside the retention window the failed item stays visible.
	q.Cleanup()
	assert.Equal(t, 1, q.GetStatus().Total)

	clk.Advance(8 * 24 * time.Hour)
	q.Cleanup()
	assert.Zero(t, q.GetStatus().Total)
}

func TestRemoveDropsItem(t *testing.T) {
	rec := &attemptRecorder{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	q := newTestQueue(rec, clk)

	q.Enqueue("prov_a", "c1", payload("hi"), nil)
	q.Remove("prov_a")
	assert.Zero(t, q.GetStatus().Total)
}

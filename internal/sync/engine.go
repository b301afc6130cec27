package sync

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/clock"
	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/presence"
	"chat-sync/internal/queue"
	"chat-sync/internal/store"
)

// Config wires an Engine to its boundary collaborators.
type Config struct {
	ChatID     string
	SelfID     string
	Live       feed.LiveFeed
	History    feed.History
	Sender     feed.Sender
	ReadMarker feed.ReadMarker
	Typing     feed.TypingTransport

	// WindowSize is the live-feed window, PageSize the pagination page.
	WindowSize int
	PageSize   int

	// OnMessages is invoked with the merged view after every mutation.
	// OnTyping is invoked with the TTL-filtered typing set. Both may be nil.
	OnMessages func([]models.Message)
	OnTyping   func([]string)

	// QueueOptions tune the retry queue.
	QueueOptions []queue.Option
}

const (
	defaultWindowSize = 200
	defaultPageSize   = 50

	// readReceiptInterval caps read-receipt transmissions to one per
	// conversation per interval; extra ids coalesce into the next flush.
	readReceiptInterval = 500 * time.Millisecond
)

// Engine owns one conversation's sync state: the message store, the
// snapshot merge driven by the live feed, pagination, optimistic sends,
// the retry queue, and typing. All writers funnel through the store's
// single mutation entry point; teardown flips a liveness flag so a late
// callback is a guaranteed no-op.
type Engine struct {
	cfg       Config
	store     *store.Store
	tracker   *Tracker
	paginator *Paginator
	retry     *queue.RetryQueue
	typing    *presence.TypingTracker

	mu         sync.Mutex
	alive      bool
	unsubs     []feed.Unsubscribe
	cancel     context.CancelFunc
	lastGood   []models.Message
	tombstones map[string]struct{}

	readMu        sync.Mutex
	pendingReads  map[string]struct{}
	lastReadFlush time.Time
	readTimer     *time.Timer
}

// NewEngine builds an Engine for one conversation. Call Start to attach
// subscriptions and Close to tear everything down.
func NewEngine(cfg Config) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}

	e := &Engine{
		cfg:          cfg,
		store:        store.New(),
		pendingReads: make(map[string]struct{}),
		tombstones:   make(map[string]struct{}),
	}
	e.retry = queue.New(e.queueAttempt, cfg.QueueOptions...)
	e.tracker = NewTracker(e.store, cfg.Sender, cfg.ChatID, cfg.SelfID, func(msg models.Message, out feed.OutgoingMessage) {
		e.retry.Enqueue(msg.ProvisionalID, cfg.ChatID, out, nil)
	})
	e.paginator = NewPaginator(cfg.History, cfg.ChatID, cfg.PageSize)
	if cfg.Typing != nil {
		e.typing = presence.NewTypingTracker(cfg.Typing, cfg.ChatID, cfg.SelfID)
	}
	return e
}

// Start subscribes to the live feed and typing transport and begins the
// retry sweep. Subscriptions are retained for teardown.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.alive = true
	e.cancel = cancel
	e.mu.Unlock()

	unsub, err := e.cfg.Live.SubscribeLiveMessages(ctx, e.cfg.ChatID, e.cfg.WindowSize, e.onBatch)
	if err != nil {
		cancel()
		return err
	}
	e.addUnsub(unsub)

	if e.cfg.Typing != nil {
		tu, err := e.cfg.Typing.SubscribeTyping(ctx, e.cfg.ChatID, e.onTypingSet)
		if err != nil {
			e.Close()
			return err
		}
		e.addUnsub(tu)
	}

	go e.retry.Run(runCtx)
	log.Printf("sync engine started chat=%s window=%d", e.cfg.ChatID, e.cfg.WindowSize)
	return nil
}

// onBatch is the live-feed callback: merge against a freshly-read store
// snapshot and publish. A nil batch signals a feed error; the previous
// good view is re-delivered rather than clearing the screen.
func (e *Engine) onBatch(batch []models.Message) {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	if batch == nil {
		last := e.lastGood
		e.mu.Unlock()
		e.publish(last)
		return
	}
	e.mu.Unlock()

	e.store.Apply(func(current []models.Message) []models.Message {
		return Merge(current, batch)
	})
	next := e.pruneDeleted()

	e.mu.Lock()
	e.lastGood = next
	e.mu.Unlock()
	e.publish(next)
}

// pruneDeleted drops locally deleted messages that a feed batch or
// history page re-introduced. The server still knows them; this session
// does not.
func (e *Engine) pruneDeleted() []models.Message {
	e.mu.Lock()
	if len(e.tombstones) == 0 {
		e.mu.Unlock()
		return e.store.Get()
	}
	dead := make(map[string]struct{}, len(e.tombstones))
	for id := range e.tombstones {
		dead[id] = struct{}{}
	}
	e.mu.Unlock()

	return e.store.Apply(func(current []models.Message) []models.Message {
		out := current[:0]
		for _, m := range current {
			if _, gone := dead[m.ID]; gone {
				continue
			}
			out = append(out, m)
		}
		return out
	})
}

func (e *Engine) onTypingSet(signals []models.TypingSignal) {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if e.cfg.OnTyping != nil {
		e.cfg.OnTyping(presence.FreshSignals(signals, clock.NowMillis(), presence.DefaultTTL))
	}
}

// Messages returns the current merged, ordered view.
func (e *Engine) Messages() []models.Message {
	return e.store.Get()
}

// Send runs the optimistic send path.
func (e *Engine) Send(ctx context.Context, out feed.OutgoingMessage) (models.Message, error) {
	msg, err := e.tracker.Send(ctx, out)
	if err == nil {
		e.publish(e.store.Get())
	}
	return msg, err
}

// Retry re-attempts a failed send, preferring the queued payload so the
// original intent is preserved byte for byte.
func (e *Engine) Retry(ctx context.Context, provisionalID string) (models.Message, error) {
	if e.retry.RetryNow(ctx, provisionalID) {
		msg, ok := e.findProvisional(provisionalID)
		if !ok {
			return models.Message{}, ErrUnknownMessage
		}
		e.publish(e.store.Get())
		return msg, nil
	}

	msg, ok := e.findProvisional(provisionalID)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	out := feed.OutgoingMessage{
		ProvisionalID: provisionalID,
		Kind:          msg.Kind,
		Text:          msg.Text,
		Attachments:   msg.Attachments,
		CreatedAt:     msg.CreatedAt,
	}
	res, err := e.tracker.Retry(ctx, provisionalID, out)
	if err == nil {
		e.publish(e.store.Get())
	}
	return res, err
}

// LoadOlder pages history in beneath the live window.
func (e *Engine) LoadOlder(ctx context.Context, beforeMillis int64) (int, bool, error) {
	added, hasMore, err := e.paginator.LoadOlderThan(ctx, e.store, beforeMillis)
	if added > 0 {
		e.publish(e.pruneDeleted())
	}
	return added, hasMore, err
}

// MarkRead applies the local monotonic upgrade and sends read receipts,
// at most one transmission per readReceiptInterval; ids arriving inside
// the interval coalesce into a deferred flush. Best effort; a transport
// failure leaves local state ahead of the server, which the next feed
// batch reconciles.
func (e *Engine) MarkRead(ctx context.Context, messageIDs []string) error {
	unread := make([]string, 0, len(messageIDs))
	for _, m := range e.store.Get() {
		for _, id := range messageIDs {
			if m.ID == id && !m.ReadByUser(e.cfg.SelfID) {
				unread = append(unread, id)
			}
		}
	}
	if len(unread) == 0 {
		return nil
	}

	for _, id := range unread {
		_ = e.tracker.ConfirmDelivery(id, models.StatusRead, []string{e.cfg.SelfID})
	}
	e.publish(e.store.Get())

	e.readMu.Lock()
	for _, id := range unread {
		e.pendingReads[id] = struct{}{}
	}
	if since := time.Since(e.lastReadFlush); since < readReceiptInterval {
		if e.readTimer == nil {
			e.readTimer = time.AfterFunc(readReceiptInterval-since, e.flushReads)
		}
		e.readMu.Unlock()
		return nil
	}
	ids := e.drainPendingLocked()
	e.readMu.Unlock()

	return e.cfg.ReadMarker.MarkRead(ctx, e.cfg.ChatID, ids, e.cfg.SelfID)
}

// flushReads is the deferred read-receipt transmission for ids that
// arrived while the throttle window was closed.
func (e *Engine) flushReads() {
	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()

	e.readMu.Lock()
	e.readTimer = nil
	ids := e.drainPendingLocked()
	e.readMu.Unlock()

	if !alive || len(ids) == 0 {
		return
	}
	if err := e.cfg.ReadMarker.MarkRead(context.Background(), e.cfg.ChatID, ids, e.cfg.SelfID); err != nil {
		log.Printf("deferred read receipts failed chat=%s err=%v", e.cfg.ChatID, err)
	}
}

// drainPendingLocked empties the pending-read set and stamps the flush.
// Caller holds readMu.
func (e *Engine) drainPendingLocked() []string {
	ids := make([]string, 0, len(e.pendingReads))
	for id := range e.pendingReads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.pendingReads = make(map[string]struct{})
	e.lastReadFlush = time.Now()
	return ids
}

// Delete removes a confirmed message from the local view. Idempotent:
// deleting an id that is already gone is a no-op. Provisional targets are
// rejected. The id is tombstoned for the rest of the session so feed
// rebroadcasts and history pages cannot resurrect it.
func (e *Engine) Delete(messageID string) error {
	if err := e.tracker.GuardMutable(messageID); err != nil {
		if err == ErrUnknownMessage {
			return nil
		}
		return err
	}
	e.mu.Lock()
	e.tombstones[messageID] = struct{}{}
	e.mu.Unlock()

	next := e.store.Apply(func(current []models.Message) []models.Message {
		out := current[:0]
		for _, m := range current {
			if m.ID != messageID {
				out = append(out, m)
			}
		}
		return out
	})
	e.mu.Lock()
	e.lastGood = next
	e.mu.Unlock()
	e.publish(next)
	return nil
}

// TypingInput forwards a keystroke to the debounced typing tracker.
func (e *Engine) TypingInput(ctx context.Context) {
	if e.typing != nil {
		e.typing.Input(ctx)
	}
}

// TypingStop clears the typing signal, used on send and input clearing.
func (e *Engine) TypingStop(ctx context.Context) {
	if e.typing != nil {
		e.typing.Stop(ctx)
	}
}

// SetOnline feeds connectivity signals to the retry queue.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.retry.SetOnline(ctx, online)
}

// QueueStatus exposes the retry queue composition for inspection.
func (e *Engine) QueueStatus() queue.Status {
	return e.retry.GetStatus()
}

// Reset clears the conversation state for a full refresh: the store is
// emptied and the paginator re-armed. Subscriptions stay attached.
func (e *Engine) Reset() {
	e.store.ReplaceAll(nil)
	e.paginator.Reset()
}

// Close tears the engine down: all subscriptions are unsubscribed
// synchronously, timers cancelled, typing force-cleared, and the
// liveness flag dropped so late callbacks become no-ops.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	e.alive = false
	unsubs := e.unsubs
	e.unsubs = nil
	cancel := e.cancel
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.readMu.Lock()
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	e.readMu.Unlock()
	if e.typing != nil {
		e.typing.Close(context.Background())
	}
	log.Printf("sync engine closed chat=%s", e.cfg.ChatID)
}

// queueAttempt is the retry queue's transmission callback: move the entry
// back to sending, try once, and restore failed on error so the queue's
// scheduling and the visible status never disagree.
func (e *Engine) queueAttempt(ctx context.Context, item queue.Item) error {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		// Nothing was transmitted; the item must stay queued rather
		// than be dropped as sent.
		return queue.ErrSuspended
	}
	e.mu.Unlock()

	e.tracker.MarkSending(item.ProvisionalID)
	serverID, err := e.cfg.Sender.SendMessage(ctx, e.cfg.ChatID, e.cfg.SelfID, item.Payload)
	if err != nil {
		e.tracker.MarkFailed(item.ProvisionalID)
		e.publish(e.store.Get())
		return err
	}

	e.store.Apply(func(current []models.Message) []models.Message {
		for i, m := range current {
			if m.ProvisionalID == item.ProvisionalID {
				current[i].ID = serverID
				current[i].Status = models.MaxStatus(m.Status, models.StatusSent)
			}
		}
		return current
	})
	e.publish(e.store.Get())
	return nil
}

func (e *Engine) publish(msgs []models.Message) {
	if e.cfg.OnMessages == nil {
		return
	}
	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if alive {
		e.cfg.OnMessages(msgs)
	}
}

func (e *Engine) findProvisional(provisionalID string) (models.Message, bool) {
	for _, m := range e.store.Get() {
		if m.ProvisionalID == provisionalID {
			return m, true
		}
	}
	return models.Message{}, false
}

func (e *Engine) addUnsub(u feed.Unsubscribe) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubs = append(e.unsubs, u)
}

package sync

import (
	"context"
	"log"
	"sync"

	"chat-sync/internal/feed"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// Paginator extends the visible window backwards in time. The live feed
// stays authoritative for its own window: paged entries whose id already
// exists in the store are discarded, which also makes a retried request
// with the same cursor idempotent.
type Paginator struct {
	mu        sync.Mutex
	history   feed.History
	chatID    string
	pageSize  int
	exhausted bool
}

// NewPaginator builds a Paginator for one conversation.
func NewPaginator(history feed.History, chatID string, pageSize int) *Paginator {
	return &Paginator{history: history, chatID: chatID, pageSize: pageSize}
}

// LoadOlderThan fetches one page of messages older than beforeMillis and
// merges it beneath the current window. It returns the number of entries
// added and whether more history remains.
func (p *Paginator) LoadOlderThan(ctx context.Context, st *store.Store, beforeMillis int64) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exhausted {
		return 0, false, nil
	}

	page, hasMore, err := p.history.FetchOlderMessages(ctx, p.chatID, beforeMillis, p.pageSize)
	if err != nil {
		return 0, !p.exhausted, err
	}

	if !hasMore || len(page) < p.pageSize {
		p.exhausted = true
	}

	added := 0
	st.Apply(func(current []models.Message) []models.Message {
		present := make(map[string]struct{}, len(current))
		for _, m := range current {
			if m.ID != "" {
				present[m.ID] = struct{}{}
			}
		}
		for _, m := range page {
			if m.ID != "" {
				if _, ok := present[m.ID]; ok {
					observability.IncDuplicateDropped("pagination")
					continue
				}
			}
			current = append(current, m)
			added++
		}
		return current
	})

	log.Printf("pagination merged chat=%s before=%d fetched=%d added=%d has_more=%t", p.chatID, beforeMillis, len(page), added, !p.exhausted)
	return added, !p.exhausted, nil
}

// Exhausted reports whether further loads are suppressed.
func (p *Paginator) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// Reset re-arms the paginator after a conversation reset.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhausted = false
}

// Package store holds the ordered message list for one conversation.
// Every component mutates the list through Apply, which computes the next
// state from a freshly-read snapshot; callers never mutate in place and
// never reuse a slice captured before a blocking call.
package store

import (
	"sort"
	"sync"

	"chat-sync/internal/models"
)

// Store is the single mutation point for a conversation's messages.
type Store struct {
	mu       sync.RWMutex
	version  uint64
	messages []models.Message
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Get returns a read-only snapshot of the current ordered list.
func (s *Store) Get() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Version returns the state-version token, bumped on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Len returns the current list length.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ReplaceAll resets the store to msgs, used on conversation switch and
// manual refresh.
func (s *Store) ReplaceAll(msgs []models.Message) {
	s.Apply(func([]models.Message) []models.Message {
		return msgs
	})
}

// Apply computes the next list from the current one under the store lock
// and atomically swaps it in. The input slice is a copy; fn may return it
// modified or build a new one. The installed list is normalized so no
// reader ever observes duplicates or a broken sort order.
func (s *Store) Apply(fn func(current []models.Message) []models.Message) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make([]models.Message, len(s.messages))
	copy(current, s.messages)

	next := Normalize(fn(current))
	s.messages = next
	s.version++

	out := make([]models.Message, len(next))
	copy(out, next)
	return out
}

// Normalize deduplicates by identifier (later entries win, so fresher
// server copies replace stale ones) and stable-sorts ascending by
// normalized timestamp. Stable sort keeps arrival order for ties.
func Normalize(msgs []models.Message) []models.Message {
	byKey := make(map[string]int, len(msgs))
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		key := m.ID
		if key == "" {
			key = m.ProvisionalID
		}
		if key == "" {
			out = append(out, m)
			continue
		}
		if i, ok := byKey[key]; ok {
			out[i] = m
			continue
		}
		byKey[key] = len(out)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

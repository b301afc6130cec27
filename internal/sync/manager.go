package sync

import (
	"context"
	"sync"
)

// EngineFactory builds a started engine for one conversation and user.
type EngineFactory func(chatID, selfID string) *Engine

// Manager hands out one engine per (conversation, user) pair. Each store
// is exclusively owned by its engine instance; there is no
// cross-conversation sharing.
type Manager struct {
	mu      sync.Mutex
	factory EngineFactory
	engines map[string]*Engine
}

// NewManager builds a Manager around factory.
func NewManager(factory EngineFactory) *Manager {
	return &Manager{factory: factory, engines: make(map[string]*Engine)}
}

// Get returns the engine for the pair, starting one on first use.
func (m *Manager) Get(ctx context.Context, chatID, selfID string) (*Engine, error) {
	key := chatID + "\x00" + selfID

	m.mu.Lock()
	if e, ok := m.engines[key]; ok {
		m.mu.Unlock()
		return e, nil
	}
	m.mu.Unlock()

	e := m.factory(chatID, selfID)
	if err := e.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.engines[key]; ok {
		// Lost the race; keep the first one.
		e.Close()
		return existing, nil
	}
	m.engines[key] = e
	return e, nil
}

// Release tears down the engine for the pair, if any.
func (m *Manager) Release(chatID, selfID string) {
	key := chatID + "\x00" + selfID

	m.mu.Lock()
	e, ok := m.engines[key]
	delete(m.engines, key)
	m.mu.Unlock()

	if ok {
		e.Close()
	}
}

// Close tears down every engine.
func (m *Manager) Close() {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}

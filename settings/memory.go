package settings

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is a thread-safe in-memory Store for tests and single-process
// use.
type MemoryStore struct {
	mu sync.RWMutex
	s  Settings
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func clone(s Settings) Settings {
	s.WrappedKey = bytes.Clone(s.WrappedKey)
	return s
}

func (m *MemoryStore) Load(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return clone(m.s), nil
}

func (m *MemoryStore) Save(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = clone(s)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(*Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := clone(m.s)
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	m.s = next
	return nil
}

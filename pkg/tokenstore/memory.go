package tokenstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process credential store.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]Credentials),
	}
}

func (m *MemoryStore) Save(_ context.Context, creds Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[creds.Key] = creds
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if c.IsExpired() {
		return &c, ErrTokenExpired
	}
	return &c, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, key)
	return nil
}

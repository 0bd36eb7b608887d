package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]time.Time),
	}
}

// GetLastUpdated returns the recorded time for key, or the zero time.
func (m *MemoryStore) GetLastUpdated(_ context.Context, key string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[key], nil
}

// SetLastUpdated records t for key unless an equal or later time is
// already recorded.
func (m *MemoryStore) SetLastUpdated(_ context.Context, key string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.data[key]) {
		m.data[key] = t
	}
	return nil
}

// All returns a copy of every recorded checkpoint.
func (m *MemoryStore) All(_ context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Store is a TTL key/value cache. Values are JSON round-tripped so the
// memory and Redis backends behave identically.
type Store interface {
	// Get unmarshals the cached value into dest and reports whether a live
	// entry existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// ClearExpired drops entries past their TTL. A no-op for backends that
	// expire natively.
	ClearExpired(ctx context.Context) error
	Close() error
}

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is the default in-process cache backend.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

// SetClock overrides the clock, used by tests to force expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	now := m.now()
	m.mu.RUnlock()
	if !ok || now.After(entry.expires) {
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{data: data, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ClearExpired(_ context.Context) error {
	m.mu.Lock()
	now := m.now()
	for key, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
	return nil
}

// Len reports the number of live plus expired entries, used by tests.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)

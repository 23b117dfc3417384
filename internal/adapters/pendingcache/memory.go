// Package pendingcache remembers symbols that had an order submitted
// recently. It backs the last duplicate-guard layer.
package pendingcache

import (
	"context"
	"sync"
	"time"
)

// Memory is a process-local cache. Expired entries are dropped lazily.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // symbol → expiry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), now: time.Now}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Has(_ context.Context, symbol string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.entries[symbol]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.entries, symbol)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Put(_ context.Context, symbol string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[symbol] = m.now().Add(ttl)
	return nil
}

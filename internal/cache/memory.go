package cache

import (
	"context"
	"sync"
	"time"

	"charon/internal/storage"
)

// Memory is a process-local TTL cache.
type Memory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates a cache; ttl <= 0 keeps entries until invalidated.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, code string) ([]storage.PricePoint, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[code]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && m.now().After(e.expires) {
		m.mu.Lock()
		delete(m.entries, code)
		m.mu.Unlock()
		return nil, false, nil
	}
	return clonePoints(e.points), true, nil
}

func (m *Memory) Set(_ context.Context, code string, points []storage.PricePoint) error {
	e := entry{points: clonePoints(points)}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[code] = e
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, codes ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(codes) == 0 {
		m.entries = make(map[string]entry)
		return nil
	}
	for _, code := range codes {
		delete(m.entries, code)
	}
	return nil
}

// callers may append to the returned slice
func clonePoints(points []storage.PricePoint) []storage.PricePoint {
	out := make([]storage.PricePoint, len(points))
	copy(out, points)
	return out
}

var _ Series = (*Memory)(nil)

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process CounterStore. Each key owns a pruned slice of
// action timestamps guarded by one mutex, so increments per key are atomic.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]*windowEntry
}

type windowEntry struct {
	mu    sync.Mutex
	times []time.Time
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*windowEntry)}
}

func (s *MemoryStore) entry(key string) *windowEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.keys[key]
	if !ok {
		e = &windowEntry{}
		s.keys[key] = e
	}
	return e
}

// Record commits one action and prunes entries that fell out of the window.
func (s *MemoryStore) Record(_ context.Context, key string, at time.Time, window time.Duration) error {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(at.Add(-window))
	e.times = append(e.times, at)
	return nil
}

// CountWindow counts actions at or after `from` and returns the oldest one.
func (s *MemoryStore) CountWindow(_ context.Context, key string, from time.Time) (int, time.Time, error) {
	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune(from)
	if len(e.times) == 0 {
		return 0, time.Time{}, nil
	}
	return len(e.times), e.times[0], nil
}

// prune drops entries before `from`. Must be called with e.mu held.
func (e *windowEntry) prune(from time.Time) {
	idx := 0
	for idx < len(e.times) && e.times[idx].Before(from) {
		idx++
	}
	if idx > 0 {
		e.times = append(e.times[:0], e.times[idx:]...)
	}
}

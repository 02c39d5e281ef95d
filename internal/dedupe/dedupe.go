// Package dedupe suppresses duplicate provider webhook deliveries. Providers
// retry webhooks at-least-once; processing a delivery twice must not create a
// second message or double-charge a wallet.
package dedupe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"msghub/internal/cache"
)

// Store remembers which webhook event ids were already processed.
type Store interface {
	// Seen marks id as processed and reports whether it had been seen
	// before within the retention window. The first caller gets false.
	Seen(ctx context.Context, id string) (bool, error)

	// Forget releases an id claimed by Seen. Callers use it when processing
	// the event failed, so the provider's at-least-once retry is not
	// suppressed by a delivery that had no effect.
	Forget(ctx context.Context, id string) error
}

// MemoryStore is a process-local Store with TTL expiry. Suitable for
// single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.entries[id]; ok && now.Before(expiry) {
		return true, nil
	}
	s.entries[id] = now.Add(s.ttl)
	s.pruneLocked(now)
	return false, nil
}

func (s *MemoryStore) Forget(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// pruneLocked drops expired entries. Bounded sweep so a hot path never stalls
// on a large map.
func (s *MemoryStore) pruneLocked(now time.Time) {
	const maxSweep = 64
	swept := 0
	for id, expiry := range s.entries {
		if swept >= maxSweep {
			return
		}
		if now.After(expiry) {
			delete(s.entries, id)
		}
		swept++
	}
}

// RedisStore shares dedupe state across nodes using SET NX with expiry.
type RedisStore struct {
	cache *cache.Redis
	ttl   time.Duration
}

func NewRedisStore(c *cache.Redis, ttl time.Duration) *RedisStore {
	return &RedisStore{cache: c, ttl: ttl}
}

func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	set, err := s.cache.SetNX(ctx, "dedupe:"+id, "1", s.ttl)
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return !set, nil
}

func (s *RedisStore) Forget(ctx context.Context, id string) error {
	if err := s.cache.Del(ctx, "dedupe:"+id); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"msghub/internal/cache"
)

// RedisStore is a CounterStore backed by Redis sorted sets, one set per key
// with action timestamps as scores. Redis executes each command atomically,
// which gives single-writer semantics per key across instances.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a counter store on the shared Redis connection.
func NewRedisStore(r *cache.Redis) *RedisStore {
	return &RedisStore{client: r.Client()}
}

// Record appends one action and trims entries that fell out of the window.
func (s *RedisStore) Record(ctx context.Context, key string, at time.Time, window time.Duration) error {
	score := float64(at.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", at.Add(-window).UnixNano()))
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis record %s: %w", key, err)
	}
	return nil
}

// CountWindow counts actions at or after `from` and returns the oldest one.
func (s *RedisStore) CountWindow(ctx context.Context, key string, from time.Time) (int, time.Time, error) {
	min := strconv.FormatInt(from.UnixNano(), 10)
	entries, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis count %s: %w", key, err)
	}
	if len(entries) == 0 {
		return 0, time.Time{}, nil
	}
	oldest := time.Unix(0, int64(entries[0].Score))
	return len(entries), oldest, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as Redis hashes that expire at their reset time.
// Sharing it between instances shares counters, but the Limiter's lock is
// still per process, so concurrent instances may over-admit slightly. Each
// Check holds its key's lock shard for a read and a write round-trip, so a
// slow Redis delays other keys hashed to the same shard.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fw"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:%s", s.prefix, k)
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(vals) == 0 {
		return Entry{}, false, nil
	}

	count, err := strconv.Atoi(vals["count"])
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid count for %s: %w", key, err)
	}
	resetMs, err := strconv.ParseInt(vals["reset"], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("invalid reset for %s: %w", key, err)
	}

	return Entry{Count: count, ResetTime: time.UnixMilli(resetMs)}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	k := s.key(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, "count", entry.Count, "reset", entry.ResetTime.UnixMilli())
		pipe.PExpireAt(ctx, k, entry.ResetTime)
		return nil
	})
	return err
}

// Sweep is a no-op: Redis drops keys at their reset time.
func (s *RedisStore) Sweep(context.Context, time.Time) error {
	return nil
}

// Len always reports zero so the Limiter never triggers a sweep.
func (s *RedisStore) Len(context.Context) (int, error) {
	return 0, nil
}

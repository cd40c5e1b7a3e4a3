// Package ratelimit implements the fixed-window request limiter that guards
// abuse-prone routes such as whitelist checks and SSO redirects.
//
// A window opens on the first request after the previous window (or ever)
// expired, and every request inside [start, start+window) shares one counter.
// Counters are per process; the database-backed credit system remains the
// authoritative enforcement point.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// lockShards is the number of key-hashed mutexes serializing Check. Two keys
// in the same shard wait on each other, including across store round-trips.
const lockShards = 64

// DefaultSweepThreshold is the tracked-key count above which expired entries
// are purged opportunistically.
const DefaultSweepThreshold = 10000

// Config is the window length and the maximum number of requests per window.
type Config struct {
	Window time.Duration
	Max    int
}

// Result is the outcome of a single check. RetryAfter is in whole seconds and
// only set when the request is denied.
type Result struct {
	Allowed    bool `json:"allowed"`
	RetryAfter int  `json:"retryAfter,omitempty"`
}

type Limiter struct {
	locks          [lockShards]sync.Mutex
	store          Store
	now            func() time.Time
	sweepThreshold int
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithSweepThreshold(n int) Option {
	return func(l *Limiter) { l.sweepThreshold = n }
}

func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:          store,
		now:            time.Now,
		sweepThreshold: DefaultSweepThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for key and reports whether it is allowed.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) (Result, error) {
	// The read-modify-write below must not interleave for the same key.
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	now := l.now()

	n, err := l.store.Len(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to count rate limit entries: %w", err)
	}
	if n > l.sweepThreshold {
		if err := l.store.Sweep(ctx, now); err != nil {
			return Result{}, fmt.Errorf("failed to sweep rate limit entries: %w", err)
		}
	}

	entry, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get rate limit entry: %w", err)
	}

	if !ok || !now.Before(entry.ResetTime) {
		fresh := Entry{Count: 1, ResetTime: now.Add(cfg.Window)}
		if err := l.store.Set(ctx, key, fresh); err != nil {
			return Result{}, fmt.Errorf("failed to set rate limit entry: %w", err)
		}
		return Result{Allowed: true}, nil
	}

	if entry.Count >= cfg.Max {
		return Result{Allowed: false, RetryAfter: retryAfterSeconds(entry.ResetTime.Sub(now))}, nil
	}

	entry.Count++
	if err := l.store.Set(ctx, key, entry); err != nil {
		return Result{}, fmt.Errorf("failed to set rate limit entry: %w", err)
	}
	return Result{Allowed: true}, nil
}

func (l *Limiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.locks[h.Sum32()%lockShards]
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(time.Second)))
}

// Package ratelimit caps how many model tokens a user may spend per minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}

// Allow spends tokens from the user's budget for the current minute.
func (l *Limiter) Allow(ctx context.Context, userID string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(userID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

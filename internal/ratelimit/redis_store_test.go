package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis answers the hash and expiry commands RedisStore issues. Calling
// anything else panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu       sync.Mutex
	hashes   map[string]map[string]string
	expireAt map[string]time.Time
	getErr   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{hashes: map[string]map[string]string{}, expireAt: map[string]time.Time{}}
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return redis.NewMapStringStringResult(nil, f.getErr)
	}
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return nil, fn(&fakePipe{f: f})
}

type fakePipe struct {
	redis.Pipeliner
	f *fakeRedis
}

func (p *fakePipe) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()

	h := p.f.hashes[key]
	if h == nil {
		h = map[string]string{}
		p.f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), nil)
}

func (p *fakePipe) PExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd {
	p.f.mu.Lock()
	defer p.f.mu.Unlock()

	p.f.expireAt[key] = tm
	return redis.NewBoolResult(true, nil)
}

func TestRedisStore_LimiterRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(NewRedisStore(rdb, ""), WithClock(clock.Now))
	cfg := Config{Window: time.Minute, Max: 10}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := l.Check(ctx, "sso-redirect:1.2.3.4", cfg)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, err := l.Check(ctx, "sso-redirect:1.2.3.4", cfg)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed || res.RetryAfter != 60 {
		t.Errorf("expected denial with retryAfter 60, got %+v", res)
	}

	h := rdb.hashes["fw:sso-redirect:1.2.3.4"]
	if h["count"] != "10" {
		t.Errorf("expected stored count 10, got %q", h["count"])
	}
	reset := clock.t.Add(time.Minute)
	if got := rdb.expireAt["fw:sso-redirect:1.2.3.4"]; !got.Equal(reset) {
		t.Errorf("expected expiry at %v, got %v", reset, got)
	}

	clock.Advance(time.Minute)
	res, err = l.Check(ctx, "sso-redirect:1.2.3.4", cfg)
	if err != nil || !res.Allowed {
		t.Errorf("expected a fresh window after reset, got %+v, %v", res, err)
	}
}

func TestRedisStore_GetMissingKey(t *testing.T) {
	s := NewRedisStore(newFakeRedis(), "rl")

	_, ok, err := s.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected missing entry")
	}
}

func TestRedisStore_SetThenGet(t *testing.T) {
	rdb := newFakeRedis()
	s := NewRedisStore(rdb, "rl")
	reset := time.UnixMilli(1_700_000_060_123)

	if err := s.Set(context.Background(), "k", Entry{Count: 3, ResetTime: reset}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, ok := rdb.hashes["rl:k"]; !ok {
		t.Fatalf("expected key rl:k, got %v", rdb.hashes)
	}

	e, ok, err := s.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if e.Count != 3 || !e.ResetTime.Equal(reset) {
		t.Errorf("unexpected entry %+v", e)
	}
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	cases := map[string]map[string]string{
		"count": {"count": "x", "reset": "1700000000000"},
		"reset": {"count": "1", "reset": "soon"},
	}
	for name, hash := range cases {
		t.Run(name, func(t *testing.T) {
			rdb := newFakeRedis()
			rdb.hashes["fw:k"] = hash

			if _, _, err := NewRedisStore(rdb, "").Get(context.Background(), "k"); err == nil {
				t.Error("expected error for corrupt entry")
			}
		})
	}
}

func TestRedisStore_ErrorPropagates(t *testing.T) {
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	l := NewLimiter(NewRedisStore(rdb, ""))

	if _, err := l.Check(context.Background(), "k", Config{Window: time.Minute, Max: 1}); !errors.Is(err, rdb.getErr) {
		t.Errorf("expected wrapped redis error, got %v", err)
	}
}

func TestRedisStore_NeverSweeps(t *testing.T) {
	s := NewRedisStore(newFakeRedis(), "")
	if n, err := s.Len(context.Background()); err != nil || n != 0 {
		t.Errorf("expected zero length, got %d, %v", n, err)
	}
	if err := s.Sweep(context.Background(), time.Now()); err != nil {
		t.Errorf("Sweep failed: %v", err)
	}
}

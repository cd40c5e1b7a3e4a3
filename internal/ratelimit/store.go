package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Entry is the counter for one caller key in its current window.
type Entry struct {
	Count     int       `json:"count"`
	ResetTime time.Time `json:"reset_time"`
}

// Store holds limiter entries. Implementations need not be atomic across
// calls; the Limiter serialises access per key. Calls for different keys,
// and Sweep, may run concurrently.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	// Sweep removes every entry whose reset time is not after now.
	Sweep(ctx context.Context, now time.Time) error
	Len(ctx context.Context) (int, error)
}

// MemoryStore keeps entries in a process-local map.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if !now.Before(e.ResetTime) {
			delete(s.entries, k)
		}
	}
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries), nil
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSize = 10000

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is an in-process KV store. Cached values live in a bounded LRU with
// per-entry expiry; counters are kept apart so eviction never resets them.
type Store struct {
	entries *lru.Cache[string, entry]
	now     func() time.Time

	mu       sync.Mutex
	counters map[string]int64
	floats   map[string]float64
}

func New(size int) (*Store, error) {
	if size <= 0 {
		size = defaultSize
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Store{
		entries:  entries,
		now:      time.Now,
		counters: make(map[string]int64),
		floats:   make(map[string]float64),
	}, nil
}

// SetClock replaces the time source used for expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.entries.Remove(key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, e)
	return nil
}

// SetNX holds mu so two callers racing on the same key cannot both win.
func (s *Store) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries.Peek(key); ok && (e.expiresAt.IsZero() || s.now().Before(e.expiresAt)) {
		return false, nil
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries.Add(key, e)
	return true, nil
}

func (s *Store) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key], nil
}

func (s *Store) IncrByFloat(_ context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floats[key] += delta
	return s.floats[key], nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

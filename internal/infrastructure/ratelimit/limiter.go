package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// Limiter bounds provider calls to Calls per Window and at most MaxInFlight
// concurrent calls. One instance is shared by every caller in the process.
type Limiter struct {
	sem  *semaphore.Weighted
	rate *rate.Limiter

	active   atomic.Int32
	waiting  atomic.Int32
	total    atomic.Int64
	rejected atomic.Int64
}

type Config struct {
	Calls       int
	Window      time.Duration
	MaxInFlight int
}

func DefaultConfig() Config {
	return Config{Calls: 100, Window: time.Minute, MaxInFlight: 8}
}

// Snapshot exposes limiter counters for metrics and tests.
type Snapshot struct {
	Active   int32
	Waiting  int32
	Total    int64
	Rejected int64
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.Calls <= 0 {
		cfg.Calls = def.Calls
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	every := cfg.Window / time.Duration(cfg.Calls)
	return &Limiter{
		sem:  semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		rate: rate.NewLimiter(rate.Every(every), cfg.Calls),
	}
}

// Acquire blocks until a call slot is free and the window allows another call.
// The returned release must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	l.total.Add(1)
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.rejected.Add(1)
		return nil, rateLimitError("in-flight slot wait canceled", err)
	}
	if err := l.rate.Wait(ctx); err != nil {
		l.sem.Release(1)
		l.rejected.Add(1)
		return nil, rateLimitError("rate window wait canceled", err)
	}
	l.active.Add(1)

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		l.active.Add(-1)
		l.sem.Release(1)
	}, nil
}

func (l *Limiter) Snapshot() Snapshot {
	return Snapshot{
		Active:   l.active.Load(),
		Waiting:  l.waiting.Load(),
		Total:    l.total.Load(),
		Rejected: l.rejected.Load(),
	}
}

func rateLimitError(message string, err error) error {
	return fmt.Errorf("rate limiter: %s: %w: %w", message, domain.ErrEmbeddingUnavailable, err)
}

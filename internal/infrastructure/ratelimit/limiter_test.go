package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

func TestLimiterBoundsInFlightCalls(t *testing.T) {
	l := New(Config{Calls: 1000, Window: time.Second, MaxInFlight: 2})

	var mu sync.Mutex
	current, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent calls, got %d", peak)
	}
	if got := l.Snapshot().Total; got != 10 {
		t.Fatalf("expected 10 total acquisitions, got %d", got)
	}
}

func TestLimiterHonoursWindow(t *testing.T) {
	l := New(Config{Calls: 2, Window: time.Hour, MaxInFlight: 4})
	for i := 0; i < 2; i++ {
		release, err := l.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		release()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); err == nil {
		t.Fatal("expected third call in the window to be rejected")
	} else if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected embedding unavailable kind, got %v", err)
	}
	if got := l.Snapshot().Rejected; got != 1 {
		t.Fatalf("expected 1 rejected call, got %d", got)
	}
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	l := New(Config{Calls: 10, Window: time.Second, MaxInFlight: 1})
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	if got := l.Snapshot().Active; got != 0 {
		t.Fatalf("expected no active calls, got %d", got)
	}
	release, err = l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	release()
}

package stats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/cache/memory"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.New("down")
}
func (brokenStore) IncrBy(context.Context, string, int64) (int64, error) {
	return 0, errors.New("down")
}
func (brokenStore) IncrByFloat(context.Context, string, float64) (float64, error) {
	return 0, errors.New("down")
}
func (brokenStore) Ping(context.Context) error { return errors.New("down") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorderSnapshot(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	r := NewRecorder(store, quietLogger())
	ctx := context.Background()

	r.EmbeddingCacheMiss(ctx)
	r.EmbeddingGenerated(ctx)
	r.EmbeddingCacheHit(ctx)
	r.EmbeddingCacheHit(ctx)
	r.EmbeddingCacheHit(ctx)
	r.SearchCacheMiss(ctx)
	r.SearchCompleted(ctx, 30*time.Millisecond)
	r.SearchCacheHit(ctx)
	r.SearchCompleted(ctx, 10*time.Millisecond)
	r.PassagesIndexed(ctx, domain.WorkUnit{DocID: "doc-1", Generation: 1}, 4)
	r.PassagesIndexed(ctx, domain.WorkUnit{DocID: "doc-2", Generation: 1}, 0)
	r.StageFailed(ctx, domain.WorkUnit{DocID: "doc-3", Generation: 1}, domain.StageEmbedding)

	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalEmbeddings != 1 || snap.EmbeddingCacheHits != 3 || snap.EmbeddingCacheMisses != 1 {
		t.Fatalf("unexpected embedding counters: %+v", snap)
	}
	if snap.EmbeddingHitRate != 75 {
		t.Fatalf("expected 75%% hit rate, got %v", snap.EmbeddingHitRate)
	}
	if snap.TotalSearches != 2 || snap.SearchHitRate != 50 {
		t.Fatalf("unexpected search counters: %+v", snap)
	}
	if math.Abs(snap.AvgSearchLatencyMs-20) > 1e-9 {
		t.Fatalf("expected 20ms average latency, got %v", snap.AvgSearchLatencyMs)
	}
	if snap.TotalChunksIndexed != 4 || snap.TotalDocumentsIndexed != 1 {
		t.Fatalf("unexpected index counters: %+v", snap)
	}
	if snap.StageErrors["embedding"] != 1 || len(snap.StageErrors) != 1 {
		t.Fatalf("unexpected stage errors: %v", snap.StageErrors)
	}
}

func TestRecorderEmptySnapshot(t *testing.T) {
	store, _ := memory.New(16)
	snap, err := NewRecorder(store, quietLogger()).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.AvgSearchLatencyMs != 0 || snap.EmbeddingHitRate != 0 {
		t.Fatalf("expected zero rates on empty store: %+v", snap)
	}
}

func TestRecorderSwallowsStoreFailures(t *testing.T) {
	r := NewRecorder(brokenStore{}, quietLogger())
	ctx := context.Background()
	r.EmbeddingCacheHit(ctx)
	r.SearchCompleted(ctx, time.Millisecond)
	r.StageFailed(ctx, domain.WorkUnit{DocID: "doc-1", Generation: 1}, domain.StageIndexing)

	if _, err := r.Snapshot(ctx); !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error from snapshot, got %v", err)
	}
}

func TestRecorderCountsEachWorkUnitOnce(t *testing.T) {
	store, _ := memory.New(16)
	r := NewRecorder(store, quietLogger())
	ctx := context.Background()
	first := domain.WorkUnit{DocID: "doc-1", Generation: 1}

	r.PassagesIndexed(ctx, first, 2)
	r.PassagesIndexed(ctx, first, 2)
	r.PassagesIndexed(ctx, domain.WorkUnit{DocID: "doc-1", Generation: 2}, 3)
	r.StageFailed(ctx, first, domain.StageEmbedding)
	r.StageFailed(ctx, first, domain.StageEmbedding)
	r.StageFailed(ctx, first, domain.StageIndexing)

	snap, err := r.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.TotalChunksIndexed != 5 || snap.TotalDocumentsIndexed != 2 {
		t.Fatalf("redelivered unit counted twice: %+v", snap)
	}
	if snap.StageErrors["embedding"] != 1 || snap.StageErrors["indexing"] != 1 {
		t.Fatalf("unexpected stage errors: %v", snap.StageErrors)
	}
}

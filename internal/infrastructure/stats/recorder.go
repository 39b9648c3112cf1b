package stats

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

const (
	keyTotalEmbeddings       = "total_embeddings"
	keyEmbeddingCacheHits    = "embedding_cache_hits"
	keyEmbeddingCacheMisses  = "embedding_cache_misses"
	keyTotalSearches         = "total_searches"
	keySearchCacheHits       = "search_cache_hits"
	keySearchCacheMisses     = "search_cache_misses"
	keySearchLatencySum      = "search_latency_ms_sum"
	keyTotalChunksIndexed    = "total_chunks_indexed"
	keyTotalDocumentsIndexed = "total_documents_indexed"
	keyStageErrorPrefix      = "errors:"
	keyCountedPrefix         = "counted:"

	// countedTTL outlives the stream's message retention, so a redelivered
	// event always finds its marker.
	countedTTL = 48 * time.Hour
)

var stages = []domain.Stage{
	domain.StageIngest,
	domain.StageChunking,
	domain.StageEmbedding,
	domain.StageIndexing,
}

// Recorder keeps the running counters in the shared KV store.
// A failing store never fails the caller: errors are logged and dropped.
type Recorder struct {
	store  ports.KVStore
	logger *slog.Logger
}

func NewRecorder(store ports.KVStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) EmbeddingCacheHit(ctx context.Context) {
	r.incr(ctx, keyEmbeddingCacheHits, 1)
}

func (r *Recorder) EmbeddingCacheMiss(ctx context.Context) {
	r.incr(ctx, keyEmbeddingCacheMisses, 1)
}

func (r *Recorder) EmbeddingGenerated(ctx context.Context) {
	r.incr(ctx, keyTotalEmbeddings, 1)
}

func (r *Recorder) SearchCacheHit(ctx context.Context) {
	r.incr(ctx, keySearchCacheHits, 1)
}

func (r *Recorder) SearchCacheMiss(ctx context.Context) {
	r.incr(ctx, keySearchCacheMisses, 1)
}

// SearchCompleted counts one search and adds its latency to the running sum.
func (r *Recorder) SearchCompleted(ctx context.Context, latency time.Duration) {
	r.incr(ctx, keyTotalSearches, 1)
	ms := float64(latency.Microseconds()) / 1000
	if _, err := r.store.IncrByFloat(ctx, keySearchLatencySum, ms); err != nil {
		r.logger.Warn("stats_update_failed", "key", keySearchLatencySum, "error", err)
	}
}

// PassagesIndexed counts indexed passages and the document that carried them.
func (r *Recorder) PassagesIndexed(ctx context.Context, unit domain.WorkUnit, count int) {
	if count <= 0 || !r.firstTime(ctx, "indexed:"+unit.String()) {
		return
	}
	r.incr(ctx, keyTotalChunksIndexed, int64(count))
	r.incr(ctx, keyTotalDocumentsIndexed, 1)
}

func (r *Recorder) StageFailed(ctx context.Context, unit domain.WorkUnit, stage domain.Stage) {
	if !r.firstTime(ctx, "failed:"+string(stage)+":"+unit.String()) {
		return
	}
	r.incr(ctx, keyStageErrorPrefix+string(stage), 1)
}

// firstTime claims a marker for one counted event. When the store cannot
// answer, the event is counted: a rare double count beats a lost one.
func (r *Recorder) firstTime(ctx context.Context, marker string) bool {
	claimed, err := r.store.SetNX(ctx, keyCountedPrefix+marker, []byte("1"), countedTTL)
	if err != nil {
		r.logger.Warn("stats_marker_failed", "marker", marker, "error", err)
		return true
	}
	return claimed
}

func (r *Recorder) Snapshot(ctx context.Context) (domain.StatsSnapshot, error) {
	var (
		snap domain.StatsSnapshot
		err  error
	)
	read := func(key string) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = r.store.IncrBy(ctx, key, 0)
		return v
	}

	snap.TotalEmbeddings = read(keyTotalEmbeddings)
	snap.EmbeddingCacheHits = read(keyEmbeddingCacheHits)
	snap.EmbeddingCacheMisses = read(keyEmbeddingCacheMisses)
	snap.TotalSearches = read(keyTotalSearches)
	snap.SearchCacheHits = read(keySearchCacheHits)
	snap.SearchCacheMisses = read(keySearchCacheMisses)
	snap.TotalChunksIndexed = read(keyTotalChunksIndexed)
	snap.TotalDocumentsIndexed = read(keyTotalDocumentsIndexed)
	snap.StageErrors = make(map[string]int64, len(stages))
	for _, stage := range stages {
		if n := read(keyStageErrorPrefix + string(stage)); n > 0 {
			snap.StageErrors[string(stage)] = n
		}
	}
	if err != nil {
		return domain.StatsSnapshot{}, domain.WrapError(domain.ErrTemporary, "read stats", err)
	}

	latencySum, err := r.store.IncrByFloat(ctx, keySearchLatencySum, 0)
	if err != nil {
		return domain.StatsSnapshot{}, domain.WrapError(domain.ErrTemporary, "read stats", err)
	}

	snap.EmbeddingHitRate = percent(snap.EmbeddingCacheHits, snap.EmbeddingCacheHits+snap.EmbeddingCacheMisses)
	snap.SearchHitRate = percent(snap.SearchCacheHits, snap.SearchCacheHits+snap.SearchCacheMisses)
	if snap.TotalSearches > 0 {
		snap.AvgSearchLatencyMs = latencySum / float64(snap.TotalSearches)
	}
	return snap, nil
}

func (r *Recorder) incr(ctx context.Context, key string, delta int64) {
	if _, err := r.store.IncrBy(ctx, key, delta); err != nil {
		r.logger.Warn("stats_update_failed", "key", key, "error", err)
	}
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

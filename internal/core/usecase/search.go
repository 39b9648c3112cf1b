package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

const resultCachePrefix = "search_result:"

type RetrieverConfig struct {
	DefaultTopK int
	MaxTopK     int
	ResultTTL   time.Duration
}

type Retriever struct {
	embedder ports.Embedder
	index    ports.SimilarityIndex
	cache    ports.KVStore
	stats    ports.Statistics
	cfg      RetrieverConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewRetriever(
	embedder ports.Embedder,
	index ports.SimilarityIndex,
	cache ports.KVStore,
	stats ports.Statistics,
	cfg RetrieverConfig,
	logger *slog.Logger,
) *Retriever {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		cache:    cache,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Search answers a query, serving repeated (query, top_k, min_score) triples
// from the result cache. It fails only when the query cannot be embedded.
func (r *Retriever) Search(ctx context.Context, q domain.SearchQuery) (*domain.SearchResponse, error) {
	started := r.now()
	q.Text = strings.TrimSpace(q.Text)
	if q.TopK == 0 {
		q.TopK = r.cfg.DefaultTopK
	}
	if err := r.validate(q); err != nil {
		return nil, err
	}

	key := ResultCacheKey(q.Text, q.TopK, q.MinScore)
	if results, ok := r.cachedResults(ctx, key); ok {
		r.stats.SearchCacheHit(ctx)
		return r.respond(ctx, q, results, started, true), nil
	}
	r.stats.SearchCacheMiss(ctx)

	vector, err := r.embedder.Embed(ctx, q.Text, domain.KindQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.SearchByVector(ctx, vector, q.TopK, q.MinScore)
	if err != nil {
		r.logger.Error("index_search_failed", "error", err)
		results = []domain.SearchResult{}
	}
	if len(results) > 0 {
		r.storeResults(ctx, key, results)
	}
	return r.respond(ctx, q, results, started, false), nil
}

// SearchByVector over-fetches 2*topK candidates, drops those under minScore
// and returns at most topK ranked results.
func (r *Retriever) SearchByVector(ctx context.Context, vector domain.Embedding, topK int, minScore float64) ([]domain.SearchResult, error) {
	if topK < 1 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("top_k must be >= 1, got %d", topK))
	}
	candidates, err := r.index.Search(ctx, vector, 2*topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return RankResults(candidates, topK, minScore), nil
}

// RankResults applies the score threshold, orders by score descending with
// ties broken by (doc_id, chunk_index) ascending, and truncates to topK.
func RankResults(candidates []domain.Candidate, topK int, minScore float64) []domain.SearchResult {
	out := make([]domain.SearchResult, 0, min(len(candidates), max(topK, 0)))
	for _, c := range candidates {
		if c.Score < minScore {
			continue
		}
		out = append(out, domain.SearchResult{
			DocID:      c.DocID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Score:      c.Score,
			Metadata:   c.Metadata,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocID != out[j].DocID {
			return out[i].DocID < out[j].DocID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	if topK >= 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// ResultCacheKey addresses the result set of one (query, top_k, min_score) triple.
func ResultCacheKey(query string, topK int, minScore float64) string {
	h := sha256.New()
	h.Write([]byte(strconv.Quote(query)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(topK)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(minScore, 'g', -1, 64)))
	return resultCachePrefix + hex.EncodeToString(h.Sum(nil))
}

func (r *Retriever) validate(q domain.SearchQuery) error {
	switch {
	case q.Text == "":
		return domain.WrapError(domain.ErrInvalidInput, "search", errors.New("query is empty"))
	case q.TopK < 1 || q.TopK > r.cfg.MaxTopK:
		return domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("top_k must be in [1, %d], got %d", r.cfg.MaxTopK, q.TopK))
	case math.IsNaN(q.MinScore) || q.MinScore < 0 || q.MinScore > 1:
		return domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("min_score must be in [0, 1], got %v", q.MinScore))
	default:
		return nil
	}
}

func (r *Retriever) respond(
	ctx context.Context,
	q domain.SearchQuery,
	results []domain.SearchResult,
	started time.Time,
	cached bool,
) *domain.SearchResponse {
	if !q.IncludeMetadata {
		stripped := make([]domain.SearchResult, len(results))
		for i, res := range results {
			res.Metadata = nil
			stripped[i] = res
		}
		results = stripped
	}
	elapsed := r.now().Sub(started)
	r.stats.SearchCompleted(ctx, elapsed)
	return &domain.SearchResponse{
		Query:            q.Text,
		Results:          results,
		TotalResults:     len(results),
		ProcessingTimeMs: elapsed.Milliseconds(),
		Cached:           cached,
	}
}

func (r *Retriever) cachedResults(ctx context.Context, key string) ([]domain.SearchResult, bool) {
	raw, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("cache_read_failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var results []domain.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		r.logger.Warn("cache_entry_invalid", "key", key, "error", err)
		return nil, false
	}
	return results, true
}

func (r *Retriever) storeResults(ctx context.Context, key string, results []domain.SearchResult) {
	raw, err := json.Marshal(results)
	if err != nil {
		r.logger.Warn("cache_encode_failed", "key", key, "error", err)
		return
	}
	if err := r.cache.Set(ctx, key, raw, r.cfg.ResultTTL); err != nil {
		r.logger.Warn("cache_write_failed", "key", key, "error", err)
	}
}

package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

const cacheKeyPrefix = "embedding:"

type Config struct {
	Dimension     int
	MaxInputChars int
	CallTimeout   time.Duration
	PassageTTL    time.Duration
	QueryTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Dimension:     1536,
		MaxInputChars: 4000,
		CallTimeout:   30 * time.Second,
		PassageTTL:    24 * time.Hour,
		QueryTTL:      time.Hour,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Dimension <= 0 {
		c.Dimension = def.Dimension
	}
	if c.MaxInputChars <= 0 {
		c.MaxInputChars = def.MaxInputChars
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.PassageTTL <= 0 {
		c.PassageTTL = def.PassageTTL
	}
	if c.QueryTTL <= 0 {
		c.QueryTTL = def.QueryTTL
	}
	return c
}

// CachedEmbedder puts a content-addressed cache and the shared rate limiter
// in front of an embedding provider. Identical text maps to one cache key no
// matter which document or query it came from.
type CachedEmbedder struct {
	provider ports.EmbeddingProvider
	cache    ports.KVStore
	limiter  ports.RateLimiter
	stats    ports.Statistics
	cfg      Config
	logger   *slog.Logger
}

func NewCachedEmbedder(
	provider ports.EmbeddingProvider,
	cache ports.KVStore,
	limiter ports.RateLimiter,
	stats ports.Statistics,
	cfg Config,
	logger *slog.Logger,
) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		provider: provider,
		cache:    cache,
		limiter:  limiter,
		stats:    stats,
		cfg:      cfg.normalize(),
		logger:   logger,
	}
}

func (e *CachedEmbedder) Dimension() int {
	return e.cfg.Dimension
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string, kind domain.EmbeddingKind) (domain.Embedding, error) {
	key := CacheKey(text)

	if vector, ok := e.lookup(ctx, key); ok {
		e.stats.EmbeddingCacheHit(ctx)
		return vector, nil
	}
	e.stats.EmbeddingCacheMiss(ctx)

	vector, err := e.generate(ctx, text)
	if err != nil {
		return nil, err
	}

	e.store(ctx, key, vector, e.ttlFor(kind))
	e.stats.EmbeddingGenerated(ctx)
	return vector, nil
}

func (e *CachedEmbedder) generate(ctx context.Context, text string) (domain.Embedding, error) {
	release, err := e.limiter.Acquire(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "acquire provider slot", err)
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	vector, err := e.provider.Embed(callCtx, truncateRunes(text, e.cfg.MaxInputChars))
	if err != nil {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed text", err)
	}
	if len(vector) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed text", fmt.Errorf("provider returned an empty vector"))
	}
	if len(vector) != e.cfg.Dimension {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "embed text",
			fmt.Errorf("%w: got %d values, want %d", domain.ErrDimensionMismatch, len(vector), e.cfg.Dimension))
	}
	return vector, nil
}

func (e *CachedEmbedder) lookup(ctx context.Context, key string) (domain.Embedding, bool) {
	raw, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("cache_read_failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var vector domain.Embedding
	if err := json.Unmarshal(raw, &vector); err != nil || len(vector) != e.cfg.Dimension {
		e.logger.Warn("cache_entry_invalid", "key", key, "values", len(vector), "error", err)
		return nil, false
	}
	return vector, true
}

func (e *CachedEmbedder) store(ctx context.Context, key string, vector domain.Embedding, ttl time.Duration) {
	raw, err := json.Marshal(vector)
	if err != nil {
		e.logger.Warn("cache_encode_failed", "key", key, "error", err)
		return
	}
	if err := e.cache.Set(ctx, key, raw, ttl); err != nil {
		e.logger.Warn("cache_write_failed", "key", key, "error", err)
	}
}

func (e *CachedEmbedder) ttlFor(kind domain.EmbeddingKind) time.Duration {
	if kind == domain.KindQuery {
		return e.cfg.QueryTTL
	}
	return e.cfg.PassageTTL
}

// CacheKey is the content address of text in the embedding cache.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

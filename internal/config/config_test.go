package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CHUNK_SIZE", "CHUNK_OVERLAP", "MIN_CHUNK_SIZE", "EMBEDDING_RATE_LIMIT", "EMBEDDING_RATE_WINDOW", "SEARCH_RESULT_TTL", "CACHE_BACKEND", "PIPELINE_INLINE_PAYLOAD_BYTES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.ChunkSize != 1000 || cfg.ChunkOverlap != 100 || cfg.MinChunkSize != 50 {
		t.Fatalf("unexpected chunking defaults: %d/%d/%d", cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkSize)
	}
	if cfg.EmbeddingRateLimit != 100 || cfg.EmbeddingRateWindow != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %d per %s", cfg.EmbeddingRateLimit, cfg.EmbeddingRateWindow)
	}
	if cfg.InlinePayloadBytes != 512<<10 {
		t.Fatalf("unexpected inline payload limit: %d", cfg.InlinePayloadBytes)
	}
	if cfg.SearchResultTTL != 30*time.Minute {
		t.Fatalf("expected 30m result ttl, got %s", cfg.SearchResultTTL)
	}
	if cfg.CacheBackend != "redis" {
		t.Fatalf("expected redis cache backend, got %q", cfg.CacheBackend)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("CHUNK_SIZE", "400")
	t.Setenv("SEARCH_DEFAULT_MIN_SCORE", "0.35")
	t.Setenv("EMBEDDING_TIMEOUT", "45")
	t.Setenv("QUERY_EMBEDDING_TTL", "90m")
	t.Setenv("VECTOR_BACKEND", "Memory")

	cfg := Load()
	if cfg.ChunkSize != 400 {
		t.Fatalf("expected chunk size 400, got %d", cfg.ChunkSize)
	}
	if cfg.SearchDefaultMinScore != 0.35 {
		t.Fatalf("expected min score 0.35, got %v", cfg.SearchDefaultMinScore)
	}
	if cfg.EmbeddingTimeout != 45*time.Second {
		t.Fatalf("bare seconds not parsed: %s", cfg.EmbeddingTimeout)
	}
	if cfg.QueryEmbeddingTTL != 90*time.Minute {
		t.Fatalf("duration not parsed: %s", cfg.QueryEmbeddingTTL)
	}
	if cfg.VectorBackend != "memory" {
		t.Fatalf("backend not normalized: %q", cfg.VectorBackend)
	}
}

func TestLoadFallsBackOnGarbage(t *testing.T) {
	t.Setenv("EMBED_CONCURRENCY", "many")
	t.Setenv("STAGE_TIMEOUT", "soon")

	cfg := Load()
	if cfg.EmbedConcurrency != 4 || cfg.StageTimeout != 5*time.Minute {
		t.Fatalf("expected fallbacks, got %d and %s", cfg.EmbedConcurrency, cfg.StageTimeout)
	}
}

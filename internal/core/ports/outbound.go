package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	// Register creates the document or starts a new generation of an existing one.
	Register(ctx context.Context, doc *domain.Document) (*domain.Document, error)
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error
	UpdateProgress(ctx context.Context, id string, progress domain.DocumentProgress) error
}

// ObjectStorage stores source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// TextExtractor reads plain text for a stored document.
type TextExtractor interface {
	Extract(ctx context.Context, doc *domain.Document) (string, error)
}

// Chunker splits text into passages.
type Chunker interface {
	Split(text string) []string
}

// EmbeddingProvider is the external model that turns text into a vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) (domain.Embedding, error)
}

// Embedder is the cached, rate-limited generator in front of the provider.
type Embedder interface {
	Embed(ctx context.Context, text string, kind domain.EmbeddingKind) (domain.Embedding, error)
	Dimension() int
}

// RateLimiter grants slots for provider calls. Release must be called once.
type RateLimiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// KVStore backs the embedding cache, result cache and running statistics.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Ping(ctx context.Context) error
}

// SimilarityIndex stores passage vectors and answers k-NN queries.
// Upsert is idempotent by (doc_id, chunk_index).
type SimilarityIndex interface {
	Upsert(ctx context.Context, passages []domain.IndexedPassage) error
	Search(ctx context.Context, vector domain.Embedding, k int) ([]domain.Candidate, error)
	DeleteDocument(ctx context.Context, docID string) error
	// DeleteOlderGenerations drops the document's points written by
	// generations before keep.
	DeleteOlderGenerations(ctx context.Context, docID string, keep int) error
	Info(ctx context.Context) (domain.IndexInfo, error)
}

// EventPublisher emits pipeline events to a named subject.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// EventSubscriber consumes a subject until ctx is done.
type EventSubscriber interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte) error) error
}

// Statistics records the running counters exposed on /v1/stats.
type Statistics interface {
	EmbeddingCacheHit(ctx context.Context)
	EmbeddingCacheMiss(ctx context.Context)
	EmbeddingGenerated(ctx context.Context)
	SearchCacheHit(ctx context.Context)
	SearchCacheMiss(ctx context.Context)
	SearchCompleted(ctx context.Context, latency time.Duration)
	// PassagesIndexed and StageFailed count a work unit once, however often
	// its event is redelivered.
	PassagesIndexed(ctx context.Context, unit domain.WorkUnit, count int)
	StageFailed(ctx context.Context, unit domain.WorkUnit, stage domain.Stage)
	Snapshot(ctx context.Context) (domain.StatsSnapshot, error)
}

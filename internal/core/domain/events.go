package domain

import (
	"context"
	"fmt"
	"time"
)

type Stage string

const (
	StageIngest    Stage = "ingest"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
)

// DocumentIngested is emitted once the source text is archived.
type DocumentIngested struct {
	DocID       string    `json:"doc_id"`
	Generation  int       `json:"generation"`
	Filename    string    `json:"filename"`
	StoragePath string    `json:"storage_path"`
	Metadata    Metadata  `json:"metadata"`
	EmittedAt   time.Time `json:"emitted_at"`
}

// TextChunked carries the passages inline, or names the stored payload
// holding them when they do not fit in one bus message.
type TextChunked struct {
	DocID      string    `json:"doc_id"`
	Generation int       `json:"generation"`
	Chunks     []string  `json:"chunks,omitempty"`
	PayloadRef string    `json:"payload_ref,omitempty"`
	Metadata   Metadata  `json:"metadata"`
	EmittedAt  time.Time `json:"emitted_at"`
}

type EmbeddingsGenerated struct {
	DocID        string            `json:"doc_id"`
	Generation   int               `json:"generation"`
	Embeddings   []EmbeddedPassage `json:"embeddings,omitempty"`
	PayloadRef   string            `json:"payload_ref,omitempty"`
	TotalChunks  int               `json:"total_chunks"`
	Failed       int               `json:"failed"`
	SuccessRatio float64           `json:"success_ratio"`
	Dimension    int               `json:"embedding_dimension"`
	Metadata     Metadata          `json:"metadata"`
	EmittedAt    time.Time         `json:"emitted_at"`
}

type IndexReady struct {
	DocID        string    `json:"doc_id"`
	Generation   int       `json:"generation"`
	IndexedCount int       `json:"indexed_count"`
	Skipped      int       `json:"skipped"`
	EmittedAt    time.Time `json:"emitted_at"`
}

// ProcessingError is the single failure event a stage emits for a unit of work.
type ProcessingError struct {
	DocID      string    `json:"doc_id"`
	Generation int       `json:"generation"`
	Stage      Stage     `json:"stage"`
	Error      string    `json:"error"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// WorkUnit is one generation of one document moving through the pipeline.
type WorkUnit struct {
	DocID      string
	Generation int
}

func (u WorkUnit) String() string {
	return fmt.Sprintf("%s@%d", u.DocID, u.Generation)
}

type finalAttemptKey struct{}

// WithFinalAttempt marks ctx as carrying the last delivery of a message.
func WithFinalAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, finalAttemptKey{}, true)
}

// IsFinalAttempt reports whether a failed handler will not see the message again.
func IsFinalAttempt(ctx context.Context) bool {
	final, _ := ctx.Value(finalAttemptKey{}).(bool)
	return final
}

// Subjects names the event channels of one pipeline deployment.
type Subjects struct {
	Ingested   string
	Chunked    string
	Embedded   string
	IndexReady string
	Errors     string
}

func NewSubjects(prefix string) Subjects {
	if prefix == "" {
		prefix = "rag"
	}
	return Subjects{
		Ingested:   prefix + ".documents.ingested",
		Chunked:    prefix + ".text.chunked",
		Embedded:   prefix + ".embeddings.generated",
		IndexReady: prefix + ".index.ready",
		Errors:     prefix + ".processing.errors",
	}
}

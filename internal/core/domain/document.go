package domain

import "time"

type DocumentStatus string

const (
	StatusUploaded DocumentStatus = "uploaded"
	StatusChunked  DocumentStatus = "chunked"
	StatusEmbedded DocumentStatus = "embedded"
	StatusReady    DocumentStatus = "ready"
	StatusFailed   DocumentStatus = "failed"
)

// Document is one ingested source. Re-ingesting the same ID bumps Generation.
type Document struct {
	ID            string         `json:"id"`
	Generation    int            `json:"generation"`
	Filename      string         `json:"filename"`
	StoragePath   string         `json:"storage_path"`
	Status        DocumentStatus `json:"status"`
	ChunkCount    int            `json:"chunk_count"`
	EmbeddedCount int            `json:"embedded_count"`
	FailedCount   int            `json:"failed_count"`
	IndexedCount  int            `json:"indexed_count"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DocumentProgress carries the counters a pipeline stage reports for a document.
type DocumentProgress struct {
	ChunkCount    *int
	EmbeddedCount *int
	FailedCount   *int
	IndexedCount  *int
}

// Passage is one chunk of a document's text, the unit of embedding and retrieval.
type Passage struct {
	DocID      string `json:"doc_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
}

// Embedding is a fixed-dimension vector.
type Embedding []float32

type EmbeddedPassage struct {
	Passage
	Vector Embedding `json:"embedding"`
}

// NewPassages numbers chunks contiguously from zero.
func NewPassages(docID string, chunks []string) []Passage {
	out := make([]Passage, 0, len(chunks))
	for i, text := range chunks {
		out = append(out, Passage{DocID: docID, ChunkIndex: i, Text: text})
	}
	return out
}

// EmbeddingKind selects the cache lifetime of a generated vector.
type EmbeddingKind string

const (
	KindPassage EmbeddingKind = "passage"
	KindQuery   EmbeddingKind = "query"
)

type IngestRequest struct {
	DocID    string
	Filename string
	Text     string
	Metadata Metadata
}

package ports

import (
	"context"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document intake.
type DocumentIngestor interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentRemover drops a document's passages from the index.
type DocumentRemover interface {
	Remove(ctx context.Context, docID string) error
}

// PassageSearcher answers a query with ranked passages.
type PassageSearcher interface {
	Search(ctx context.Context, query domain.SearchQuery) (*domain.SearchResponse, error)
}

type StatsReader interface {
	Snapshot(ctx context.Context) (domain.StatsSnapshot, error)
}

type IndexInspector interface {
	Info(ctx context.Context) (domain.IndexInfo, error)
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

// IndexOutcome reports how many passages reached the index.
type IndexOutcome struct {
	Indexed int
	Skipped int
}

// IndexWriter makes embedded passages durable and searchable.
type IndexWriter struct {
	index     ports.SimilarityIndex
	stats     ports.Statistics
	dimension int
	logger    *slog.Logger
}

func NewIndexWriter(index ports.SimilarityIndex, stats ports.Statistics, dimension int, logger *slog.Logger) *IndexWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexWriter{index: index, stats: stats, dimension: dimension, logger: logger}
}

func (w *IndexWriter) Index(
	ctx context.Context,
	docID string,
	generation int,
	embedded []domain.EmbeddedPassage,
	metadata domain.Metadata,
) (IndexOutcome, error) {
	var outcome IndexOutcome
	batch := make([]domain.IndexedPassage, 0, len(embedded))
	for _, p := range embedded {
		if reason := w.reject(docID, p); reason != "" {
			outcome.Skipped++
			w.logger.Warn("passage_skipped", "doc_id", docID, "chunk_index", p.ChunkIndex, "reason", reason)
			continue
		}
		batch = append(batch, domain.IndexedPassage{
			EmbeddedPassage: p,
			Generation:      generation,
			Metadata:        metadata,
		})
	}
	if len(batch) == 0 {
		return outcome, domain.WrapError(domain.ErrInvalidInput, "index passages", errors.New("no indexable passages"))
	}

	if err := w.index.Upsert(ctx, batch); err != nil {
		return outcome, fmt.Errorf("upsert passages: %w", err)
	}
	outcome.Indexed = len(batch)
	w.stats.PassagesIndexed(ctx, domain.WorkUnit{DocID: docID, Generation: generation}, outcome.Indexed)

	// A shorter re-ingest leaves the previous generation's tail passages behind.
	if generation > 1 {
		if err := w.index.DeleteOlderGenerations(ctx, docID, generation); err != nil {
			w.logger.Warn("stale_passages_not_pruned", "doc_id", docID, "generation", generation, "error", err)
		}
	}
	return outcome, nil
}

func (w *IndexWriter) reject(docID string, p domain.EmbeddedPassage) string {
	switch {
	case p.DocID != docID:
		return "foreign document"
	case strings.TrimSpace(p.Text) == "":
		return "empty text"
	case w.dimension > 0 && len(p.Vector) != w.dimension:
		return fmt.Sprintf("dimension %d", len(p.Vector))
	default:
		return ""
	}
}

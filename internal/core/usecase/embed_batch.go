package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

// BatchResult holds the successful embeddings of a batch in input order.
type BatchResult struct {
	Embedded []domain.EmbeddedPassage
	Total    int
	Failed   int
}

func (r BatchResult) SuccessRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Embedded)) / float64(r.Total)
}

type BatchEmbedder struct {
	embedder    ports.Embedder
	concurrency int
	logger      *slog.Logger
}

func NewBatchEmbedder(embedder ports.Embedder, concurrency int, logger *slog.Logger) *BatchEmbedder {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchEmbedder{embedder: embedder, concurrency: concurrency, logger: logger}
}

// EmbedBatch embeds every passage, dropping the ones that fail. A failure or
// timeout of one passage never cancels its siblings. Zero successes is a
// hard failure.
func (b *BatchEmbedder) EmbedBatch(ctx context.Context, passages []domain.Passage) (BatchResult, error) {
	if len(passages) == 0 {
		return BatchResult{}, domain.WrapError(domain.ErrInvalidInput, "embed batch", errors.New("no passages"))
	}

	vectors := make([]domain.Embedding, len(passages))
	failures := make([]error, len(passages))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, p := range passages {
		g.Go(func() error {
			vector, err := b.embedder.Embed(ctx, p.Text, domain.KindPassage)
			if err != nil {
				failures[i] = err
				return nil
			}
			vectors[i] = vector
			return nil
		})
	}
	_ = g.Wait()

	result := BatchResult{
		Embedded: make([]domain.EmbeddedPassage, 0, len(passages)),
		Total:    len(passages),
	}
	var firstErr error
	for i, p := range passages {
		if err := failures[i]; err != nil {
			result.Failed++
			if firstErr == nil {
				firstErr = err
			}
			b.logger.Warn("embedding_failed",
				"doc_id", p.DocID,
				"chunk_index", p.ChunkIndex,
				"batch_index", i,
				"error", err,
			)
			continue
		}
		result.Embedded = append(result.Embedded, domain.EmbeddedPassage{Passage: p, Vector: vectors[i]})
	}

	if len(result.Embedded) == 0 {
		return result, fmt.Errorf("embed batch: all %d passages failed: %w: %w", result.Total, domain.ErrBatchFailed, firstErr)
	}
	return result, nil
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

func TestEmbedBatchKeepsOrderOverSuccesses(t *testing.T) {
	embedder := &embedderFake{
		fallback: domain.Embedding{1, 0},
		fail:     map[string]error{"c1": domain.ErrEmbeddingUnavailable, "c3": context.DeadlineExceeded},
	}
	chunks := make([]string, 6)
	for i := range chunks {
		chunks[i] = fmt.Sprintf("c%d", i)
	}
	batch := NewBatchEmbedder(embedder, 3, quietLogger())

	result, err := batch.EmbedBatch(context.Background(), domain.NewPassages("doc-1", chunks))
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if result.Total != 6 || result.Failed != 2 || len(result.Embedded) != 4 {
		t.Fatalf("unexpected result: total=%d failed=%d embedded=%d", result.Total, result.Failed, len(result.Embedded))
	}
	wantIdx := []int{0, 2, 4, 5}
	for i, p := range result.Embedded {
		if p.ChunkIndex != wantIdx[i] || p.DocID != "doc-1" {
			t.Fatalf("position %d holds chunk %d, want %d", i, p.ChunkIndex, wantIdx[i])
		}
	}
	if ratio := result.SuccessRatio(); ratio < 0.66 || ratio > 0.67 {
		t.Fatalf("unexpected success ratio %v", ratio)
	}
}

func TestEmbedBatchTotalFailure(t *testing.T) {
	embedder := &embedderFake{}
	batch := NewBatchEmbedder(embedder, 2, quietLogger())

	result, err := batch.EmbedBatch(context.Background(), domain.NewPassages("doc-1", []string{"a", "b"}))
	if !errors.Is(err, domain.ErrBatchFailed) {
		t.Fatalf("expected batch failure, got %v", err)
	}
	if result.Failed != 2 || embedder.calls != 2 {
		t.Fatalf("every passage must be attempted: failed=%d calls=%d", result.Failed, embedder.calls)
	}
}

func TestEmbedBatchRejectsEmptyInput(t *testing.T) {
	_, err := NewBatchEmbedder(&embedderFake{}, 1, quietLogger()).EmbedBatch(context.Background(), nil)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

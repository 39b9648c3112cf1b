package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

// DocumentAdmin reads document state and removes indexed passages.
type DocumentAdmin struct {
	repo  ports.DocumentRepository
	index ports.SimilarityIndex
}

func NewDocumentAdmin(repo ports.DocumentRepository, index ports.SimilarityIndex) *DocumentAdmin {
	return &DocumentAdmin{repo: repo, index: index}
}

func (a *DocumentAdmin) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch document by id: %w", err)
	}
	return doc, nil
}

// Remove drops every passage of the document from the index. The document
// row is kept so its history stays readable.
func (a *DocumentAdmin) Remove(ctx context.Context, docID string) error {
	if _, err := a.repo.GetByID(ctx, docID); err != nil {
		return fmt.Errorf("fetch document by id: %w", err)
	}
	if err := a.index.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("delete indexed passages: %w", err)
	}
	zero := 0
	if err := a.repo.UpdateProgress(ctx, docID, domain.DocumentProgress{IndexedCount: &zero}); err != nil {
		return fmt.Errorf("reset indexed count: %w", err)
	}
	return nil
}

func (a *DocumentAdmin) Info(ctx context.Context) (domain.IndexInfo, error) {
	info, err := a.index.Info(ctx)
	if err != nil {
		return domain.IndexInfo{}, fmt.Errorf("read index info: %w", err)
	}
	return info, nil
}

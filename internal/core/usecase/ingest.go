package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

type IngestUseCase struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	publisher ports.EventPublisher
	subjects  domain.Subjects
	now       func() time.Time
}

func NewIngestUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	publisher ports.EventPublisher,
	subjects domain.Subjects,
) *IngestUseCase {
	return &IngestUseCase{
		repo:      repo,
		storage:   storage,
		publisher: publisher,
		subjects:  subjects,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest archives the text, registers a new generation of the document and
// hands it to the chunking stage.
func (uc *IngestUseCase) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.Document, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest document", errors.New("text is empty"))
	}
	if !utf8.ValidString(req.Text) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest document", errors.New("text is not valid utf-8"))
	}

	id := strings.TrimSpace(req.DocID)
	if id == "" {
		id = uuid.NewString()
	}
	filename := req.Filename
	if strings.TrimSpace(filename) == "" {
		filename = id + ".txt"
	}
	now := uc.now()
	storageKey := fmt.Sprintf("%s_%d_%s", sanitizeFilename(id), now.UnixNano(), sanitizeFilename(filename))

	if err := uc.storage.Save(ctx, storageKey, strings.NewReader(req.Text)); err != nil {
		return nil, fmt.Errorf("save to object storage: %w", err)
	}

	doc, err := uc.repo.Register(ctx, &domain.Document{
		ID:          id,
		Filename:    filename,
		StoragePath: storageKey,
		Status:      domain.StatusUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}

	event := domain.DocumentIngested{
		DocID:       doc.ID,
		Generation:  doc.Generation,
		Filename:    doc.Filename,
		StoragePath: doc.StoragePath,
		Metadata:    req.Metadata,
		EmittedAt:   now,
	}
	if err := uc.publisher.Publish(ctx, uc.subjects.Ingested, event); err != nil {
		if markErr := uc.repo.UpdateStatus(ctx, doc.ID, domain.StatusFailed, err.Error()); markErr != nil {
			return nil, fmt.Errorf("publish ingestion event: %w; mark failed status: %v", err, markErr)
		}
		return nil, fmt.Errorf("publish ingestion event: %w", err)
	}
	return doc, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.txt"
	}
	return base
}

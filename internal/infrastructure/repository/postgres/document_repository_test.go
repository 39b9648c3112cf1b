package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	repo := NewDocumentRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock, func() { _ = db.Close() }
}

func TestRegisterReturnsStoredGeneration(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	created := fixedNow.Add(-time.Hour)
	mock.ExpectQuery("INSERT INTO documents").
		WithArgs("doc-1", "a.txt", "doc-1_1_a.txt", string(domain.StatusUploaded), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"generation", "created_at", "updated_at"}).AddRow(2, created, fixedNow))

	doc, err := repo.Register(context.Background(), &domain.Document{
		ID:          "doc-1",
		Filename:    "a.txt",
		StoragePath: "doc-1_1_a.txt",
		Status:      domain.StatusUploaded,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if doc.Generation != 2 || !doc.CreatedAt.Equal(created) || doc.Status != domain.StatusUploaded {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, generation, filename, storage_path").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDScansCounters(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	columns := []string{
		"id", "generation", "filename", "storage_path", "status",
		"chunk_count", "embedded_count", "failed_count", "indexed_count",
		"error_message", "created_at", "updated_at",
	}
	mock.ExpectQuery("SELECT id, generation").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("doc-1", 3, "a.txt", "k", "ready", 4, 4, 0, 4, "", fixedNow, fixedNow))

	doc, err := repo.GetByID(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Generation != 3 || doc.Status != domain.StatusReady || doc.ChunkCount != 4 || doc.IndexedCount != 4 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestUpdateStatusReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	mock.ExpectExec("UPDATE documents").
		WithArgs("missing", string(domain.StatusFailed), "boom", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "missing", domain.StatusFailed, "boom")
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateProgressPassesOnlyPresentCounters(t *testing.T) {
	repo, mock, done := newRepoWithMock(t)
	defer done()

	chunks := 7
	mock.ExpectExec("UPDATE documents").
		WithArgs("doc-1",
			int64(7), nil, nil, nil,
			fixedNow,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateProgress(context.Background(), "doc-1", domain.DocumentProgress{ChunkCount: &chunks}); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

type DocumentRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *DocumentRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *DocumentRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	generation INTEGER NOT NULL DEFAULT 1,
	filename TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	status TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	embedded_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	indexed_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Register inserts the document or starts a new generation of an existing
// one, resetting its pipeline counters.
func (r *DocumentRepository) Register(ctx context.Context, doc *domain.Document) (*domain.Document, error) {
	now := r.now()
	row := r.db.QueryRowContext(ctx, `
INSERT INTO documents (id, generation, filename, storage_path, status, created_at, updated_at)
VALUES ($1, 1, $2, $3, $4, $5, $5)
ON CONFLICT (id) DO UPDATE SET
	generation = documents.generation + 1,
	filename = EXCLUDED.filename,
	storage_path = EXCLUDED.storage_path,
	status = EXCLUDED.status,
	chunk_count = 0,
	embedded_count = 0,
	failed_count = 0,
	indexed_count = 0,
	error_message = '',
	updated_at = EXCLUDED.updated_at
RETURNING generation, created_at, updated_at
`, doc.ID, doc.Filename, doc.StoragePath, string(doc.Status), now)

	stored := domain.Document{
		ID:          doc.ID,
		Filename:    doc.Filename,
		StoragePath: doc.StoragePath,
		Status:      doc.Status,
	}
	if err := row.Scan(&stored.Generation, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}
	return &stored, nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, generation, filename, storage_path, status, chunk_count, embedded_count, failed_count, indexed_count, error_message, created_at, updated_at
FROM documents
WHERE id = $1
`, id)

	var doc domain.Document
	var status string

	err := row.Scan(
		&doc.ID, &doc.Generation, &doc.Filename, &doc.StoragePath, &status,
		&doc.ChunkCount, &doc.EmbeddedCount, &doc.FailedCount, &doc.IndexedCount,
		&doc.Error, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}

func (r *DocumentRepository) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET status = $2, error_message = $3, updated_at = $4
WHERE id = $1
`, id, string(status), errMessage, r.now())
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return requireRow(res, "update document status", id)
}

// UpdateProgress overwrites only the counters present in p.
func (r *DocumentRepository) UpdateProgress(ctx context.Context, id string, p domain.DocumentProgress) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET chunk_count = COALESCE($2, chunk_count),
	embedded_count = COALESCE($3, embedded_count),
	failed_count = COALESCE($4, failed_count),
	indexed_count = COALESCE($5, indexed_count),
	updated_at = $6
WHERE id = $1
`, id, nullableInt(p.ChunkCount), nullableInt(p.EmbeddedCount), nullableInt(p.FailedCount), nullableInt(p.IndexedCount), r.now())
	if err != nil {
		return fmt.Errorf("update document progress: %w", err)
	}
	return requireRow(res, "update document progress", id)
}

func requireRow(res sql.Result, op, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
	}
	return nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

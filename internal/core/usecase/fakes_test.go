package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/cache/memory"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/stats"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStats(t *testing.T) (*stats.Recorder, *memory.Store) {
	t.Helper()
	store, err := memory.New(256)
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	return stats.NewRecorder(store, quietLogger()), store
}

type statusCall struct {
	id     string
	status domain.DocumentStatus
	errMsg string
}

type repoFake struct {
	mu          sync.Mutex
	docs        map[string]*domain.Document
	registerErr error
	statusCalls []statusCall
	progress    map[string]domain.Document
}

func newRepoFake() *repoFake {
	return &repoFake{docs: map[string]*domain.Document{}, progress: map[string]domain.Document{}}
}

func (f *repoFake) Register(_ context.Context, doc *domain.Document) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	stored := *doc
	stored.Generation = 1
	if prev, ok := f.docs[doc.ID]; ok {
		stored.Generation = prev.Generation + 1
		stored.CreatedAt = prev.CreatedAt
	}
	f.docs[doc.ID] = &stored
	out := stored
	return &out, nil
}

func (f *repoFake) GetByID(_ context.Context, id string) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}
	out := *doc
	return &out, nil
}

func (f *repoFake) UpdateStatus(_ context.Context, id string, status domain.DocumentStatus, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, statusCall{id: id, status: status, errMsg: errMessage})
	if doc, ok := f.docs[id]; ok {
		doc.Status = status
		doc.Error = errMessage
	}
	return nil
}

func (f *repoFake) UpdateProgress(_ context.Context, id string, p domain.DocumentProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.progress[id]
	if p.ChunkCount != nil {
		cur.ChunkCount = *p.ChunkCount
	}
	if p.EmbeddedCount != nil {
		cur.EmbeddedCount = *p.EmbeddedCount
	}
	if p.FailedCount != nil {
		cur.FailedCount = *p.FailedCount
	}
	if p.IndexedCount != nil {
		cur.IndexedCount = *p.IndexedCount
	}
	f.progress[id] = cur
	return nil
}

func (f *repoFake) lastStatus(id string) (statusCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.statusCalls) - 1; i >= 0; i-- {
		if f.statusCalls[i].id == id {
			return f.statusCalls[i], true
		}
	}
	return statusCall{}, false
}

type storageFake struct {
	mu    sync.Mutex
	files map[string]string
	err   error
}

func newStorageFake() *storageFake {
	return &storageFake{files: map[string]string{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.files[key] = string(raw)
	f.mu.Unlock()
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.files[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "open", errors.New(key))
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// storageExtractor reads archived text back, standing in for the plaintext extractor.
type storageExtractor struct {
	storage *storageFake
}

func (e storageExtractor) Extract(ctx context.Context, doc *domain.Document) (string, error) {
	rc, err := e.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	return string(raw), err
}

type published struct {
	subject string
	event   any
}

type publisherFake struct {
	mu     sync.Mutex
	events []published
	err    error
	failOn map[string]error
}

func (f *publisherFake) Publish(_ context.Context, subject string, event any) error {
	if f.err != nil {
		return f.err
	}
	if err := f.failOn[subject]; err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, published{subject: subject, event: event})
	f.mu.Unlock()
	return nil
}

func (f *publisherFake) on(subject string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.events {
		if e.subject == subject {
			out = append(out, e.event)
		}
	}
	return out
}

type embedderFake struct {
	mu        sync.Mutex
	calls     int
	dimension int
	vectors   map[string]domain.Embedding
	fail      map[string]error
	fallback  domain.Embedding
}

func (f *embedderFake) Embed(_ context.Context, text string, _ domain.EmbeddingKind) (domain.Embedding, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.fail[text]; ok {
		return nil, err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	if f.fallback != nil {
		return f.fallback, nil
	}
	return nil, domain.ErrEmbeddingUnavailable
}

func (f *embedderFake) Dimension() int { return f.dimension }

type indexFake struct {
	mu         sync.Mutex
	candidates []domain.Candidate
	searchErr  error
	upsertErr  error
	upserted   []domain.IndexedPassage
	lastK      int
	deleted    []string
	pruned     []domain.WorkUnit
}

func (f *indexFake) Upsert(_ context.Context, passages []domain.IndexedPassage) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	f.upserted = append(f.upserted, passages...)
	f.mu.Unlock()
	return nil
}

func (f *indexFake) Search(_ context.Context, _ domain.Embedding, k int) ([]domain.Candidate, error) {
	f.mu.Lock()
	f.lastK = k
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := f.candidates
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *indexFake) DeleteDocument(_ context.Context, docID string) error {
	f.deleted = append(f.deleted, docID)
	return nil
}

func (f *indexFake) DeleteOlderGenerations(_ context.Context, docID string, keep int) error {
	f.mu.Lock()
	f.pruned = append(f.pruned, domain.WorkUnit{DocID: docID, Generation: keep})
	f.mu.Unlock()
	return nil
}

func (f *indexFake) Info(context.Context) (domain.IndexInfo, error) {
	return domain.IndexInfo{Collection: "fake", Points: uint64(len(f.upserted))}, nil
}

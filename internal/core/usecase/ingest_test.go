package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
)

func TestIngestArchivesRegistersAndPublishes(t *testing.T) {
	repo := newRepoFake()
	storage := newStorageFake()
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("test")
	uc := NewIngestUseCase(repo, storage, publisher, subjects)

	doc, err := uc.Ingest(context.Background(), domain.IngestRequest{
		DocID:    "doc-1",
		Filename: "my notes.txt",
		Text:     "Some text to index.",
		Metadata: domain.Metadata{{Key: "author", Value: []byte(`"kim"`)}},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if doc.ID != "doc-1" || doc.Generation != 1 || doc.Status != domain.StatusUploaded {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if !strings.HasSuffix(doc.StoragePath, "_my_notes.txt") {
		t.Fatalf("unexpected storage key: %s", doc.StoragePath)
	}
	if storage.files[doc.StoragePath] != "Some text to index." {
		t.Fatalf("text not archived under %s", doc.StoragePath)
	}

	events := publisher.on(subjects.Ingested)
	if len(events) != 1 {
		t.Fatalf("expected one ingested event, got %d", len(events))
	}
	event := events[0].(domain.DocumentIngested)
	if event.DocID != "doc-1" || event.StoragePath != doc.StoragePath || len(event.Metadata) != 1 {
		t.Fatalf("unexpected event: %+v", event)
	}

	again, err := uc.Ingest(context.Background(), domain.IngestRequest{DocID: "doc-1", Text: "New version."})
	if err != nil {
		t.Fatalf("re-ingest error = %v", err)
	}
	if again.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", again.Generation)
	}
}

func TestIngestAssignsIDAndRejectsBadText(t *testing.T) {
	uc := NewIngestUseCase(newRepoFake(), newStorageFake(), &publisherFake{}, domain.NewSubjects(""))

	doc, err := uc.Ingest(context.Background(), domain.IngestRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if doc.ID == "" || doc.Filename != doc.ID+".txt" {
		t.Fatalf("expected generated id and filename, got %+v", doc)
	}

	for _, text := range []string{"", "   \n", string([]byte{0xff, 0xfe})} {
		if _, err := uc.Ingest(context.Background(), domain.IngestRequest{Text: text}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("text %q: expected invalid input, got %v", text, err)
		}
	}
}

func TestIngestMarksFailedWhenPublishFails(t *testing.T) {
	repo := newRepoFake()
	uc := NewIngestUseCase(repo, newStorageFake(), &publisherFake{err: domain.ErrTemporary}, domain.NewSubjects("t"))

	_, err := uc.Ingest(context.Background(), domain.IngestRequest{DocID: "doc-1", Text: "hello"})
	if !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if last, ok := repo.lastStatus("doc-1"); !ok || last.status != domain.StatusFailed {
		t.Fatalf("expected failed status, got %+v", last)
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd": "passwd",
		"отчёт 2024.txt":   "______2024.txt",
		"":                 "document.txt",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

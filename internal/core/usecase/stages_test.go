package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/chunking"
)

func TestChunkStageEmitsChunks(t *testing.T) {
	repo := newRepoFake()
	storage := newStorageFake()
	storage.files["doc-1.txt"] = "First sentence here. Second sentence here."
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("t")
	stage := NewChunkStage(storageExtractor{storage}, chunking.NewSplitter(25, 0, 5), repo, publisher, subjects, quietLogger())

	err := stage.Handle(context.Background(), domain.DocumentIngested{DocID: "doc-1", Generation: 2, StoragePath: "doc-1.txt"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	events := publisher.on(subjects.Chunked)
	if len(events) != 1 || len(publisher.on(subjects.Errors)) != 0 {
		t.Fatalf("expected exactly one chunked event, got %+v", publisher.events)
	}
	chunked := events[0].(domain.TextChunked)
	if chunked.Generation != 2 || len(chunked.Chunks) != 2 || chunked.Chunks[0] != "First sentence here." {
		t.Fatalf("unexpected chunked event: %+v", chunked)
	}
	if repo.progress["doc-1"].ChunkCount != 2 {
		t.Fatalf("chunk count not recorded: %+v", repo.progress["doc-1"])
	}
	if last, _ := repo.lastStatus("doc-1"); last.status != domain.StatusChunked {
		t.Fatalf("unexpected status: %+v", last)
	}
}

func TestChunkStageEmitsErrorForShortText(t *testing.T) {
	storage := newStorageFake()
	storage.files["k"] = "tiny"
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("t")
	stage := NewChunkStage(storageExtractor{storage}, chunking.NewSplitter(100, 10, 50), newRepoFake(), publisher, subjects, quietLogger())

	if err := stage.Handle(context.Background(), domain.DocumentIngested{DocID: "doc-1", StoragePath: "k"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	errs := publisher.on(subjects.Errors)
	if len(errs) != 1 || len(publisher.on(subjects.Chunked)) != 0 {
		t.Fatalf("expected exactly one error event, got %+v", publisher.events)
	}
	if ev := errs[0].(domain.ProcessingError); ev.Stage != domain.StageChunking || ev.DocID != "doc-1" {
		t.Fatalf("unexpected error event: %+v", ev)
	}
}

func TestEmbedStageForwardsPartialBatch(t *testing.T) {
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("t")
	embedder := &embedderFake{fallback: domain.Embedding{1, 0}, fail: map[string]error{"b": domain.ErrEmbeddingUnavailable}}
	repo := newRepoFake()
	var ratio float64
	stage := NewEmbedStage(NewBatchEmbedder(embedder, 2, quietLogger()), 2, repo, publisher, subjects, quietLogger()).
		OnBatch(func(r float64) { ratio = r })

	err := stage.Handle(context.Background(), domain.TextChunked{DocID: "doc-1", Chunks: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	events := publisher.on(subjects.Embedded)
	if len(events) != 1 {
		t.Fatalf("expected one embeddings event, got %+v", publisher.events)
	}
	ev := events[0].(domain.EmbeddingsGenerated)
	if ev.TotalChunks != 3 || ev.Failed != 1 || len(ev.Embeddings) != 2 || ev.Dimension != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ratio != ev.SuccessRatio || ratio <= 0.66 || ratio >= 0.67 {
		t.Fatalf("batch observer saw %v, event carries %v", ratio, ev.SuccessRatio)
	}
	if ev.Embeddings[1].ChunkIndex != 2 {
		t.Fatalf("original chunk index lost: %+v", ev.Embeddings)
	}
	if repo.progress["doc-1"].FailedCount != 1 || repo.progress["doc-1"].EmbeddedCount != 2 {
		t.Fatalf("unexpected progress: %+v", repo.progress["doc-1"])
	}
}

func TestEmbedStageEmitsErrorOnTotalFailure(t *testing.T) {
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("t")
	stage := NewEmbedStage(NewBatchEmbedder(&embedderFake{}, 1, quietLogger()), 2, newRepoFake(), publisher, subjects, quietLogger())

	if err := stage.Handle(context.Background(), domain.TextChunked{DocID: "doc-1", Chunks: []string{"a"}}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	errs := publisher.on(subjects.Errors)
	if len(errs) != 1 || len(publisher.on(subjects.Embedded)) != 0 {
		t.Fatalf("expected a single error event, got %+v", publisher.events)
	}
	if ev := errs[0].(domain.ProcessingError); ev.Stage != domain.StageEmbedding {
		t.Fatalf("unexpected stage: %+v", ev)
	}
}

func TestIndexStageFailureEmitsError(t *testing.T) {
	publisher := &publisherFake{}
	subjects := domain.NewSubjects("t")
	recorder, _ := newStats(t)
	writer := NewIndexWriter(&indexFake{upsertErr: errors.New("qdrant down")}, recorder, 1, quietLogger())
	stage := NewIndexStage(writer, newRepoFake(), publisher, subjects, quietLogger())

	err := stage.Handle(context.Background(), domain.EmbeddingsGenerated{
		DocID:      "doc-1",
		Embeddings: []domain.EmbeddedPassage{embeddedPassage("doc-1", 0, "x", 1)},
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	errs := publisher.on(subjects.Errors)
	if len(errs) != 1 || len(publisher.on(subjects.IndexReady)) != 0 {
		t.Fatalf("expected a single error event, got %+v", publisher.events)
	}
}

func TestErrorSinkMarksDocumentFailed(t *testing.T) {
	repo := newRepoFake()
	recorder, _ := newStats(t)
	sink := NewErrorSink(repo, recorder, quietLogger())

	err := sink.Handle(context.Background(), domain.ProcessingError{DocID: "doc-1", Stage: domain.StageIndexing, Error: "boom"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	last, _ := repo.lastStatus("doc-1")
	if last.status != domain.StatusFailed || last.errMsg != "boom" {
		t.Fatalf("unexpected status call: %+v", last)
	}
	snap, _ := recorder.Snapshot(context.Background())
	if snap.StageErrors["indexing"] != 1 {
		t.Fatalf("stage error not counted: %+v", snap.StageErrors)
	}
}

func TestErrorSinkCountsRedeliveredErrorOnce(t *testing.T) {
	repo := newRepoFake()
	recorder, _ := newStats(t)
	sink := NewErrorSink(repo, recorder, quietLogger())
	event := domain.ProcessingError{DocID: "doc-1", Generation: 3, Stage: domain.StageEmbedding, Error: "boom"}

	for i := 0; i < 2; i++ {
		if err := sink.Handle(context.Background(), event); err != nil {
			t.Fatalf("Handle() #%d error = %v", i, err)
		}
	}
	snap, _ := recorder.Snapshot(context.Background())
	if snap.StageErrors["embedding"] != 1 {
		t.Fatalf("redelivered error counted twice: %+v", snap.StageErrors)
	}
}

func TestStagePublishFailureIsReturned(t *testing.T) {
	storage := newStorageFake()
	storage.files["k"] = "Long enough sentence. Another one."
	subjects := domain.NewSubjects("t")
	publisher := &publisherFake{failOn: map[string]error{subjects.Chunked: domain.ErrTemporary}}
	stage := NewChunkStage(storageExtractor{storage}, chunking.NewSplitter(100, 0, 5), newRepoFake(), publisher, subjects, quietLogger())

	if err := stage.Handle(context.Background(), domain.DocumentIngested{DocID: "d", StoragePath: "k"}); !errors.Is(err, domain.ErrTemporary) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if errs := publisher.on(subjects.Errors); len(errs) != 0 {
		t.Fatalf("a retryable publish failure must not fail the document: %+v", errs)
	}
}

func TestStageRejectedPublishEmitsError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		ctx  context.Context
	}{
		{"oversized message", errors.New("nats: maximum payload exceeded"), context.Background()},
		{"temporary on final delivery", domain.ErrTemporary, domain.WithFinalAttempt(context.Background())},
	}
	for _, tc := range cases {
		storage := newStorageFake()
		storage.files["k"] = "Long enough sentence. Another one."
		subjects := domain.NewSubjects("t")
		publisher := &publisherFake{failOn: map[string]error{subjects.Chunked: tc.err}}
		repo := newRepoFake()
		stage := NewChunkStage(storageExtractor{storage}, chunking.NewSplitter(100, 0, 5), repo, publisher, subjects, quietLogger())

		if err := stage.Handle(tc.ctx, domain.DocumentIngested{DocID: "d", Generation: 4, StoragePath: "k"}); err != nil {
			t.Fatalf("%s: Handle() error = %v", tc.name, err)
		}
		errs := publisher.on(subjects.Errors)
		if len(errs) != 1 {
			t.Fatalf("%s: expected one error event, got %+v", tc.name, publisher.events)
		}
		ev := errs[0].(domain.ProcessingError)
		if ev.DocID != "d" || ev.Generation != 4 || ev.Stage != domain.StageChunking {
			t.Fatalf("%s: unexpected error event: %+v", tc.name, ev)
		}
	}
}

func TestStagesPassLargeBodiesByReference(t *testing.T) {
	storage := newStorageFake()
	storage.files["k"] = "First sentence here. Second sentence here. Third sentence here."
	subjects := domain.NewSubjects("t")
	publisher := &publisherFake{}
	repo := newRepoFake()
	payloads := NewPayloadStore(storage, 16)

	chunk := NewChunkStage(storageExtractor{storage}, chunking.NewSplitter(25, 0, 5), repo, publisher, subjects, quietLogger()).
		WithPayloads(payloads)
	if err := chunk.Handle(context.Background(), domain.DocumentIngested{DocID: "doc-1", Generation: 1, StoragePath: "k"}); err != nil {
		t.Fatalf("chunk Handle() error = %v", err)
	}
	chunked := publisher.on(subjects.Chunked)[0].(domain.TextChunked)
	if chunked.PayloadRef == "" || chunked.Chunks != nil {
		t.Fatalf("chunks should travel by reference: %+v", chunked)
	}

	embed := NewEmbedStage(NewBatchEmbedder(&embedderFake{fallback: domain.Embedding{1, 0}}, 2, quietLogger()), 2, repo, publisher, subjects, quietLogger()).
		WithPayloads(payloads)
	if err := embed.Handle(context.Background(), chunked); err != nil {
		t.Fatalf("embed Handle() error = %v", err)
	}
	embedded := publisher.on(subjects.Embedded)[0].(domain.EmbeddingsGenerated)
	if embedded.PayloadRef == "" || embedded.Embeddings != nil || embedded.TotalChunks != 3 {
		t.Fatalf("embeddings should travel by reference: %+v", embedded)
	}

	index := &indexFake{}
	recorder, _ := newStats(t)
	stage := NewIndexStage(NewIndexWriter(index, recorder, 2, quietLogger()), repo, publisher, subjects, quietLogger()).
		WithPayloads(payloads)
	if err := stage.Handle(context.Background(), embedded); err != nil {
		t.Fatalf("index Handle() error = %v", err)
	}
	if len(index.upserted) != 3 || len(publisher.on(subjects.IndexReady)) != 1 {
		t.Fatalf("expected three indexed passages, got %d", len(index.upserted))
	}
	if errs := publisher.on(subjects.Errors); len(errs) != 0 {
		t.Fatalf("unexpected error events: %+v", errs)
	}
}

func TestEmbedStageMissingPayloadEmitsError(t *testing.T) {
	subjects := domain.NewSubjects("t")
	publisher := &publisherFake{}
	stage := NewEmbedStage(NewBatchEmbedder(&embedderFake{fallback: domain.Embedding{1}}, 1, quietLogger()), 1, newRepoFake(), publisher, subjects, quietLogger()).
		WithPayloads(NewPayloadStore(newStorageFake(), 0))

	err := stage.Handle(context.Background(), domain.TextChunked{DocID: "doc-1", Generation: 2, PayloadRef: "payload_gone.json"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	errs := publisher.on(subjects.Errors)
	if len(errs) != 1 || len(publisher.on(subjects.Embedded)) != 0 {
		t.Fatalf("expected a single error event, got %+v", publisher.events)
	}
}

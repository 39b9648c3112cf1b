package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
)

// emitter is shared by the pipeline stages: each unit of work ends with
// exactly one success event or one error event.
type emitter struct {
	publisher ports.EventPublisher
	subjects  domain.Subjects
	repo      ports.DocumentRepository
	payloads  *PayloadStore
	logger    *slog.Logger
	now       func() time.Time
}

func newEmitter(
	publisher ports.EventPublisher,
	subjects domain.Subjects,
	repo ports.DocumentRepository,
	logger *slog.Logger,
) emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return emitter{
		publisher: publisher,
		subjects:  subjects,
		repo:      repo,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e emitter) fail(ctx context.Context, stage domain.Stage, unit domain.WorkUnit, cause error) error {
	e.logger.Error("stage_failed", "stage", stage, "doc_id", unit.DocID, "generation", unit.Generation, "error", cause)
	event := domain.ProcessingError{
		DocID:      unit.DocID,
		Generation: unit.Generation,
		Stage:      stage,
		Error:      cause.Error(),
		EmittedAt:  e.now(),
	}
	if err := e.publisher.Publish(ctx, e.subjects.Errors, event); err != nil {
		return fmt.Errorf("publish %s error event: %w", stage, err)
	}
	return nil
}

// retryOrFail hands cause back for redelivery while the bus will try again,
// and turns it into the unit's error event on the final delivery.
func (e emitter) retryOrFail(ctx context.Context, stage domain.Stage, unit domain.WorkUnit, cause error) error {
	if domain.IsFinalAttempt(ctx) {
		return e.fail(ctx, stage, unit, cause)
	}
	return cause
}

// handOff publishes the stage's success event. A rejection that another
// delivery cannot fix, such as an oversized message, becomes the error event.
func (e emitter) handOff(ctx context.Context, stage domain.Stage, unit domain.WorkUnit, subject string, event any) error {
	err := e.publisher.Publish(ctx, subject, event)
	switch {
	case err == nil:
		return nil
	case domain.IsKind(err, domain.ErrTemporary):
		return e.retryOrFail(ctx, stage, unit, fmt.Errorf("publish %s event: %w", stage, err))
	default:
		return e.fail(ctx, stage, unit, fmt.Errorf("publish %s event: %w", stage, err))
	}
}

// loadFailed reports a spilled payload that cannot be read. A missing one is
// final; a storage outage is retried.
func (e emitter) loadFailed(ctx context.Context, stage domain.Stage, unit domain.WorkUnit, err error) error {
	if domain.IsKind(err, domain.ErrInvalidInput) {
		return e.fail(ctx, stage, unit, err)
	}
	return e.retryOrFail(ctx, stage, unit, err)
}

func (e emitter) progress(ctx context.Context, docID string, status domain.DocumentStatus, progress domain.DocumentProgress) {
	if err := e.repo.UpdateProgress(ctx, docID, progress); err != nil {
		e.logger.Warn("document_progress_update_failed", "doc_id", docID, "error", err)
	}
	if err := e.repo.UpdateStatus(ctx, docID, status, ""); err != nil {
		e.logger.Warn("document_status_update_failed", "doc_id", docID, "status", status, "error", err)
	}
}

// ChunkStage turns an archived document into passages.
type ChunkStage struct {
	emitter
	extractor ports.TextExtractor
	chunker   ports.Chunker
}

func NewChunkStage(
	extractor ports.TextExtractor,
	chunker ports.Chunker,
	repo ports.DocumentRepository,
	publisher ports.EventPublisher,
	subjects domain.Subjects,
	logger *slog.Logger,
) *ChunkStage {
	return &ChunkStage{
		emitter:   newEmitter(publisher, subjects, repo, logger),
		extractor: extractor,
		chunker:   chunker,
	}
}

// WithPayloads lets the stage spill passage lists too large for one message.
func (s *ChunkStage) WithPayloads(payloads *PayloadStore) *ChunkStage {
	s.payloads = payloads
	return s
}

func (s *ChunkStage) Handle(ctx context.Context, event domain.DocumentIngested) error {
	unit := domain.WorkUnit{DocID: event.DocID, Generation: event.Generation}
	doc := &domain.Document{ID: event.DocID, Filename: event.Filename, StoragePath: event.StoragePath}
	text, err := s.extractor.Extract(ctx, doc)
	if err != nil {
		return s.fail(ctx, domain.StageChunking, unit, fmt.Errorf("extract text: %w", err))
	}

	chunks := s.chunker.Split(text)
	if len(chunks) == 0 {
		cause := domain.WrapError(domain.ErrInvalidInput, "chunk document", errors.New("text too short to chunk"))
		return s.fail(ctx, domain.StageChunking, unit, cause)
	}

	count := len(chunks)
	s.progress(ctx, event.DocID, domain.StatusChunked, domain.DocumentProgress{ChunkCount: &count})

	out := domain.TextChunked{
		DocID:      event.DocID,
		Generation: event.Generation,
		Chunks:     chunks,
		Metadata:   event.Metadata,
		EmittedAt:  s.now(),
	}
	ref, err := s.payloads.spill(ctx, unit, "chunks", chunks)
	if err != nil {
		return s.retryOrFail(ctx, domain.StageChunking, unit, err)
	}
	if ref != "" {
		out.Chunks, out.PayloadRef = nil, ref
	}
	if err := s.handOff(ctx, domain.StageChunking, unit, s.subjects.Chunked, out); err != nil {
		return err
	}
	s.logger.Info("stage_completed", "stage", domain.StageChunking, "doc_id", event.DocID, "chunks", count, "payload_ref", ref)
	return nil
}

// EmbedStage embeds the passages of a chunked document.
type EmbedStage struct {
	emitter
	batch     *BatchEmbedder
	dimension int
	observe   func(successRatio float64)
}

func NewEmbedStage(
	batch *BatchEmbedder,
	dimension int,
	repo ports.DocumentRepository,
	publisher ports.EventPublisher,
	subjects domain.Subjects,
	logger *slog.Logger,
) *EmbedStage {
	return &EmbedStage{
		emitter:   newEmitter(publisher, subjects, repo, logger),
		batch:     batch,
		dimension: dimension,
	}
}

// OnBatch registers a callback that receives the success ratio of every
// completed batch.
func (s *EmbedStage) OnBatch(observe func(successRatio float64)) *EmbedStage {
	s.observe = observe
	return s
}

// WithPayloads lets the stage read spilled passages and spill its vectors.
func (s *EmbedStage) WithPayloads(payloads *PayloadStore) *EmbedStage {
	s.payloads = payloads
	return s
}

func (s *EmbedStage) Handle(ctx context.Context, event domain.TextChunked) error {
	unit := domain.WorkUnit{DocID: event.DocID, Generation: event.Generation}
	chunks := event.Chunks
	if event.PayloadRef != "" {
		if err := s.payloads.load(ctx, event.PayloadRef, &chunks); err != nil {
			return s.loadFailed(ctx, domain.StageEmbedding, unit, err)
		}
	}

	result, err := s.batch.EmbedBatch(ctx, domain.NewPassages(event.DocID, chunks))
	if err != nil {
		return s.fail(ctx, domain.StageEmbedding, unit, err)
	}

	if s.observe != nil {
		s.observe(result.SuccessRatio())
	}

	embedded := len(result.Embedded)
	s.progress(ctx, event.DocID, domain.StatusEmbedded, domain.DocumentProgress{
		EmbeddedCount: &embedded,
		FailedCount:   &result.Failed,
	})

	out := domain.EmbeddingsGenerated{
		DocID:        event.DocID,
		Generation:   event.Generation,
		Embeddings:   result.Embedded,
		TotalChunks:  result.Total,
		Failed:       result.Failed,
		SuccessRatio: result.SuccessRatio(),
		Dimension:    s.dimension,
		Metadata:     event.Metadata,
		EmittedAt:    s.now(),
	}
	ref, err := s.payloads.spill(ctx, unit, "embeddings", result.Embedded)
	if err != nil {
		return s.retryOrFail(ctx, domain.StageEmbedding, unit, err)
	}
	if ref != "" {
		out.Embeddings, out.PayloadRef = nil, ref
	}
	if err := s.handOff(ctx, domain.StageEmbedding, unit, s.subjects.Embedded, out); err != nil {
		return err
	}
	s.logger.Info("stage_completed",
		"stage", domain.StageEmbedding,
		"doc_id", event.DocID,
		"embedded", embedded,
		"failed", result.Failed,
		"success_ratio", out.SuccessRatio,
	)
	return nil
}

// IndexStage writes embedded passages to the similarity index.
type IndexStage struct {
	emitter
	writer *IndexWriter
}

func NewIndexStage(
	writer *IndexWriter,
	repo ports.DocumentRepository,
	publisher ports.EventPublisher,
	subjects domain.Subjects,
	logger *slog.Logger,
) *IndexStage {
	return &IndexStage{
		emitter: newEmitter(publisher, subjects, repo, logger),
		writer:  writer,
	}
}

// WithPayloads lets the stage read spilled vectors.
func (s *IndexStage) WithPayloads(payloads *PayloadStore) *IndexStage {
	s.payloads = payloads
	return s
}

func (s *IndexStage) Handle(ctx context.Context, event domain.EmbeddingsGenerated) error {
	unit := domain.WorkUnit{DocID: event.DocID, Generation: event.Generation}
	embedded := event.Embeddings
	if event.PayloadRef != "" {
		if err := s.payloads.load(ctx, event.PayloadRef, &embedded); err != nil {
			return s.loadFailed(ctx, domain.StageIndexing, unit, err)
		}
	}

	outcome, err := s.writer.Index(ctx, event.DocID, event.Generation, embedded, event.Metadata)
	if err != nil {
		return s.fail(ctx, domain.StageIndexing, unit, err)
	}

	s.progress(ctx, event.DocID, domain.StatusReady, domain.DocumentProgress{IndexedCount: &outcome.Indexed})

	out := domain.IndexReady{
		DocID:        event.DocID,
		Generation:   event.Generation,
		IndexedCount: outcome.Indexed,
		Skipped:      outcome.Skipped,
		EmittedAt:    s.now(),
	}
	if err := s.handOff(ctx, domain.StageIndexing, unit, s.subjects.IndexReady, out); err != nil {
		return err
	}
	s.logger.Info("stage_completed", "stage", domain.StageIndexing, "doc_id", event.DocID, "indexed", outcome.Indexed)
	return nil
}

// ErrorSink records failed units of work.
type ErrorSink struct {
	repo   ports.DocumentRepository
	stats  ports.Statistics
	logger *slog.Logger
}

func NewErrorSink(repo ports.DocumentRepository, stats ports.Statistics, logger *slog.Logger) *ErrorSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorSink{repo: repo, stats: stats, logger: logger}
}

func (s *ErrorSink) Handle(ctx context.Context, event domain.ProcessingError) error {
	unit := domain.WorkUnit{DocID: event.DocID, Generation: event.Generation}
	err := s.repo.UpdateStatus(ctx, event.DocID, domain.StatusFailed, event.Error)
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		s.stats.StageFailed(ctx, unit, event.Stage)
		s.logger.Warn("document_failed_unknown", "doc_id", event.DocID, "stage", event.Stage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	s.stats.StageFailed(ctx, unit, event.Stage)
	s.logger.Warn("document_failed", "doc_id", event.DocID, "stage", event.Stage, "error", event.Error)
	return nil
}

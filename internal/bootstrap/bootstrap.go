package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/core/ports"
	"github.com/kirillkom/passage-retrieval/internal/core/usecase"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/cache/memory"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/cache/redis"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/embedding"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/extractor/plaintext"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/ratelimit"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/stats"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/storage/localfs"
	vectormemory "github.com/kirillkom/passage-retrieval/internal/infrastructure/vector/memory"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/vector/qdrant"
)

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Subjects domain.Subjects

	Bus       *nats.Bus
	Repo      ports.DocumentRepository
	Stats     *stats.Recorder
	Limiter   *ratelimit.Limiter
	Executor  *resilience.Executor
	Ingest    *usecase.IngestUseCase
	Retriever *usecase.Retriever
	Documents *usecase.DocumentAdmin

	ChunkStage *usecase.ChunkStage
	EmbedStage *usecase.EmbedStage
	IndexStage *usecase.IndexStage
	ErrorSink  *usecase.ErrorSink

	closers []func()
}

// New wires every backend selected by cfg. busOpts lets the worker hook
// delivery observation into the event bus.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, busOpts nats.Options) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger, Subjects: domain.NewSubjects(cfg.NATSSubjectPrefix)}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Executor = resilience.NewExecutor(ResilienceConfig(cfg)).WithLogger(logger)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, func() { _ = db.Close() })
	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	app.Repo = repo

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	busOpts.ResilienceExecutor = app.Executor
	busOpts.Logger = logger
	busOpts.Stream = cfg.NATSStream
	busOpts.QueueGroup = cfg.NATSQueueGroup
	busOpts.MaxDeliver = cfg.NATSMaxDeliver
	busOpts.AckWait = cfg.NATSAckWait
	bus, err := nats.New(ctx, cfg.NATSURL, cfg.NATSSubjectPrefix, busOpts)
	if err != nil {
		return nil, fmt.Errorf("init event bus: %w", err)
	}
	app.closers = append(app.closers, bus.Close)
	app.Bus = bus

	kv, closeKV, err := NewKVStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeKV)
	app.Stats = stats.NewRecorder(kv, logger)

	index, err := app.newIndex(ctx)
	if err != nil {
		return nil, err
	}

	app.Limiter = ratelimit.New(ratelimit.Config{
		Calls:       cfg.EmbeddingRateLimit,
		Window:      cfg.EmbeddingRateWindow,
		MaxInFlight: cfg.EmbeddingMaxInFlight,
	})
	provider, err := app.newProvider(ctx)
	if err != nil {
		return nil, err
	}
	embedder := embedding.NewCachedEmbedder(provider, kv, app.Limiter, app.Stats, embedding.Config{
		Dimension:     cfg.EmbeddingDimension,
		MaxInputChars: cfg.EmbeddingMaxInputChars,
		CallTimeout:   cfg.EmbeddingTimeout,
		PassageTTL:    cfg.PassageEmbeddingTTL,
		QueryTTL:      cfg.QueryEmbeddingTTL,
	}, logger)

	app.Ingest = usecase.NewIngestUseCase(repo, storage, bus, app.Subjects)
	app.Retriever = usecase.NewRetriever(embedder, index, kv, app.Stats, usecase.RetrieverConfig{
		DefaultTopK: cfg.SearchDefaultTopK,
		MaxTopK:     cfg.SearchMaxTopK,
		ResultTTL:   cfg.SearchResultTTL,
	}, logger)
	app.Documents = usecase.NewDocumentAdmin(repo, index)

	payloads := usecase.NewPayloadStore(storage, cfg.InlinePayloadBytes)
	app.ChunkStage = usecase.NewChunkStage(plaintext.NewExtractor(storage), NewChunker(cfg), repo, bus, app.Subjects, logger).
		WithPayloads(payloads)
	app.EmbedStage = usecase.NewEmbedStage(usecase.NewBatchEmbedder(embedder, cfg.EmbedConcurrency, logger), cfg.EmbeddingDimension, repo, bus, app.Subjects, logger).
		WithPayloads(payloads)
	app.IndexStage = usecase.NewIndexStage(usecase.NewIndexWriter(index, app.Stats, cfg.EmbeddingDimension, logger), repo, bus, app.Subjects, logger).
		WithPayloads(payloads)
	app.ErrorSink = usecase.NewErrorSink(repo, app.Stats, logger)

	return app, nil
}

func (a *App) newIndex(ctx context.Context) (ports.SimilarityIndex, error) {
	switch a.Config.VectorBackend {
	case "memory":
		a.Logger.Warn("vector_backend_in_memory", "note", "passages are not shared between processes")
		return vectormemory.New(a.Config.EmbeddingDimension), nil
	case "qdrant", "":
		index, err := qdrant.New(qdrant.Config{
			URL:                a.Config.QdrantURL,
			APIKey:             a.Config.QdrantAPIKey,
			Collection:         a.Config.QdrantCollection,
			Dimension:          a.Config.EmbeddingDimension,
			ResilienceExecutor: a.Executor,
		})
		if err != nil {
			return nil, fmt.Errorf("init qdrant: %w", err)
		}
		a.closers = append(a.closers, func() { _ = index.Close() })
		if err := index.EnsureCollection(ctx); err != nil {
			return nil, fmt.Errorf("ensure qdrant collection: %w", err)
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", a.Config.VectorBackend)
	}
}

func (a *App) newProvider(ctx context.Context) (ports.EmbeddingProvider, error) {
	switch a.Config.EmbeddingProvider {
	case "deterministic":
		a.Logger.Warn("embedding_provider_deterministic", "dimension", a.Config.EmbeddingDimension)
		return embedding.NewDeterministicProvider(a.Config.EmbeddingDimension), nil
	case "ollama", "":
		// The core never retries the provider, so its breaker runs single-shot.
		executor := resilience.NewExecutor(ResilienceConfig(a.Config).WithoutRetries()).WithLogger(a.Logger)
		client := ollama.NewWithOptions(a.Config.OllamaURL, a.Config.OllamaEmbedModel, ollama.Options{
			HTTPTimeout:        a.Config.EmbeddingTimeout,
			ResilienceExecutor: executor,
		})
		if err := client.Ping(ctx); err != nil {
			a.Logger.Warn("ollama_unreachable", "url", a.Config.OllamaURL, "model", a.Config.OllamaEmbedModel, "error", err)
		}
		return ollama.NewEmbedder(client), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", a.Config.EmbeddingProvider)
	}
}

// NewKVStore opens the cache selected by CACHE_BACKEND.
func NewKVStore(ctx context.Context, cfg config.Config) (ports.KVStore, func(), error) {
	switch cfg.CacheBackend {
	case "memory":
		store, err := memory.New(cfg.CacheMemorySize)
		if err != nil {
			return nil, nil, fmt.Errorf("init memory cache: %w", err)
		}
		return store, func() {}, nil
	case "redis", "":
		store := redis.New(redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func NewChunker(cfg config.Config) *chunking.Splitter {
	return chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkSize)
}

func ResilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.ResilienceRetryAttempts
	out.BreakerEnabled = cfg.ResilienceBreakerEnabled
	if cfg.ResilienceBreakerMinReqs > 0 {
		out.BreakerMinRequests = uint32(cfg.ResilienceBreakerMinReqs)
	}
	out.BreakerFailureRatio = cfg.ResilienceBreakerRatio
	out.BreakerOpenTimeout = cfg.ResilienceBreakerOpenDelay
	return out
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

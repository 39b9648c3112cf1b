package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/passage-retrieval/internal/bootstrap"
	"github.com/kirillkom/passage-retrieval/internal/config"
	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/passage-retrieval/internal/observability/logging"
	"github.com/kirillkom/passage-retrieval/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, logger, nats.Options{
		OnDelivery: func(d nats.Delivery) {
			workerMetrics.ObserveDelivery(serviceName, d.Subject, d.Lag, d.Attempt)
		},
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	app.EmbedStage.OnBatch(func(ratio float64) {
		workerMetrics.ObserveBatchSuccess(serviceName, ratio)
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	run := stageRunner{bus: app.Bus, metrics: workerMetrics, timeout: cfg.StageTimeout, logger: logger}
	group.Go(func() error {
		return subscribe(groupCtx, run, app.Subjects.Ingested, domain.StageChunking, app.ChunkStage.Handle)
	})
	group.Go(func() error {
		return subscribe(groupCtx, run, app.Subjects.Chunked, domain.StageEmbedding, app.EmbedStage.Handle)
	})
	group.Go(func() error {
		return subscribe(groupCtx, run, app.Subjects.Embedded, domain.StageIndexing, app.IndexStage.Handle)
	})
	group.Go(func() error {
		return subscribe(groupCtx, run, app.Subjects.Errors, "errors", app.ErrorSink.Handle)
	})

	logger.Info("worker_started", "subject_prefix", cfg.NATSSubjectPrefix, "queue_group", cfg.NATSQueueGroup)
	if err := group.Wait(); err != nil {
		logger.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}

type stageRunner struct {
	bus     *nats.Bus
	metrics *metrics.WorkerMetrics
	timeout time.Duration
	logger  *slog.Logger
}

func subscribe[T any](ctx context.Context, run stageRunner, subject string, stage domain.Stage, handle func(context.Context, T) error) error {
	instrumented := func(handlerCtx context.Context, event T) error {
		stageCtx, cancel := context.WithTimeout(handlerCtx, run.timeout)
		defer cancel()

		run.metrics.StartStage(string(stage))
		start := time.Now()
		err := handle(stageCtx, event)
		run.metrics.FinishStage(serviceName, string(stage), time.Since(start), err)
		return err
	}

	run.logger.Info("worker_subscribed", "subject", subject, "stage", stage)
	return run.bus.Subscribe(ctx, subject, nats.JSONHandler(instrumented))
}

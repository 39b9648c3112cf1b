package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Delivery describes one message handed to a subscriber.
type Delivery struct {
	Subject string
	Attempt uint64
	Lag     time.Duration
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger

	// Stream captures every subject under the prefix.
	Stream        string
	QueueGroup    string
	AckWait       time.Duration
	MaxDeliver    int
	RedeliveryGap time.Duration
	MaxAge        time.Duration
	OnDelivery    func(Delivery)
}

// Bus carries pipeline events over a JetStream stream. Subscribers sharing a
// queue group share one durable consumer per subject, so each event is worked
// on by one worker and redelivered until it is acknowledged.
type Bus struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	opts     Options
	executor *resilience.Executor
	logger   *slog.Logger
}

func New(ctx context.Context, url, subjectPrefix string, options Options) (*Bus, error) {
	options = normalizeOptions(options)

	conn, err := nats.Connect(
		url,
		nats.Name("passage-retrieval"),
		nats.Timeout(options.ConnectTimeout),
		nats.ReconnectWait(options.ReconnectWait),
		nats.MaxReconnects(options.MaxReconnects),
		nats.RetryOnFailedConnect(*options.RetryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			options.Logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			options.Logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if subjectPrefix == "" {
		subjectPrefix = "rag"
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      options.Stream,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    options.MaxAge,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", options.Stream, err)
	}

	return &Bus{
		conn:     conn,
		js:       js,
		stream:   options.Stream,
		opts:     options,
		executor: options.ResilienceExecutor,
		logger:   options.Logger,
	}, nil
}

func normalizeOptions(options Options) Options {
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = 2 * time.Second
	}
	if options.ReconnectWait <= 0 {
		options.ReconnectWait = 2 * time.Second
	}
	if options.MaxReconnects <= 0 {
		options.MaxReconnects = 60
	}
	if options.RetryOnFailedConnect == nil {
		retry := true
		options.RetryOnFailedConnect = &retry
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Stream == "" {
		options.Stream = "RAG_PIPELINE"
	}
	if options.QueueGroup == "" {
		options.QueueGroup = "rag-workers"
	}
	if options.AckWait <= 0 {
		options.AckWait = 2 * time.Minute
	}
	if options.MaxDeliver <= 0 {
		options.MaxDeliver = 5
	}
	if options.RedeliveryGap <= 0 {
		options.RedeliveryGap = 5 * time.Second
	}
	if options.MaxAge <= 0 {
		options.MaxAge = 24 * time.Hour
	}
	return options
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Bus) Ping() error {
	if b.conn == nil || !b.conn.IsConnected() {
		return domain.WrapError(domain.ErrTemporary, "nats ping", nats.ErrDisconnected)
	}
	return nil
}

// Publish encodes event as JSON and waits for the stream to persist it.
func (b *Bus) Publish(ctx context.Context, subject string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", subject, err)
	}

	call := func(callCtx context.Context) error {
		if _, err := b.js.Publish(callCtx, subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// Subscribe consumes subject until ctx is cancelled. A handler error naks the
// message for redelivery; an ErrInvalidInput error terminates it instead.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte) error) error {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.stream, jetstream.ConsumerConfig{
		Durable:       durableName(b.opts.QueueGroup, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		MaxDeliver:    b.opts.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("nats consumer for %s: %w", subject, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		b.dispatch(ctx, msg, handler)
	})
	if err != nil {
		return fmt.Errorf("nats consume %s: %w", subject, err)
	}

	<-ctx.Done()
	consumeCtx.Drain()
	<-consumeCtx.Closed()
	return nil
}

func (b *Bus) dispatch(ctx context.Context, msg jetstream.Msg, handler func(context.Context, []byte) error) {
	if ctx.Err() != nil {
		return
	}
	delivery := Delivery{Subject: msg.Subject(), Attempt: 1}
	if meta, err := msg.Metadata(); err == nil {
		delivery.Attempt = meta.NumDelivered
		delivery.Lag = time.Since(meta.Timestamp)
	}
	if b.opts.OnDelivery != nil {
		b.opts.OnDelivery(delivery)
	}

	if isFinalDelivery(delivery.Attempt, b.opts.MaxDeliver) {
		ctx = domain.WithFinalAttempt(ctx)
	}

	err := handler(ctx, msg.Data())
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			b.logger.Warn("nats_ack_failed", "subject", delivery.Subject, "error", ackErr)
		}
	case domain.IsKind(err, domain.ErrInvalidInput):
		b.logger.Error("nats_message_rejected", "subject", delivery.Subject, "error", err)
		if termErr := msg.Term(); termErr != nil {
			b.logger.Warn("nats_term_failed", "subject", delivery.Subject, "error", termErr)
		}
	default:
		b.logger.Error("nats_handler_failed",
			"subject", delivery.Subject,
			"attempt", delivery.Attempt,
			"error", err,
		)
		if nakErr := msg.NakWithDelay(b.opts.RedeliveryGap); nakErr != nil {
			b.logger.Warn("nats_nak_failed", "subject", delivery.Subject, "error", nakErr)
		}
	}
}

// isFinalDelivery reports whether a nak on this attempt drops the message.
func isFinalDelivery(attempt uint64, maxDeliver int) bool {
	return maxDeliver > 0 && attempt >= uint64(maxDeliver)
}

// JSONHandler adapts a typed event handler to raw message payloads.
func JSONHandler[T any](handle func(context.Context, T) error) func(context.Context, []byte) error {
	return func(ctx context.Context, payload []byte) error {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "decode event", err)
		}
		return handle(ctx, event)
	}
}

func durableName(group, subject string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return replacer.Replace(group + "_" + subject)
}

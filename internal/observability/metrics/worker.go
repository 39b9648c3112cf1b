package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type WorkerMetrics struct {
	registry *prometheus.Registry

	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageInFlight *prometheus.GaugeVec
	queueLag      *prometheus.HistogramVec
	redeliveries  *prometheus.CounterVec
	batchSuccess  *prometheus.HistogramVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "stage_events_total",
			Help:      "Total handled pipeline events by stage and status.",
		},
		[]string{"service", "stage", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage handling duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "stage", "status"},
	)
	stageInFlight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "stage_in_flight",
			Help:      "Number of in-flight pipeline events per stage.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
		[]string{"stage"},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between event publication and delivery.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service", "subject"},
	)
	redeliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "redeliveries_total",
			Help:      "Total events delivered more than once.",
		},
		[]string{"service", "subject"},
	)
	batchSuccess := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rag",
			Subsystem: "worker",
			Name:      "embedding_batch_success_ratio",
			Help:      "Share of passages embedded per document batch.",
			Buckets:   []float64{0, 0.25, 0.5, 0.75, 0.9, 0.99, 1},
		},
		[]string{"service"},
	)

	registry.MustRegister(stageTotal, stageDuration, stageInFlight, queueLag, redeliveries, batchSuccess)

	return &WorkerMetrics{
		registry:      registry,
		stageTotal:    stageTotal,
		stageDuration: stageDuration,
		stageInFlight: stageInFlight,
		queueLag:      queueLag,
		redeliveries:  redeliveries,
		batchSuccess:  batchSuccess,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *WorkerMetrics) StartStage(stage string) {
	m.stageInFlight.WithLabelValues(stage).Inc()
}

func (m *WorkerMetrics) FinishStage(service, stage string, duration time.Duration, err error) {
	m.stageInFlight.WithLabelValues(stage).Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.stageTotal.WithLabelValues(service, stage, status).Inc()
	m.stageDuration.WithLabelValues(service, stage, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveDelivery(service, subject string, lag time.Duration, attempt uint64) {
	if attempt > 1 {
		m.redeliveries.WithLabelValues(service, subject).Inc()
	}
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service, subject).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveBatchSuccess(service string, ratio float64) {
	m.batchSuccess.WithLabelValues(service).Observe(ratio)
}

// Package metrics provides Prometheus metrics for document generation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DocumentsGenerated    *prometheus.CounterVec
	GenerationFailures    *prometheus.CounterVec
	StageDuration         *prometheus.HistogramVec
	ArtifactBytes         *prometheus.HistogramVec
	HistoryWrites         *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	ConsumerLag           *prometheus.GaugeVec
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates the metrics and registers them on reg. A nil reg uses a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		DocumentsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prontuario_documents_generated_total",
			Help: "Documents delivered, by format and flow",
		}, []string{"format", "flow"}),
		GenerationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prontuario_generation_failures_total",
			Help: "Failed generation attempts, by terminal state",
		}, []string{"state"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prontuario_stage_duration_seconds",
			Help:    "Pipeline stage duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"stage"}),
		ArtifactBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prontuario_artifact_bytes",
			Help:    "Size of generated artifacts",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}, []string{"format"}),
		HistoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prontuario_history_writes_total",
			Help: "History persistence attempts, by result",
		}, []string{"result"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Unconsumed messages of the worker's consumer group",
		}, []string{"topic"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DocumentsGenerated,
		m.GenerationFailures,
		m.StageDuration,
		m.ArtifactBytes,
		m.HistoryWrites,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.ConsumerLag,
		m.CircuitBreakerState,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// ObserveStage records how long a pipeline stage took
func (m *Metrics) ObserveStage(stage string, started time.Time) {
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// Handler serves the registry the metrics were registered on
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the Prometheus instruments used across the daemon.
type Metrics struct {
	namespace string

	packetsIngested  prometheus.Counter
	decodeErrors     prometheus.Counter
	storeErrors      prometheus.Counter
	nodeUpserts      prometheus.Counter
	messagesStored   prometheus.Counter
	historySamples   prometheus.Counter
	hopEstimates     *prometheus.CounterVec
	ingestQueueDepth prometheus.Gauge
	retentionDeleted *prometheus.CounterVec
	pipelineErrors   prometheus.Counter
	droppedMessages  prometheus.Counter

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshmon).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers the daemon metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshmon",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Metrics{
		namespace: cfg.namespace,
		packetsIngested: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_ingested_total",
			Help:      "Total number of packets received from the transport.",
		}),
		decodeErrors: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of envelope decoding failures.",
		}),
		storeErrors: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "store_errors_total",
			Help:      "Total number of persistence errors.",
		}),
		nodeUpserts: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "node_upserts_total",
			Help:      "Total number of node rows upserted.",
		}),
		messagesStored: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_stored_total",
			Help:      "Total number of messages persisted.",
		}),
		historySamples: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "history_samples_total",
			Help:      "Total number of node history rows appended.",
		}),
		hopEstimates: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "hop_estimates_total",
			Help:      "Total hop estimations, partitioned by outcome.",
		}, []string{"outcome"}),
		ingestQueueDepth: promauto.With(cfg.registry).NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "ingest_queue_depth",
			Help:      "Current number of packets waiting in the ingest queue.",
		}),
		retentionDeleted: promauto.With(cfg.registry).NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "retention_rows_deleted_total",
			Help:      "Total rows removed by retention sweeps, partitioned by table.",
		}, []string{"table"}),
		pipelineErrors: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "pipeline_errors_total",
			Help:      "Total number of pipeline errors forwarded to the supervisor.",
		}),
		droppedMessages: promauto.With(cfg.registry).NewCounter(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of transport messages dropped before decode.",
		}),
	}

	m.healthy.Store(true)
	return m
}

// IncPacketsIngested increments the raw packet counter.
func (m *Metrics) IncPacketsIngested() {
	if m == nil {
		return
	}
	m.packetsIngested.Inc()
}

// IncDecodeErrors increments the decode error counter.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

// IncStoreErrors increments the persistence error counter and marks the
// service unhealthy.
func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

// IncNodeUpserts notes a node row upsert.
func (m *Metrics) IncNodeUpserts() {
	if m == nil {
		return
	}
	m.nodeUpserts.Inc()
}

// IncMessagesStored notes a persisted message.
func (m *Metrics) IncMessagesStored() {
	if m == nil {
		return
	}
	m.messagesStored.Inc()
}

// IncHistorySamples notes an appended node history row.
func (m *Metrics) IncHistorySamples() {
	if m == nil {
		return
	}
	m.historySamples.Inc()
}

// IncHopEstimate records one hop estimation outcome (direct, relayed or
// unknown).
func (m *Metrics) IncHopEstimate(outcome string) {
	if m == nil {
		return
	}
	m.hopEstimates.WithLabelValues(outcome).Inc()
}

// ObserveIngestQueueDepth tracks the ingest queue depth.
func (m *Metrics) ObserveIngestQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.ingestQueueDepth.Set(float64(depth))
}

// AddRetentionDeleted records rows removed by a retention sweep.
func (m *Metrics) AddRetentionDeleted(table string, count int64) {
	if m == nil || count < 0 {
		return
	}
	m.retentionDeleted.WithLabelValues(table).Add(float64(count))
}

// IncPipelineErrors increments the general pipeline error counter and
// marks the service unhealthy.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
}

// IncDroppedMessages notes a transport message dropped on a full queue.
func (m *Metrics) IncDroppedMessages() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// MarkHealthy restores the healthy flag, typically after a successful
// write following a failure.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}

// Healthy reports whether the service considers itself healthy.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

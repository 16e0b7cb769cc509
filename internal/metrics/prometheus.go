// Package metrics exposes Spartan's operational state to Prometheus:
// per-queue depth and throughput counters plus replication lag, all
// registered on one registry served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors a Spartan node reports.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth          *prometheus.GaugeVec
	QueueReserved       *prometheus.GaugeVec
	MessagesPushedTotal *prometheus.CounterVec
	MessagesPoppedTotal *prometheus.CounterVec
	MessagesRequeued    *prometheus.CounterVec
	MessagesDeleted     *prometheus.CounterVec
	MessagesGcTotal     *prometheus.CounterVec

	ReplicationLag          *prometheus.GaugeVec
	ReplicationTickDuration *prometheus.HistogramVec
	ReplicationErrorsTotal  *prometheus.CounterVec
}

var defaultTickBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// New builds and registers every collector under namespace (typically
// "spartan"), along with the standard Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Number of messages currently held by a queue, available or reserved.",
		}, []string{"queue"}),

		QueueReserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_reserved",
			Help: "Number of reserved (in-flight) messages currently held by a queue.",
		}, []string{"queue"}),

		MessagesPushedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_pushed_total",
			Help: "Total messages pushed onto a queue.",
		}, []string{"queue"}),

		MessagesPoppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_popped_total",
			Help: "Total messages popped (reserved) from a queue.",
		}, []string{"queue"}),

		MessagesRequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_requeued_total",
			Help: "Total messages returned to Available, by client request or GC.",
		}, []string{"queue"}),

		MessagesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_deleted_total",
			Help: "Total messages permanently removed from a queue.",
		}, []string{"queue"}),

		MessagesGcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_gc_total",
			Help: "Total messages dropped by GC after exhausting their try budget.",
		}, []string{"queue"}),

		ReplicationLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replication_lag",
			Help: "Last assigned primary log index (next_index - 1) minus the minimum follower-confirmed index.",
		}, []string{"queue"}),

		ReplicationTickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "replication_tick_duration_seconds",
			Help:    "Duration of one primary replication tick against a destination, across every queue it carries.",
			Buckets: defaultTickBuckets,
		}, []string{"dest"}),

		ReplicationErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "replication_errors_total",
			Help: "Total replication tick failures against a destination, by classification.",
		}, []string{"dest", "kind"}),
	}

	registry.MustRegister(
		m.QueueDepth, m.QueueReserved,
		m.MessagesPushedTotal, m.MessagesPoppedTotal, m.MessagesRequeued,
		m.MessagesDeleted, m.MessagesGcTotal,
		m.ReplicationLag, m.ReplicationTickDuration, m.ReplicationErrorsTotal,
	)
	return m
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

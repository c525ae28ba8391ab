// Package metrics builds the Prometheus registry and the instruments shared
// by the workers, the connector manager, and the WebSocket hub. Instruments
// are created once at startup and passed explicitly; there is no default
// registry usage.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the service records.
type Metrics struct {
	registry *prometheus.Registry

	// JobDuration observes stage handler wall time per queue and result.
	JobDuration *prometheus.HistogramVec
	// JobsTotal counts processed jobs per queue and result
	// (ok, retry, dead_letter, stale_epoch).
	JobsTotal *prometheus.CounterVec
	// DLQTotal counts dead-lettered jobs per queue.
	DLQTotal *prometheus.CounterVec
	// QueueDepth tracks ready, pending, inflight, and dlq depths per queue.
	QueueDepth *prometheus.GaugeVec
	// BreakerState is 0 closed, 1 half-open, 2 open per provider.
	BreakerState *prometheus.GaugeVec
	// LivePullsTotal counts live-pull rounds per provider and result.
	LivePullsTotal *prometheus.CounterVec
	// WSConnections is the number of open WebSocket ingest connections.
	WSConnections prometheus.Gauge
}

// New builds the registry with Go runtime collectors plus the service
// instruments.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetpipe_job_duration_seconds",
			Help:    "Stage handler duration by queue and result.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "result"}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetpipe_jobs_total",
			Help: "Processed jobs by queue and result.",
		}, []string{"queue", "result"}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetpipe_dlq_total",
			Help: "Jobs moved to the dead-letter queue, by queue.",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetpipe_queue_depth",
			Help: "Queue depth by queue and kind (ready, pending, inflight, dlq).",
		}, []string{"queue", "kind"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetpipe_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
		}, []string{"provider"}),
		LivePullsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meetpipe_live_pulls_total",
			Help: "Live-pull rounds by provider and result.",
		}, []string{"provider", "result"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meetpipe_ws_connections",
			Help: "Open WebSocket ingest connections.",
		}),
	}

	registry.MustRegister(
		m.JobDuration, m.JobsTotal, m.DLQTotal, m.QueueDepth,
		m.BreakerState, m.LivePullsTotal, m.WSConnections,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

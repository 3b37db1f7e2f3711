package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exported by a teleporter server.
// Each server owns its own registry so tests can run listeners side by
// side without collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal     *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionDuration   prometheus.Histogram
	BytesReceived     prometheus.Counter
	ChunksReceived    prometheus.Counter
	PolicyRefusals    *prometheus.CounterVec
	DecryptFailures   prometheus.Counter
	FilesMaterialized prometheus.Counter
}

// NewMetrics creates and registers all server metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleporter_sessions_total",
				Help: "Completed receive sessions by result",
			},
			[]string{"result"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "teleporter_sessions_active",
				Help: "Currently active receive sessions",
			},
		),

		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "teleporter_session_duration_seconds",
				Help:    "Receive session duration distribution",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		BytesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "teleporter_bytes_received_total",
				Help: "Total file bytes written from data frames",
			},
		),

		ChunksReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "teleporter_chunks_received_total",
				Help: "Total data frames received",
			},
		),

		PolicyRefusals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "teleporter_policy_refusals_total",
				Help: "Transfers refused by destination policy",
			},
			[]string{"status"},
		),

		DecryptFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "teleporter_decrypt_failures_total",
				Help: "Frames rejected for failed AEAD authentication or a missing crypto context",
			},
		),

		FilesMaterialized: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "teleporter_files_materialized_total",
				Help: "Files renamed into place after a completed transfer",
			},
		),
	}
}

// Handler returns the HTTP handler serving this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

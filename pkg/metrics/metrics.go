// Package metrics defines the Prometheus metric collectors used by a node
// and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for a node. Each instance owns its
// own registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	DocsIndexedTotal     *prometheus.CounterVec
	IndexErrorsTotal     *prometheus.CounterVec
	ActiveSegments       *prometheus.GaugeVec
	RPCMessagesTotal     *prometheus.CounterVec
	RPCDecodeErrorsTotal prometheus.Counter
	RPCActiveConnections prometheus.Gauge
	RegistrationAttempts *prometheus.CounterVec
	SwitchboardRoundTrip *prometheus.HistogramVec
	IngestMessagesTotal  *prometheus.CounterVec
	MembershipNodeCount  prometheus.Gauge
}

// New creates a registry and registers all collectors on it.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_documents_indexed_total",
				Help: "Documents persisted by segment workers, by index and shard type.",
			},
			[]string{"index", "shard_type"},
		),
		IndexErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_index_errors_total",
				Help: "Indexing commands that failed, by index and reason.",
			},
			[]string{"index", "reason"},
		),
		ActiveSegments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "saga_active_segments",
				Help: "Segment workers currently running.",
			},
			[]string{"index", "shard_type"},
		),
		RPCMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_rpc_messages_total",
				Help: "Messages handled by the node processing loop, by type.",
			},
			[]string{"message_type"},
		),
		RPCDecodeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "saga_rpc_decode_errors_total",
				Help: "Frames received over RPC that could not be decoded.",
			},
		),
		RPCActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "saga_rpc_active_connections",
				Help: "Open inbound RPC connections.",
			},
		),
		RegistrationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_registration_attempts_total",
				Help: "Attempts to register with the metadata server, by result.",
			},
			[]string{"result"},
		),
		SwitchboardRoundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saga_switchboard_round_trip_seconds",
				Help:    "Time between submitting a message and receiving its reply.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"message_type"},
		),
		IngestMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_ingest_messages_total",
				Help: "Kafka ingest messages by status.",
			},
			[]string{"status"},
		),
		MembershipNodeCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "saga_membership_nodes",
				Help: "Nodes registered in the membership store.",
			},
		),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocsIndexedTotal,
		m.IndexErrorsTotal,
		m.ActiveSegments,
		m.RPCMessagesTotal,
		m.RPCDecodeErrorsTotal,
		m.RPCActiveConnections,
		m.RegistrationAttempts,
		m.SwitchboardRoundTrip,
		m.IngestMessagesTotal,
		m.MembershipNodeCount,
	)

	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler for this instance.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

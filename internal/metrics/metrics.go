// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Relay durations are dominated by how long the browser keeps the stream open.
var relayBuckets = []float64{.1, 1, 10, 30, 60, 300, 900, 1800, 3600}

// Metrics holds all Prometheus metric collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelaysActive  prometheus.Gauge
	RelayOutcomes *prometheus.CounterVec
	RelayDuration prometheus.Histogram
	BytesRelayed  prometheus.Counter
	EventsRelayed prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_monitor_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sse_monitor_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds (streams included).",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_monitor_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sse_monitor_upstream_response_header_seconds",
			Help:    "Time until upstream response headers arrived, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"transport"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_monitor_upstream_responses_total",
			Help: "Total upstream responses by transport and status code.",
		}, []string{"transport", "status_code"}),

		RelaysActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sse_monitor_relays_active",
			Help: "Number of relays currently open.",
		}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sse_monitor_relay_outcomes_total",
			Help: "Finished relays by terminal state.",
		}, []string{"outcome"}),

		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sse_monitor_relay_duration_seconds",
			Help:    "Lifetime of a relay from connect to close, in seconds.",
			Buckets: relayBuckets,
		}),

		BytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_monitor_relay_bytes_total",
			Help: "Upstream body bytes written to clients.",
		}),

		EventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sse_monitor_relay_events_total",
			Help: "Server-sent events forwarded to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelaysActive,
		m.RelayOutcomes,
		m.RelayDuration,
		m.BytesRelayed,
		m.EventsRelayed,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label for Prometheus metrics. Paths
// under one of the known routes collapse onto it; everything else is "other".
func NormalizeRoute(path string, known []string) string {
	for _, prefix := range known {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return prefix
		}
	}
	return "other"
}

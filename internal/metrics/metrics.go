// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Relays move whole files, so their durations run much longer.
var relayBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 3600}

// Relay outcomes, used as the "outcome" label.
const (
	OutcomeSuccess       = "success"
	OutcomeDownloadError = "download_error"
	OutcomeUploadError   = "upload_error"
	OutcomeProtocolError = "protocol_error"
	OutcomeCanceled      = "canceled"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelaysTotal    *prometheus.CounterVec
	RelayDuration  prometheus.Histogram
	RelayBytes     prometheus.Counter
	RelaysInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "url_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "url_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: relayBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "url_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "url_relay_upstream_response_duration_seconds",
			Help:    "Time until response headers from download sources and upload targets, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "url_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RelaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "url_relay_relays_total",
			Help: "Total relays by outcome.",
		}, []string{"outcome"}),

		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "url_relay_relay_duration_seconds",
			Help:    "End-to-end relay duration in seconds.",
			Buckets: relayBuckets,
		}),

		RelayBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "url_relay_relayed_bytes_total",
			Help: "Total file bytes read from download sources.",
		}),

		RelaysInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "url_relay_relays_in_flight",
			Help: "Number of relays currently running.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelaysTotal,
		m.RelayDuration,
		m.RelayBytes,
		m.RelaysInFlight,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Longer prefixes come first.
var knownPrefixes = []string{"/relay/status", "/relay", "/healthz", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

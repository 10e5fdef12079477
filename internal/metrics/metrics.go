// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	Rejections *prometheus.CounterVec

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RelayedBytes   prometheus.Counter
	RelayTruncated prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hidden_url_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hidden_url_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including body relay.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hidden_url_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hidden_url_proxy_rejections_total",
			Help: "Requests answered with an error envelope, by reason.",
		}, []string{"reason"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hidden_url_proxy_upstream_request_duration_seconds",
			Help:    "Origin time to response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"outcome"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hidden_url_proxy_upstream_responses_total",
			Help: "Total origin responses by status class.",
		}, []string{"status_class"}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hidden_url_proxy_relayed_bytes_total",
			Help: "Origin body bytes streamed to clients.",
		}),

		RelayTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hidden_url_proxy_relay_truncations_total",
			Help: "Relayed bodies cut at the byte ceiling.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.Rejections,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RelayedBytes,
		m.RelayTruncated,
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

// knownPaths lists the exact path label values; everything else is a proxy
// request on an arbitrary path.
var knownPaths = map[string]bool{
	"/health": true, "/proxy/status": true, "/metrics": true,
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "proxy"
}

// StatusClass maps a status code to "1xx".."5xx".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return string(rune('0'+code/100)) + "xx"
}

// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. LLM calls run far longer than
// typical REST calls, so the tail extends to several minutes.
var defaultBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	UsageRecords       *prometheus.CounterVec
	UsageTokens        *prometheus.CounterVec
	MeterFailures      *prometheus.CounterVec
	MeterTasksInFlight prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers arrive, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"provider", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_proxy_upstream_responses_total",
			Help: "Total upstream responses by provider, method and status code.",
		}, []string{"provider", "method", "status_code"}),

		UsageRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_proxy_usage_records_total",
			Help: "Usage records emitted to sinks.",
		}, []string{"provider"}),

		UsageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_proxy_usage_tokens_total",
			Help: "Tokens reported by upstream usage blocks.",
		}, []string{"provider", "kind"}),

		MeterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_proxy_meter_failures_total",
			Help: "Usage metering failures that were logged and swallowed.",
		}, []string{"provider", "stage"}),

		MeterTasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_proxy_meter_tasks_in_flight",
			Help: "Background stream metering tasks currently running.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UsageRecords,
		m.UsageTokens,
		m.MeterFailures,
		m.MeterTasksInFlight,
	)

	return m
}

// Meter failure stages.
const (
	StageParse  = "parse"
	StageRead   = "read"
	StageSink   = "sink"
	StageBuffer = "buffer"
)

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
var knownPrefixes = []string{
	"/proxy/anthropic", "/proxy/openai", "/proxy/google", "/proxy/openrouter",
	"/healthz", "/status", "/usage", "/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// Package monitoring defines the Prometheus metrics for the proxy. Mount
// promhttp.Handler() at /metrics to expose them.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_requests_total",
			Help: "Total number of proxied requests",
		},
		[]string{"dialect", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolbridge_request_duration_seconds",
			Help:    "Request duration in seconds, first byte to last byte",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"dialect", "endpoint"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_active_streams",
			Help: "Streaming responses currently in flight",
		},
	)

	// Upstream metrics
	UpstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_upstream_requests_total",
			Help: "Total number of upstream HTTP attempts",
		},
		[]string{"outcome"}, // success, transient, fatal, rejected
	)

	UpstreamRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolbridge_upstream_retries_total",
			Help: "Total number of upstream retries",
		},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "toolbridge_upstream_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
	)

	// Tool-call metrics
	ToolCallsExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_tool_calls_extracted_total",
			Help: "Tool calls extracted from model output",
		},
		[]string{"mode"}, // stream, unary
	)

	ToolPromptInjectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "toolbridge_tool_prompt_injections_total",
			Help: "Requests that received the tool-instruction prompt",
		},
	)

	// Catalog metrics
	CatalogLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolbridge_catalog_lookups_total",
			Help: "Model catalog lookups by cache result",
		},
		[]string{"result"}, // hit, miss, error
	)
)

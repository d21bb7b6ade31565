// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embed_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsActive tracks live embed sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "embed_sessions_active",
			Help: "Number of live embed sessions",
		},
	)

	// TurnsTotal tracks streamed turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_turns_total",
			Help: "Total streamed turns",
		},
		[]string{"app_id", "status"},
	)

	// TurnDuration tracks end-to-end streamed turn duration.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "embed_turn_duration_seconds",
			Help:    "Streamed turn duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"app_id"},
	)

	// HistoryLoads tracks history cache lookups by resolution.
	HistoryLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_history_loads_total",
			Help: "History cache lookups by resolution (exact, fallback, miss)",
		},
		[]string{"result"},
	)

	// StoreErrors tracks failed persistence operations.
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embed_store_errors_total",
			Help: "Failed key-value store operations",
		},
		[]string{"op"},
	)

	// SSEConnectionsActive tracks active downstream SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// BackendStreams tracks open upstream chat streams.
	BackendStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "backend_streams_active",
			Help: "Number of open upstream chat streams",
		},
	)

	// BackendRequestDuration tracks upstream API call duration.
	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Upstream API request duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "status"},
	)

	// JournalEvents tracks published journal events.
	JournalEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_events_total",
			Help: "Published journal events",
		},
		[]string{"kind"},
	)

	// JournalErrors tracks failed journal publishes.
	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "journal_errors_total",
			Help: "Failed journal publishes",
		},
	)
)

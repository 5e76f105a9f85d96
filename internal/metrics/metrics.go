package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "backend", "status"},
	)

	// ActiveSessions tracks currently active MCP sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshgate_active_sessions",
			Help: "Number of active MCP sessions",
		},
	)

	// SSEConnections tracks attached SSE streams
	SSEConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshgate_sse_connections",
			Help: "Number of attached SSE connections",
		},
	)

	// JobTransitions counts job state machine transitions
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_job_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"transition"},
	)

	// JobsQueued tracks the queued job backlog
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshgate_jobs_queued",
			Help: "Number of jobs currently queued",
		},
	)

	// LockConflicts counts project lock acquisition conflicts
	LockConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshgate_lock_conflicts_total",
			Help: "Total number of project lock acquisition conflicts",
		},
	)

	// EventsAppended counts events appended to project event logs
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshgate_events_appended_total",
			Help: "Total number of project events appended",
		},
		[]string{"kind"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if strings.HasPrefix(path, "/mcp/") {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, backend, status string) {
	ToolCalls.WithLabelValues(tool, backend, status).Inc()
}

// RecordJobTransition records a job state machine transition
func RecordJobTransition(transition string) {
	JobTransitions.WithLabelValues(transition).Inc()
}

// Package metrics provides Prometheus metrics collection for the engine.
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

// Outcome label values.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Queue metrics
	JobsEnqueued   *prometheus.CounterVec
	JobsPending    *prometheus.GaugeVec
	JobsScheduled  prometheus.Gauge
	JobsActive     prometheus.Gauge
	JobsCompleted  *prometheus.CounterVec
	JobRetries     prometheus.Counter
	QueueWaitTime  prometheus.Histogram

	// Provider metrics
	CallInitiations     *prometheus.CounterVec
	CallDuration        prometheus.Histogram
	StatusPolls         *prometheus.CounterVec
	StatusPollDuration  prometheus.Histogram
	CircuitBreakerState *prometheus.GaugeVec

	// Sink metrics
	SinkDeliveries *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge

	// Registry used for this metrics instance
	registry prometheus.Gatherer
}

// NewMetrics creates a Metrics instance registered on the default registry.
func NewMetrics() *Metrics {
	m := newMetricsWithRegistry(prometheus.DefaultRegisterer)
	m.registry = prometheus.DefaultGatherer
	return m
}

// NewMetricsWithRegistry creates metrics using a custom registry (for testing).
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	m := newMetricsWithRegistry(reg)
	m.registry = reg
	return m
}

func newMetricsWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dialqueue_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialqueue_http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Queue metrics
		JobsEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_jobs_enqueued_total",
				Help: "Total number of call jobs accepted by priority",
			},
			[]string{"priority"},
		),
		JobsPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dialqueue_jobs_pending",
				Help: "Number of call jobs waiting in queue by priority",
			},
			[]string{"priority"},
		),
		JobsScheduled: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialqueue_jobs_scheduled",
				Help: "Number of call jobs held for a future fire time",
			},
		),
		JobsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialqueue_jobs_active",
				Help: "Number of call jobs currently supervised",
			},
		),
		JobsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_jobs_completed_total",
				Help: "Total number of call jobs finished by terminal status",
			},
			[]string{"status"}, // "completed", "failed", "missed", "cancelled"
		),
		JobRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dialqueue_job_retries_total",
				Help: "Total number of call jobs re-enqueued after a failed attempt",
			},
		),
		QueueWaitTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dialqueue_queue_wait_seconds",
				Help:    "Time jobs spend in queue before dispatch",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
			},
		),

		// Provider metrics
		CallInitiations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_call_initiations_total",
				Help: "Total number of provider call initiations by outcome",
			},
			[]string{"outcome"}, // "success", "failure", "circuit_open"
		),
		CallDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dialqueue_call_duration_seconds",
				Help:    "Duration of completed calls",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),
		StatusPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_status_polls_total",
				Help: "Total number of status polls by source and outcome",
			},
			[]string{"source", "outcome"}, // source: "provider", "agent"
		),
		StatusPollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dialqueue_status_poll_duration_seconds",
				Help:    "Duration of status poll requests",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dialqueue_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		// Sink metrics
		SinkDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dialqueue_sink_deliveries_total",
				Help: "Total number of result deliveries to the backend by outcome",
			},
			[]string{"outcome"},
		),

		// Database metrics
		DBConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialqueue_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dialqueue_db_connections_in_use",
				Help: "Number of database connections currently in use",
			},
		),
	}
}

// Handler returns the Prometheus HTTP handler for scraping metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware returns an HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		m.HTTPRequestsTotal.WithLabelValues(
			r.Method,
			path,
			strconv.Itoa(wrapped.statusCode),
		).Inc()

		m.HTTPRequestDuration.WithLabelValues(
			r.Method,
			path,
		).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// normalizePath keeps label cardinality bounded.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/metrics":
		return path
	}

	if strings.HasPrefix(path, "/api/v1/calls/") {
		return "/api/v1/calls/:id"
	}
	return path
}

// Helper methods for recording specific events

// RecordEnqueue records an accepted call job.
func (m *Metrics) RecordEnqueue(priority string) {
	m.JobsEnqueued.WithLabelValues(priority).Inc()
}

// RecordCompletion records a job reaching a terminal status.
func (m *Metrics) RecordCompletion(status string, callDuration time.Duration) {
	m.JobsCompleted.WithLabelValues(status).Inc()
	if callDuration > 0 {
		m.CallDuration.Observe(callDuration.Seconds())
	}
}

// RecordRetry records a re-enqueued job.
func (m *Metrics) RecordRetry() {
	m.JobRetries.Inc()
}

// RecordInitiation records a provider call initiation.
func (m *Metrics) RecordInitiation(success bool) {
	outcome := outcomeFailure
	if success {
		outcome = outcomeSuccess
	}
	m.CallInitiations.WithLabelValues(outcome).Inc()
}

// RecordCircuitOpen records an initiation rejected by an open circuit.
func (m *Metrics) RecordCircuitOpen() {
	m.CallInitiations.WithLabelValues("circuit_open").Inc()
}

// RecordStatusPoll records one status poll against provider or agent.
func (m *Metrics) RecordStatusPoll(source string, success bool, duration time.Duration) {
	outcome := outcomeFailure
	if success {
		outcome = outcomeSuccess
	}
	m.StatusPolls.WithLabelValues(source, outcome).Inc()
	m.StatusPollDuration.Observe(duration.Seconds())
}

// RecordSinkDelivery records a result delivery attempt.
func (m *Metrics) RecordSinkDelivery(success bool) {
	outcome := outcomeFailure
	if success {
		outcome = outcomeSuccess
	}
	m.SinkDeliveries.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	m.CircuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// SetQueueDepths updates the queue depth gauges from a store snapshot.
func (m *Metrics) SetQueueDepths(pendingByPriority map[string]int, scheduled, active int) {
	for priority, count := range pendingByPriority {
		m.JobsPending.WithLabelValues(priority).Set(float64(count))
	}
	m.JobsScheduled.Set(float64(scheduled))
	m.JobsActive.Set(float64(active))
}

// UpdateDBConnections updates database connection metrics.
func (m *Metrics) UpdateDBConnections(open, inUse int) {
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
}

// ObserveQueueWait records the time a job waited before dispatch.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.QueueWaitTime.Observe(d.Seconds())
}

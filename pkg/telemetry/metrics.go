package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenflow/tokenflow/pkg/engine"
)

// Metrics provides Prometheus metrics for the engine. It implements engine.Metrics.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Execution tree metrics
	executionsCreated    prometheus.Counter
	executionsTerminated prometheus.Counter

	// Event metrics
	events     *prometheus.CounterVec
	joinsFired *prometheus.CounterVec

	// Error metrics
	validationErrors *prometheus.CounterVec

	// Timer metrics
	dueJobs     prometheus.Gauge
	timersFired *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Metrics = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of engine operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		executionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_created_total",
				Help:      "Total number of executions created",
			},
		),
		executionsTerminated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_terminated_total",
				Help:      "Total number of executions terminated",
			},
		),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of engine events by type",
			},
			[]string{"type"},
		),
		joinsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "joins_fired_total",
				Help:      "Total number of synchronizing gateways that fired",
			},
			[]string{"gateway_type"},
		),

		validationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_errors_total",
				Help:      "Total number of rejected requests by error code",
			},
			[]string{"code"},
		),

		dueJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "due_jobs",
				Help:      "Number of timer jobs found due by the last poll",
			},
		),
		timersFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timers_fired_total",
				Help:      "Total number of timer jobs fired by the scheduler",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.executionsCreated,
		m.executionsTerminated,
		m.events,
		m.joinsFired,
		m.validationErrors,
		m.dueJobs,
		m.timersFired,
	)

	return m, nil
}

// RecordOperation records an engine operation with its outcome and duration.
func (m *Metrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordExecutions records the executions created and terminated by one operation.
func (m *Metrics) RecordExecutions(created, terminated int) {
	if m.executionsCreated == nil {
		return
	}
	m.executionsCreated.Add(float64(created))
	m.executionsTerminated.Add(float64(terminated))
}

// RecordEvent counts an emitted engine event.
func (m *Metrics) RecordEvent(eventType string) {
	if m.events == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordJoinFired counts a synchronizing gateway that fired.
func (m *Metrics) RecordJoinFired(gatewayType string) {
	if m.joinsFired == nil {
		return
	}
	m.joinsFired.WithLabelValues(gatewayType).Inc()
}

// RecordValidationError counts a rejected request.
func (m *Metrics) RecordValidationError(code string) {
	if m.validationErrors == nil {
		return
	}
	m.validationErrors.WithLabelValues(code).Inc()
}

// SetDueJobs sets the number of jobs found due by the last scheduler poll.
func (m *Metrics) SetDueJobs(count int) {
	if m.dueJobs == nil {
		return
	}
	m.dueJobs.Set(float64(count))
}

// RecordTimerFired counts a timer job fired by the scheduler.
func (m *Metrics) RecordTimerFired(err error) {
	if m.timersFired == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.timersFired.WithLabelValues(outcome).Inc()
}

// Registry returns the registry holding the engine metrics, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics and returns a
// function that stops it. Serve errors are reported to logger.
func (m *Metrics) StartMetricsServer(logger *Logger) (func(context.Context) error, error) {
	if !m.config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server.Shutdown, nil
}

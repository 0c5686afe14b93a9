package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for reconciliation runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Dataset metrics
	datasetsReconciled *prometheus.CounterVec
	datasetDuration    *prometheus.HistogramVec
	datasetsConfigured prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec

	// Warehouse metrics
	warehouseCalls    *prometheus.CounterVec
	warehouseDuration *prometheus.HistogramVec
	warehouseErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Drift detection metrics
	driftDetections *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of reconciliation runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		datasetsReconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datasets_reconciled_total",
				Help:      "Total number of dataset reconciliations by outcome",
			},
			[]string{"outcome"},
		),
		datasetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dataset_reconcile_duration_seconds",
				Help:      "Duration of a single dataset reconciliation in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		datasetsConfigured: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "datasets_configured",
				Help:      "Number of datasets in the loaded configuration",
			},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of reconciliation steps by operation and status",
			},
			[]string{"operation", "status"},
		),

		warehouseCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_calls_total",
				Help:      "Total number of warehouse calls",
			},
			[]string{"backend", "method"},
		),
		warehouseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "warehouse_call_duration_seconds",
				Help:      "Duration of warehouse calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "method"},
		),
		warehouseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warehouse_errors_total",
				Help:      "Total number of failed warehouse calls",
			},
			[]string{"backend", "method", "code"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of detected differences by facet",
			},
			[]string{"facet"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.datasetsReconciled,
		m.datasetDuration,
		m.datasetsConfigured,
		m.stepsExecuted,
		m.warehouseCalls,
		m.warehouseDuration,
		m.warehouseErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.driftDetections,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs. Mode is "apply" or "plan".
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Dataset Metrics

// RecordDatasetReconciled records one dataset outcome ("converged", "drifted", "failed").
func (m *Metrics) RecordDatasetReconciled(outcome string, duration time.Duration) {
	if m.datasetsReconciled == nil {
		return
	}
	m.datasetsReconciled.WithLabelValues(outcome).Inc()
	m.datasetDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetDatasetsConfigured sets the number of configured datasets.
func (m *Metrics) SetDatasetsConfigured(count int) {
	if m.datasetsConfigured == nil {
		return
	}
	m.datasetsConfigured.Set(float64(count))
}

// RecordStep records one reconciliation step.
func (m *Metrics) RecordStep(operation, status string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, status).Inc()
}

// Warehouse Metrics

// RecordWarehouseCall records a warehouse call with its duration.
func (m *Metrics) RecordWarehouseCall(backend, method string, duration time.Duration) {
	if m.warehouseCalls == nil {
		return
	}
	m.warehouseCalls.WithLabelValues(backend, method).Inc()
	m.warehouseDuration.WithLabelValues(backend, method).Observe(duration.Seconds())
}

// RecordWarehouseError records a failed warehouse call.
func (m *Metrics) RecordWarehouseError(backend, method, code string) {
	if m.warehouseErrors == nil {
		return
	}
	m.warehouseErrors.WithLabelValues(backend, method, code).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Drift Metrics

// RecordDriftDetection records a difference found on a facet ("attributes", "replication", "access").
func (m *Metrics) RecordDriftDetection(facet string) {
	if m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(facet).Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
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

// MetricsServer serves the metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// StartMetricsServer starts an HTTP server exposing metrics. Serve errors are
// reported through logger. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) *MetricsServer {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return &MetricsServer{server: server}
}

// Shutdown stops the server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

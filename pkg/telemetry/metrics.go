package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for DataPulse.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Engine metrics
	engineExecutions *prometheus.CounterVec
	engineDuration   *prometheus.HistogramVec
	findingsEmitted  *prometheus.CounterVec

	// Dataset metrics
	rowsAnalyzed *prometheus.CounterVec
	datasetRows  *prometheus.GaugeVec

	// Narrative metrics
	narrativeCalls    *prometheus.CounterVec
	narrativeDuration *prometheus.HistogramVec
	narrativeErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Anomaly metrics
	anomaliesDetected *prometheus.CounterVec

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

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of analysis runs started",
			},
			[]string{"source"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of analysis runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of analysis run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Engine metrics
		engineExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_executions_total",
				Help:      "Total number of engine executions",
			},
			[]string{"engine", "status"},
		),
		engineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_duration_seconds",
				Help:      "Duration of engine execution in seconds",
				Buckets:   buckets,
			},
			[]string{"engine"},
		),
		findingsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_emitted_total",
				Help:      "Total number of findings emitted by engines",
			},
			[]string{"engine", "kind"},
		),

		// Dataset metrics
		rowsAnalyzed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_analyzed_total",
				Help:      "Total number of dataset rows analyzed",
			},
			[]string{"source"},
		),
		datasetRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "dataset_rows",
				Help:      "Row count of the most recently loaded dataset",
			},
			[]string{"dataset"},
		),

		// Narrative metrics
		narrativeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "narrative_calls_total",
				Help:      "Total number of narrative generation calls",
			},
			[]string{"narrator"},
		),
		narrativeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "narrative_call_duration_seconds",
				Help:      "Duration of narrative generation calls in seconds",
				Buckets:   buckets,
			},
			[]string{"narrator"},
		),
		narrativeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "narrative_errors_total",
				Help:      "Total number of narrative generation errors",
			},
			[]string{"narrator"},
		),

		// Error metrics
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

		// Anomaly metrics
		anomaliesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_detected_total",
				Help:      "Total number of anomalies detected",
			},
			[]string{"metric", "severity"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active analysis runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.engineExecutions,
		m.engineDuration,
		m.findingsEmitted,
		m.rowsAnalyzed,
		m.datasetRows,
		m.narrativeCalls,
		m.narrativeDuration,
		m.narrativeErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.anomaliesDetected,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(source string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(source).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Engine Metrics

// RecordEngineExecution records the execution of a single engine.
func (m *Metrics) RecordEngineExecution(engine, status string, duration time.Duration) {
	if m.engineExecutions == nil {
		return
	}
	m.engineExecutions.WithLabelValues(engine, status).Inc()
	m.engineDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordFindings records how many findings of a given kind an engine emitted.
func (m *Metrics) RecordFindings(engine, kind string, count int) {
	if m.findingsEmitted == nil {
		return
	}
	m.findingsEmitted.WithLabelValues(engine, kind).Add(float64(count))
}

// Dataset Metrics

// RecordRowsAnalyzed adds the number of rows processed for a source.
func (m *Metrics) RecordRowsAnalyzed(source string, rows int) {
	if m.rowsAnalyzed == nil {
		return
	}
	m.rowsAnalyzed.WithLabelValues(source).Add(float64(rows))
}

// SetDatasetRows sets the row count gauge for a dataset.
func (m *Metrics) SetDatasetRows(dataset string, rows int) {
	if m.datasetRows == nil {
		return
	}
	m.datasetRows.WithLabelValues(dataset).Set(float64(rows))
}

// Narrative Metrics

// RecordNarrativeCall records a narrative generation call with its duration.
func (m *Metrics) RecordNarrativeCall(narrator string, duration time.Duration) {
	if m.narrativeCalls == nil {
		return
	}
	m.narrativeCalls.WithLabelValues(narrator).Inc()
	m.narrativeDuration.WithLabelValues(narrator).Observe(duration.Seconds())
}

// RecordNarrativeError records a narrative generation error.
func (m *Metrics) RecordNarrativeError(narrator string) {
	if m.narrativeErrors == nil {
		return
	}
	m.narrativeErrors.WithLabelValues(narrator).Inc()
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

// Anomaly Metrics

// RecordAnomaly records a detected anomaly by metric and severity.
func (m *Metrics) RecordAnomaly(metric, severity string) {
	if m.anomaliesDetected == nil {
		return
	}
	m.anomaliesDetected.WithLabelValues(metric, severity).Inc()
}

// System Metrics

// SetActiveRuns sets the current number of active runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

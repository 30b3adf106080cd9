// Package telemetry provides observability instrumentation for DataPulse.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging analysis runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "datapulse"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithRunID("run-123").WithEngine("correlation")
//	logger.Info("Starting correlation analysis")
//	logger.WithError(err).Error("Engine failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into run flow and performance:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID)
//	defer span.End()
//
//	ctx, span = tel.Tracer.StartEngineSpan(ctx, runID, "volatility")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development)
//
// # Metrics
//
// Prometheus metrics track system behavior and performance:
//
//	tel.Metrics.RecordRunStarted("enrollment.csv")
//	tel.Metrics.RecordRunCompleted("succeeded", duration)
//	tel.Metrics.RecordEngineExecution("anomaly", "succeeded", duration)
//	tel.Metrics.RecordFindings("correlation", "strong_correlation", 4)
//	tel.Metrics.RecordError("validation", "MISSING_COLUMN")
//
// Key metrics exposed:
//
//   - datapulse_runs_started_total{source}
//   - datapulse_runs_completed_total{status}
//   - datapulse_run_duration_seconds{status}
//   - datapulse_engine_executions_total{engine,status}
//   - datapulse_engine_duration_seconds{engine}
//   - datapulse_findings_emitted_total{engine,kind}
//   - datapulse_anomalies_detected_total{metric,severity}
//   - datapulse_errors_by_class_total{class}
//   - datapulse_active_runs
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishRunStarted(runID, "enrollment.csv")
//	tel.Events.PublishEngineCompleted(runID, "dimensional", findings, duration)
//	tel.Events.PublishAnomalyDetected(runID, "rejection_rate", "critical", 4.2)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByEngine
//
// # Context Helpers
//
// High-level helpers simplify common instrumentation patterns:
//
//	// Instrument an operation
//	ic := telemetry.StartOperation(ctx, "roles.resolve")
//	defer ic.End(err)
//
//	// Run context
//	ctx = telemetry.WithRunContext(ctx, runID, source)
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	// Engine context
//	ctx = telemetry.WithEngineContext(ctx, runID, "correlation", metricCol)
//	defer telemetry.EndEngineContext(ctx, runID, "correlation", status, findings, err)
//
//	// Narrative call
//	err := telemetry.RecordNarrativeOperation(ctx, runID, "openai", func() error {
//	    return narrator.Narrate(ctx, abstract)
//	})
//
// # Configuration
//
// The package provides pre-configured setups for different environments:
//
//	// Development (verbose logging, stdout traces, full sampling)
//	cfg := telemetry.DevelopmentConfig()
//
//	// Production (JSON logs, OTLP traces, 10% sampling)
//	cfg := telemetry.ProductionConfig()
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
//
// This ensures all buffered events are published and all pending traces are
// exported before the process exits.
package telemetry

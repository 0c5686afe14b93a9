// Package telemetry provides observability instrumentation for dsync.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified
// system for monitoring reconciliation runs.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer()
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("replication")
//	logger = logger.WithRunID(runID).WithDataset("my-project", "analytics")
//	logger.Info("Reconciling replicas")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Run and Dataset Contexts
//
// A run opens a span, bumps the run counters and publishes a run event. Each
// dataset gets a child span and a logger carrying its reference:
//
//	ctx = telemetry.WithRunContext(ctx, runID, "apply", len(datasets))
//	defer telemetry.EndRunContext(ctx, runID, "apply", status, elapsed, err)
//
//	dctx := telemetry.WithDatasetContext(ctx, project, dataset)
//	defer telemetry.EndDatasetContext(dctx, "converged", elapsed, nil)
//
// Warehouse calls are wrapped so every call is timed and every failure is
// counted by error class and code:
//
//	err := telemetry.RecordWarehouseCall(ctx, "bigquery", "issue_ddl", ref, classify,
//	    func(ctx context.Context) error { return w.IssueDDL(ctx, stmt) })
//
// # Metrics
//
// Key metrics exposed (namespace "dsync"):
//
//   - dsync_runs_started_total{mode}
//   - dsync_runs_completed_total{mode,status}
//   - dsync_run_duration_seconds{mode}
//   - dsync_datasets_reconciled_total{outcome}
//   - dsync_steps_total{operation,status}
//   - dsync_warehouse_calls_total{backend,method}
//   - dsync_warehouse_errors_total{backend,method,code}
//   - dsync_errors_by_class_total{class}
//   - dsync_drift_detections_total{facet}
//   - dsync_active_runs
//   - dsync_datasets_configured
//
// Metrics are exposed via HTTP at /metrics (default: :9464/metrics).
//
// # Events
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Event filters: FilterByLevel, FilterByType, FilterByRunID, FilterByDataset
//
// # Exporters
//
// Tracing supports the "otlp" (OTLP/gRPC), "stdout" (pretty printed to stderr)
// and "none" exporters, selected by TracingConfig.Exporter.
package telemetry

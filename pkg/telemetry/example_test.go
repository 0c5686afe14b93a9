package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.StartMetricsServer()

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")
}

// Example_runInstrumentation demonstrates run and dataset contexts.
func Example_runInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Metrics.Enabled = false
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	start := time.Now()

	ctx = telemetry.WithRunContext(ctx, "run-123", "apply", 1)

	dctx := telemetry.WithDatasetContext(ctx, "my-project", "analytics")
	telemetry.FromContext(dctx).Info("Reconciling dataset")
	telemetry.EndDatasetContext(dctx, "converged", time.Since(start), nil)

	telemetry.EndRunContext(ctx, "run-123", "apply", "succeeded", time.Since(start), nil)
}

// Example_warehouseCall demonstrates wrapping a warehouse call.
func Example_warehouseCall() {
	tel := telemetry.NewNopTelemetry()
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	classify := func(err error) (string, string) { return "transient", "" }

	err := telemetry.RecordWarehouseCall(ctx, "bigquery", "issue_ddl", "my-project.analytics", classify,
		func(ctx context.Context) error {
			return errors.New("backend error")
		})
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("DDL failed")
	}
}

// Example_customSpan demonstrates an instrumented operation.
func Example_customSpan() {
	tel := telemetry.NewNopTelemetry()
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "grant", attribute.String("dataset", "my-project.analytics"))
	ic.Logger.Info("Granting access")
	ic.End(nil)
}

// Example_events demonstrates event subscription.
func Example_events() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Println(event.Type, event.Dataset)
	}, telemetry.FilterByType(telemetry.EventTypeDriftDetected))

	_ = tel.Events.PublishDriftDetected("run-1", "my-project.analytics", []string{"add_replica:eu"})
	_ = tel.Events.PublishRunStarted("run-1", "apply", 1)

	// Output:
	// drift.detected my-project.analytics
}

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(*Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "Logging.Level must be one of"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "Logging.Format must be one of"},
		{"no output", func(c *Config) { c.Logging.Output = "" }, "Logging.Output is required"},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, "Tracing.Exporter must be one of"},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Exporter = "otlp" }, "Tracing.Endpoint is required"},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "Tracing.SamplingRate must satisfy lte=1"},
		{"no listen", func(c *Config) { c.Metrics.ListenAddress = "" }, "Metrics.ListenAddress is required"},
		{"no listen when disabled", func(c *Config) { c.Metrics.Enabled = false; c.Metrics.ListenAddress = "" }, ""},
		{"no buffer", func(c *Config) { c.Events.BufferSize = 0 }, "Events.BufferSize is required"},
		{"no service", func(c *Config) { c.ServiceName = "" }, "ServiceName is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}

	// All recorders must be safe no-ops.
	m.RecordRunStarted("apply")
	m.RecordRunCompleted("apply", "succeeded", time.Second)
	m.RecordDatasetReconciled("converged", time.Second)
	m.SetDatasetsConfigured(3)
	m.RecordStep("add_replica", "succeeded")
	m.RecordWarehouseCall("memory", "issue_ddl", time.Millisecond)
	m.RecordWarehouseError("memory", "issue_ddl", "NOT_FOUND")
	m.RecordError("permanent", "NOT_FOUND")
	m.RecordDriftDetection("replication")

	if m.Registry() != nil {
		t.Error("disabled metrics must not have a registry")
	}
	if m.StartMetricsServer(NewNopLogger()) != nil {
		t.Error("disabled metrics must not start a server")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordRunStarted("apply")
	m.RecordStep("add_replica", "succeeded")
	m.RecordStep("add_replica", "succeeded")
	m.RecordStep("drop_replica", "failed")
	m.RecordError("transient", "")
	m.SetDatasetsConfigured(4)

	if got := testutil.ToFloat64(m.stepsExecuted.WithLabelValues("add_replica", "succeeded")); got != 2 {
		t.Errorf("add_replica steps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.datasetsConfigured); got != 4 {
		t.Errorf("configured datasets = %v, want 4", got)
	}

	m.RecordRunCompleted("apply", "succeeded", time.Second)
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("active runs after completion = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 0 {
		t.Errorf("empty error codes must not be counted, got %d series", got)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, MaxBatchSize: 2})
	if err != nil {
		t.Fatal(err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByDataset("p.d"))
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	_ = ep.PublishRunStarted("run-1", "apply", 1)
	_ = ep.PublishDriftDetected("run-1", "p.d", []string{"add_replica:eu"})
	_ = ep.PublishDriftDetected("run-1", "p.other", nil)
	_ = ep.PublishDatasetFailed("run-1", "p.d", 1, "boom")

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeDriftDetected || got[1].Type != EventTypeDatasetFailed {
		t.Errorf("unexpected events %v", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("publish must assign id and timestamp")
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    16,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 5; i++ {
		if err := ep.PublishConfigReloaded("dsync.yaml", i); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("delivered %d events, want 5", count)
	}
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.PublishRunFailed("r", "x"); err != nil {
		t.Fatal(err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRecordWarehouseCall(t *testing.T) {
	tel := NewNopTelemetry()
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	tel.Metrics = m
	ctx := tel.WithContext(context.Background())

	classify := func(error) (string, string) { return "permanent", "NOT_FOUND" }

	if err := RecordWarehouseCall(ctx, "memory", "get_dataset", "p.d", classify, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("missing")
	if err := RecordWarehouseCall(ctx, "memory", "get_dataset", "p.d", classify, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("error must pass through, got %v", err)
	}

	if got := testutil.ToFloat64(m.warehouseCalls.WithLabelValues("memory", "get_dataset")); got != 2 {
		t.Errorf("calls = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.warehouseErrors.WithLabelValues("memory", "get_dataset", "NOT_FOUND")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("permanent")); got != 1 {
		t.Errorf("errors by class = %v, want 1", got)
	}
}

func TestRecordWarehouseCall_NoTelemetry(t *testing.T) {
	called := false
	err := RecordWarehouseCall(context.Background(), "memory", "m", "t", nil, func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("fn must run without telemetry (called=%v, err=%v)", called, err)
	}
}

func TestDatasetContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewWriterLogger(&buf, "info").WithContext(context.Background())

	ctx = WithDatasetContext(ctx, "p", "analytics")
	FromContext(ctx).Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"project":"p"`) || !strings.Contains(out, `"dataset":"analytics"`) {
		t.Errorf("dataset fields missing from %q", out)
	}
}

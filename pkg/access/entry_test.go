package access

import (
	"context"
	"errors"
	"testing"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
	"github.com/openfroyo/dsync/pkg/warehouse/memory"
)

func liveReader() engine.AccessEntry {
	return engine.AccessEntry{
		Role:       "READER",
		EntityType: engine.EntityTypeUserByEmail,
		Properties: map[string]any{
			engine.EntityTypeUserByEmail: "analyst@example.com",
			"displayName":               "Analyst",
			"iamMember":                 nil,
		},
	}
}

func TestContainsEntry(t *testing.T) {
	live := []engine.AccessEntry{
		liveReader(),
		{
			EntityType: engine.EntityTypeView,
			Properties: map[string]any{
				"view": map[string]any{"projectId": "p", "datasetId": "reports", "tableId": "daily"},
			},
		},
	}

	tests := []struct {
		name      string
		candidate engine.AccessEntry
		want      bool
	}{
		{
			name:      "strict subset of live properties",
			candidate: engine.NewAccessEntry("READER", engine.EntityTypeUserByEmail, "analyst@example.com"),
			want:      true,
		},
		{
			name:      "role differs",
			candidate: engine.NewAccessEntry("WRITER", engine.EntityTypeUserByEmail, "analyst@example.com"),
			want:      false,
		},
		{
			name: "entity type differs",
			candidate: engine.AccessEntry{
				Role:       "READER",
				EntityType: engine.EntityTypeGroupByEmail,
				Properties: map[string]any{engine.EntityTypeUserByEmail: "analyst@example.com"},
			},
			want: false,
		},
		{
			name:      "property value differs",
			candidate: engine.NewAccessEntry("READER", engine.EntityTypeUserByEmail, "other@example.com"),
			want:      false,
		},
		{
			name: "candidate has extra property",
			candidate: engine.AccessEntry{
				Role:       "READER",
				EntityType: engine.EntityTypeUserByEmail,
				Properties: map[string]any{
					engine.EntityTypeUserByEmail: "analyst@example.com",
					"expires":                    "2030-01-01",
				},
			},
			want: false,
		},
		{
			name: "nested view subset",
			candidate: engine.AccessEntry{
				EntityType: engine.EntityTypeView,
				Properties: map[string]any{
					"view": map[string]any{"datasetId": "reports", "tableId": "daily"},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsEntry(live, tt.candidate); got != tt.want {
				t.Errorf("ContainsEntry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCovers_IsAsymmetric(t *testing.T) {
	live := liveReader()
	candidate := engine.NewAccessEntry("READER", engine.EntityTypeUserByEmail, "analyst@example.com")

	if !Covers(live, candidate) {
		t.Error("live entry should cover the minimal candidate")
	}
	if Covers(candidate, live) {
		t.Error("minimal entry must not cover the enriched one")
	}
}

func TestAddEntryIfAbsent(t *testing.T) {
	ds := engine.NewDataset("p", "d")
	ds.AccessEntries = []engine.AccessEntry{liveReader()}

	if AddEntryIfAbsent(ds, engine.NewAccessEntry("READER", engine.EntityTypeUserByEmail, "analyst@example.com")) {
		t.Error("covered entry must not be added")
	}
	if len(ds.AccessEntries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(ds.AccessEntries))
	}

	writer := engine.NewAccessEntry("WRITER", engine.EntityTypeGroupByEmail, "etl@example.com")
	if !AddEntryIfAbsent(ds, writer) {
		t.Error("new entry must be added")
	}
	if AddEntryIfAbsent(ds, writer) {
		t.Error("second add of the same entry must be a no-op")
	}
	if len(ds.AccessEntries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(ds.AccessEntries))
	}
}

func TestFlatten(t *testing.T) {
	flat := Flatten(engine.AccessEntry{
		Properties: map[string]any{
			"view":  map[string]any{"projectId": "p", "tableId": "t"},
			"gone":  nil,
			"label": map[string]string{"k": "v"},
		},
	})

	want := map[string]any{"view.projectId": "p", "view.tableId": "t", "label.k": "v"}
	if len(flat) != len(want) {
		t.Fatalf("Flatten() = %v, want %v", flat, want)
	}
	for k, v := range want {
		if flat[k] != v {
			t.Errorf("flat[%s] = %v, want %v", k, flat[k], v)
		}
	}
}

func TestReconciler_Grant(t *testing.T) {
	ctx := context.Background()
	wh := memory.New()
	ds := engine.NewDataset("p", "analytics")
	ds.AccessEntries = []engine.AccessEntry{liveReader()}
	wh.PutDataset(ds)

	r := NewReconciler(wh, telemetry.NewNopLogger())
	entry := engine.NewAccessEntry("WRITER", engine.EntityTypeGroupByEmail, "etl@example.com")

	step := r.Grant(ctx, "p", "analytics", entry, true)
	if step.Status != engine.StepStatusPlanned {
		t.Fatalf("dry run status = %s, want planned", step.Status)
	}
	if len(wh.MutatingCalls()) != 0 {
		t.Fatal("dry run must not mutate")
	}

	step = r.Grant(ctx, "p", "analytics", entry, false)
	if step.Status != engine.StepStatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", step.Status, step.Message)
	}
	if got := wh.Dataset("p", "analytics").AccessEntries; len(got) != 2 {
		t.Fatalf("expected 2 live entries, got %v", got)
	}

	wh.ResetCalls()
	step = r.Grant(ctx, "p", "analytics", entry, false)
	if step.Status != engine.StepStatusNoop {
		t.Errorf("repeat grant status = %s, want noop", step.Status)
	}
	if len(wh.MutatingCalls()) != 0 {
		t.Error("repeat grant must not issue a write")
	}
}

func TestReconciler_GrantFailures(t *testing.T) {
	ctx := context.Background()
	wh := memory.New()
	wh.PutDataset(engine.NewDataset("p", "d"))
	r := NewReconciler(wh, nil)
	entry := engine.NewAccessEntry("READER", engine.EntityTypeDomain, "example.com")

	step := r.Grant(ctx, "p", "missing", entry, false)
	if step.Status != engine.StepStatusFailed || !engine.IsNotFound(step.Err) {
		t.Errorf("expected not-found failure, got %s: %v", step.Status, step.Err)
	}

	stale := engine.NewPreconditionFailedError("etag mismatch", nil)
	wh.FailOnce(memory.MethodUpdateDataset, "p.d", stale)
	step = r.Grant(ctx, "p", "d", entry, false)
	if step.Status != engine.StepStatusFailed || !errors.Is(step.Err, stale) {
		t.Errorf("expected precondition failure, got %s: %v", step.Status, step.Err)
	}

	step = r.Grant(ctx, "p", "d", entry, false)
	if step.Status != engine.StepStatusSucceeded {
		t.Errorf("next run should converge, got %s: %v", step.Status, step.Err)
	}
}

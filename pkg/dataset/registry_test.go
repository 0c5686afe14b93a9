package dataset

import (
	"testing"
)

func sampleRaw() map[string]any {
	return map[string]any{
		"analytics": map[string]any{
			"location": "EU",
			"labels":   map[string]any{"env": "prod"},
		},
		"replicated": map[string]any{
			"replication": map[string]any{
				"replicas": []any{"us-east1", "us-west1"},
				"primary":  "us-east1",
			},
		},
		"bogus":  "not a mapping",
		"nested": []any{"also", "not"},
	}
}

func TestRegistry_RegisterAllSkipsNonMappings(t *testing.T) {
	r := NewRegistryFromRaw(sampleRaw())

	if r.Len() != 2 {
		t.Fatalf("expected 2 configs, got %d (%v)", r.Len(), r.Names())
	}
	if r.Contains("bogus") || r.Contains("nested") {
		t.Error("non-mapping entries must be skipped")
	}
	if !r.Contains("analytics") || !r.Contains("replicated") {
		t.Error("mapping entries must be registered")
	}

	cfg, ok := r.Lookup("analytics")
	if !ok {
		t.Fatal("lookup failed")
	}
	if cfg.Location != "EU" || cfg.Labels["env"] != "prod" {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if _, ok := r.Lookup("missing"); ok {
		t.Error("lookup of unknown name must fail")
	}
}

func TestRegistry_ValidateAll(t *testing.T) {
	r := NewRegistryFromRaw(map[string]any{
		"b": map[string]any{"replication": map[string]any{"replicas": []any{}}},
		"a": map[string]any{"location": ""},
		"c": map[string]any{},
	})

	errs := r.ValidateAll()
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0] != "Dataset location is required" {
		t.Errorf("errors must follow name order, got %v", errs)
	}
	if !containsMessage(errs[1:], "Dataset 'b': replication enabled but no replicas specified") {
		t.Errorf("missing replicas message, got %v", errs)
	}
}

func TestRegistry_SnapshotIsIndependent(t *testing.T) {
	r := NewRegistryFromRaw(sampleRaw())

	snap := r.Snapshot()
	snap["analytics"].Labels["env"] = "dev"
	delete(snap, "replicated")

	cfg, _ := r.Lookup("analytics")
	if cfg.Labels["env"] != "prod" {
		t.Error("snapshot mutation leaked into registry")
	}
	if !r.Contains("replicated") {
		t.Error("snapshot deletion leaked into registry")
	}

	looked, _ := r.Lookup("analytics")
	looked.Location = "US"
	again, _ := r.Lookup("analytics")
	if again.Location != "EU" {
		t.Error("lookup must return a copy")
	}
}

func TestRegistry_Reload(t *testing.T) {
	r := NewRegistryFromRaw(sampleRaw())
	r.Reload(map[string]any{"fresh": map[string]any{}})

	if names := r.Names(); len(names) != 1 || names[0] != "fresh" {
		t.Errorf("reload must replace contents, got %v", names)
	}

	r.RegisterAll(map[string]any{"extra": map[string]any{}})
	if r.Len() != 2 {
		t.Errorf("RegisterAll must merge, got %v", r.Names())
	}
}

package dataset

import (
	"strings"
	"testing"
)

func int64Ptr(v int64) *int64 { return &v }
func strPtr(v string) *string { return &v }

func containsMessage(msgs []string, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func TestFromRaw_Defaults(t *testing.T) {
	cfg := FromRaw("analytics", map[string]any{})

	if cfg.Location != DefaultLocation {
		t.Errorf("expected default location %q, got %q", DefaultLocation, cfg.Location)
	}
	if cfg.Labels == nil || len(cfg.Labels) != 0 {
		t.Errorf("expected empty non-nil labels, got %v", cfg.Labels)
	}
	if cfg.Replication != nil || cfg.HasReplication() {
		t.Error("replication should be absent")
	}
	if cfg.Description != nil || cfg.DefaultTableExpirationMs != nil || cfg.DefaultPartitionExpirationMs != nil {
		t.Error("optional fields should be absent")
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("expected valid config, got %v", errs)
	}
}

func TestFromRaw_ReplicationOnlyWhenTruthy(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want bool
	}{
		{"nil", nil, false},
		{"empty map", map[string]any{}, false},
		{"false", false, false},
		{"populated", map[string]any{"replicas": []any{"us-east1"}, "primary": "us-east1"}, true},
		{"yaml map", map[any]any{"replicas": []any{"eu"}, "primary": "eu"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromRaw("d", map[string]any{"replication": tt.raw})
			if got := cfg.Replication != nil; got != tt.want {
				t.Errorf("replication parsed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFromRaw_PrimaryLocationAlias(t *testing.T) {
	cfg := FromRaw("d", map[string]any{
		"replication": map[string]any{
			"replicas":         []any{"us-east1", "eu"},
			"primary_location": "eu",
		},
	})

	if cfg.Replication.Primary != "eu" {
		t.Errorf("expected primary eu, got %q", cfg.Replication.Primary)
	}
	if !cfg.HasReplication() {
		t.Error("replication should default to enabled")
	}
	if got := cfg.Replication.Replicas; len(got) != 2 || got[0] != "eu" || got[1] != "us-east1" {
		t.Errorf("replicas should be sorted, got %v", got)
	}
}

func TestConfig_RoundTrip(t *testing.T) {
	configs := []*Config{
		{
			Name:     "analytics",
			Location: "EU",
			Labels:   map[string]string{"env": "prod", "team": "data"},
		},
		{
			Name:                         "raw",
			Location:                     "US",
			Labels:                       map[string]string{},
			Description:                  strPtr("raw landing zone"),
			DefaultTableExpirationMs:     int64Ptr(86400000),
			DefaultPartitionExpirationMs: int64Ptr(0),
			Replication:                  NewReplicationPolicy([]string{"us-west1", "us-east1"}, "us-east1"),
		},
		{
			Name:        "archive",
			Location:    "us-central1",
			Labels:      map[string]string{},
			Description: strPtr(""),
			Replication: &ReplicationPolicy{Enabled: false, Replicas: []string{}},
		},
	}

	for _, original := range configs {
		t.Run(original.Name, func(t *testing.T) {
			restored := FromRaw(original.Name, original.ToRaw())

			if !original.Equal(restored) {
				t.Errorf("round trip mismatch:\n original: %+v\n restored: %+v", original.ToRaw(), restored.ToRaw())
			}
			if original.ContentHash() != restored.ContentHash() {
				t.Errorf("hash changed across round trip: %s != %s", original.ContentHash(), restored.ContentHash())
			}
		})
	}
}

func TestConfig_ContentHash(t *testing.T) {
	a := FromRaw("d", map[string]any{"location": "US", "labels": map[string]any{"a": "1", "b": "2"}})
	b := FromRaw("d", map[string]any{"labels": map[string]any{"b": "2", "a": "1"}, "location": "US"})
	c := FromRaw("d", map[string]any{"location": "EU", "labels": map[string]any{"a": "1", "b": "2"}})

	if len(a.ContentHash()) != 16 {
		t.Errorf("expected 16 hex characters, got %q", a.ContentHash())
	}
	if a.ContentHash() != b.ContentHash() {
		t.Error("hash must not depend on construction order")
	}
	if a.ContentHash() == c.ContentHash() {
		t.Error("configs differing in location must hash differently")
	}

	r1 := FromRaw("d", map[string]any{"replication": map[string]any{"replicas": []any{"a", "b"}, "primary": "a"}})
	r2 := FromRaw("d", map[string]any{"replication": map[string]any{"replicas": []any{"b", "a"}, "primary": "a"}})
	if r1.ContentHash() != r2.ContentHash() {
		t.Error("replica order must not affect the hash")
	}
}

func TestConfig_ToRawOmitsAbsentFields(t *testing.T) {
	raw := FromRaw("d", map[string]any{}).ToRaw()
	for _, key := range []string{"labels", "replication", "description", "default_table_expiration_ms", "default_partition_expiration_ms"} {
		if _, ok := raw[key]; ok {
			t.Errorf("expected %s to be omitted, got %v", key, raw[key])
		}
	}

	raw = FromRaw("d", map[string]any{"default_table_expiration_ms": 0}).ToRaw()
	if v, ok := raw["default_table_expiration_ms"]; !ok || v != int64(0) {
		t.Errorf("explicit zero expiration must be kept, got %v", raw)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want []string
	}{
		{
			name: "missing name",
			cfg:  &Config{Name: "", Location: "US"},
			want: []string{"Dataset name is required"},
		},
		{
			name: "missing location",
			cfg:  FromRaw("t", map[string]any{"location": ""}),
			want: []string{"Dataset location is required"},
		},
		{
			name: "null location",
			cfg:  FromRaw("t", map[string]any{"location": nil}),
			want: []string{"Dataset location is required"},
		},
		{
			name: "replication without replicas",
			cfg: FromRaw("t", map[string]any{
				"location":    "US",
				"replication": map[string]any{"enabled": true, "replicas": []any{}, "primary": "x"},
			}),
			want: []string{"no replicas specified", "primary replica 'x' is not in the replicas list"},
		},
		{
			name: "replication without primary",
			cfg: FromRaw("t", map[string]any{
				"replication": map[string]any{"replicas": []any{"eu"}},
			}),
			want: []string{"no primary specified"},
		},
		{
			name: "non-string replica",
			cfg: FromRaw("t", map[string]any{
				"replication": map[string]any{"replicas": []any{"eu", 42, ""}, "primary": "eu"},
			}),
			want: []string{"invalid replica location: 42", `invalid replica location: ""`},
		},
		{
			name: "non-string label",
			cfg:  FromRaw("t", map[string]any{"labels": map[string]any{"env": 1}}),
			want: []string{"labels must be string key-value pairs"},
		},
		{
			name: "bad label key",
			cfg:  FromRaw("t", map[string]any{"labels": map[string]any{"Env": "prod"}}),
			want: []string{`invalid label key "Env"`},
		},
		{
			name: "negative expiration",
			cfg:  FromRaw("t", map[string]any{"default_table_expiration_ms": -1}),
			want: []string{"DefaultTableExpirationMs must be >= 0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors")
			}
			for _, want := range tt.want {
				if !containsMessage(errs, want) {
					t.Errorf("expected a message containing %q, got %v", want, errs)
				}
			}
		})
	}
}

func TestConfig_ValidateDisabledReplication(t *testing.T) {
	cfg := FromRaw("t", map[string]any{
		"replication": map[string]any{"enabled": false},
	})

	if cfg.HasReplication() {
		t.Error("disabled replication must not count as configured")
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("disabled replication needs no replicas, got %v", errs)
	}
}

func TestConfig_CloneIsIndependent(t *testing.T) {
	cfg := FromRaw("d", map[string]any{
		"labels":                      map[string]any{"env": "prod"},
		"default_table_expiration_ms": 10,
		"replication":                 map[string]any{"replicas": []any{"eu"}, "primary": "eu"},
	})

	c := cfg.Clone()
	c.Labels["env"] = "dev"
	*c.DefaultTableExpirationMs = 20
	c.Replication.Replicas[0] = "us"

	if cfg.Labels["env"] != "prod" || *cfg.DefaultTableExpirationMs != 10 || cfg.Replication.Replicas[0] != "eu" {
		t.Error("clone shares state with the original")
	}
}

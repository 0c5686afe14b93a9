package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/dsync/pkg/dataset"
)

func writeProject(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbt_project.yml")
	writeProject(t, path, "datasets:\n  analytics:\n    location: EU\n")

	reg := dataset.NewRegistry()
	w := NewWatcher(path, "p", reg, 0, nil)

	var seen *Project
	w.OnReload(func(_ context.Context, p *Project) { seen = p })

	p, err := w.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if seen != p || w.Current() != p {
		t.Error("reload callback and Current must see the loaded project")
	}
	if !reg.Contains("analytics") {
		t.Fatal("registry not populated")
	}

	// An invalid file leaves the registry as it was.
	writeProject(t, path, "datasets:\n  staging:\n    replication:\n      enabled: true\n")
	if _, err := w.Reload(context.Background()); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected ErrInvalidProject, got %v", err)
	}
	if !reg.Contains("analytics") || reg.Contains("staging") {
		t.Error("invalid reload must not touch the registry")
	}
	if w.Current() != p {
		t.Error("Current must still be the last valid project")
	}

	// A broken file is a load error.
	writeProject(t, path, "datasets: [")
	if _, err := w.Reload(context.Background()); err == nil || errors.Is(err, ErrInvalidProject) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestWatcher_RunReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbt_project.yml")
	writeProject(t, path, "datasets:\n  analytics: {}\n")

	reg := dataset.NewRegistry()
	w := NewWatcher(path, "p", reg, 20*time.Millisecond, nil)

	reloaded := make(chan *Project, 16)
	w.OnReload(func(_ context.Context, p *Project) {
		select {
		case reloaded <- p:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Unrelated files in the directory are ignored.
	writeProject(t, filepath.Join(dir, "README.md"), "hello")

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for !reg.Contains("marts") {
		select {
		case <-tick.C:
			writeProject(t, path, "datasets:\n  analytics: {}\n  marts: {}\n")
		case <-reloaded:
		case <-deadline:
			t.Fatal("project file change was not picked up")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/stores"
)

const testProjectFile = `name: p
datasets:
  analytics:
    location: EU
    labels:
      env: prod
    replication:
      replicas: [us-east1]
      primary: us-east1
grants:
  - dataset: analytics
    role: READER
    entity_type: groupByEmail
    entity: analysts@example.com
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func initWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dsync.yaml")
	if _, err := execute(t, "init", "-c", cfgPath, "--project", "p", "--backend", "memory"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dbt_project.yml"), []byte(testProjectFile), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestInit_CreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dsync.yaml")

	out, err := execute(t, "init", "-c", cfgPath, "--project", "p", "--backend", "memory")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, f := range []string{"dsync.yaml", "dbt_project.yml", ".dsync/state.db"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("%s not created: %v", f, err)
		}
	}
	if !strings.Contains(out, "Next steps") {
		t.Errorf("unexpected output %q", out)
	}

	// The generated skeleton validates.
	if _, err := execute(t, "validate", "-c", cfgPath); err != nil {
		t.Errorf("validate skeleton: %v", err)
	}

	// Existing files are kept.
	before, _ := os.ReadFile(cfgPath)
	if _, err := execute(t, "init", "-c", cfgPath, "--project", "other"); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(before, after) {
		t.Error("init must not overwrite without --force")
	}
}

func TestValidate(t *testing.T) {
	cfgPath := initWorkspace(t)

	out, err := execute(t, "validate", "-c", cfgPath)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 datasets, 1 grants") {
		t.Errorf("unexpected output %q", out)
	}

	bad := filepath.Join(filepath.Dir(cfgPath), "bad.yml")
	if err := os.WriteFile(bad, []byte("datasets:\n  broken:\n    replication:\n      enabled: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "validate", "-c", cfgPath, "--project-file", bad)
	if !errors.Is(err, errInvalidProject) {
		t.Fatalf("expected errInvalidProject, got %v", err)
	}
	if !strings.Contains(out, "bad.yml:2") {
		t.Errorf("findings must carry file and line, got %q", out)
	}
	if ExitCode(err) != ExitError {
		t.Errorf("ExitCode = %d", ExitCode(err))
	}
}

func TestApplyAndHistory(t *testing.T) {
	cfgPath := initWorkspace(t)

	out, err := execute(t, "apply", "-c", cfgPath, "--json")
	if err != nil {
		t.Fatalf("apply: %v\n%s", err, out)
	}
	var run engine.RunReport
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("apply output is not a run report: %v\n%s", err, out)
	}
	if run.Status != engine.RunStatusSucceeded || run.Summary.Total != 1 || run.Summary.Drifted != 1 {
		t.Errorf("unexpected run %+v", run)
	}

	out, err = execute(t, "history", "-c", cfgPath, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var runs []*stores.RunRecord
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("unexpected history %s", out)
	}

	out, err = execute(t, "history", "show", run.ID, "-c", cfgPath, "--json")
	if err != nil {
		t.Fatal(err)
	}
	dec := json.NewDecoder(strings.NewReader(out))
	var saved engine.RunReport
	var events []*stores.Event
	if err := dec.Decode(&saved); err != nil {
		t.Fatal(err)
	}
	if err := dec.Decode(&events); err != nil {
		t.Fatal(err)
	}
	if saved.ID != run.ID || len(saved.Datasets) != 1 {
		t.Errorf("unexpected saved run %+v", saved)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	if len(types) == 0 || types[0] != "run.started" {
		t.Errorf("events = %v", types)
	}

	out, err = execute(t, "history", "applied", "-c", cfgPath, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var applied []*stores.AppliedConfig
	if err := json.Unmarshal([]byte(out), &applied); err != nil {
		t.Fatal(err)
	}
	if len(applied) != 1 || applied[0].Dataset != "analytics" || applied[0].ConfigHash != run.Datasets[0].ConfigHash {
		t.Errorf("unexpected applied configs %s", out)
	}

	out, err = execute(t, "history", "prune", "--older-than", "1ns", "-c", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Deleted 1 run(s)") {
		t.Errorf("unexpected prune output %q", out)
	}
}

func TestPlan_Text(t *testing.T) {
	cfgPath := initWorkspace(t)

	out, err := execute(t, "plan", "-c", cfgPath)
	if err != nil {
		t.Fatalf("plan: %v\n%s", err, out)
	}
	for _, want := range []string{"p.analytics [drifted]", "+ create_dataset EU", "+ add_replica us-east1", "+ grant_access"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
}

func TestPlan_UnknownDataset(t *testing.T) {
	cfgPath := initWorkspace(t)

	if _, err := execute(t, "plan", "-c", cfgPath, "--dataset", "missing"); err == nil {
		t.Fatal("expected an error for an undeclared dataset")
	}
}

func TestGrant(t *testing.T) {
	cfgPath := initWorkspace(t)

	// Each command opens a fresh in-memory warehouse, so the dataset does not exist.
	out, err := execute(t, "grant", "analytics", "-c", cfgPath,
		"--role", "READER", "--entity-type", "userByEmail", "--entity", "a@example.com", "--dry-run")
	if err == nil {
		t.Fatal("expected a failed grant on a missing dataset")
	}
	if !strings.Contains(out, "grant_access") || !strings.Contains(out, "(failed)") {
		t.Errorf("unexpected output %q", out)
	}

	_, err = execute(t, "grant", "analytics", "-c", cfgPath,
		"--role", "READER", "--entity-type", "view", "--entity", "reporting.v")
	if err == nil || !strings.Contains(err.Error(), "view grants take no role") {
		t.Errorf("expected a role error, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != ExitOK {
		t.Error("nil error must exit 0")
	}
	err := runResult(&engine.RunReport{Status: engine.RunStatusPartial, Summary: engine.RunSummary{Failed: 1}})
	if ExitCode(err) != ExitIncomplete {
		t.Errorf("partial run must exit %d, got %d", ExitIncomplete, ExitCode(err))
	}
	if ExitCode(errors.New("boom")) != ExitError {
		t.Error("other errors must exit 1")
	}
}

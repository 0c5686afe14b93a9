package config

import (
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/dsync/pkg/engine"
)

const datasetsProject = `
name: test_datasets
version: '1.0'
config-version: 2

profile: test

datasets:
  analytics:
    location: 'US'
    replication:
      enabled: true
      replicas:
        - us-east1
        - us-west1
      primary_location: us-east1
    labels:
      env: prod
      tier: critical

  staging:
    location: 'US'
    labels:
      env: dev

models:
  test_datasets:
    analytics:
      +schema: analytics
    staging:
      +schema: staging
    marts:
      +schema: marts
      +datasets:
        marts:
          location: EU
          description: ""
`

func TestParseProject_Datasets(t *testing.T) {
	p, err := ParseProject("dbt_project.yml", []byte(datasetsProject))
	if err != nil {
		t.Fatalf("ParseProject() error = %v", err)
	}

	if p.Name != "test_datasets" {
		t.Errorf("Name = %q", p.Name)
	}
	if got, want := p.DatasetNames(), []string{"analytics", "marts", "staging"}; !reflect.DeepEqual(got, want) {
		t.Errorf("DatasetNames() = %v, want %v", got, want)
	}
	if got, want := p.Schemas, []string{"analytics", "staging", "marts"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Schemas = %v, want %v", got, want)
	}
	if p.Line("analytics") != 9 {
		t.Errorf("Line(analytics) = %d, want 9", p.Line("analytics"))
	}

	reg := p.Registry()
	analytics, ok := reg.Lookup("analytics")
	if !ok {
		t.Fatal("analytics not registered")
	}
	if !analytics.HasReplication() || analytics.Labels["tier"] != "critical" {
		t.Errorf("unexpected analytics config %+v", analytics)
	}

	marts, ok := reg.Lookup("marts")
	if !ok {
		t.Fatal("marts from +datasets not registered")
	}
	if marts.Location != "EU" {
		t.Errorf("marts location = %q", marts.Location)
	}
	if marts.Description == nil || *marts.Description != "" {
		t.Error("an explicit empty description must be kept")
	}

	if findings := p.Validate("p"); len(findings) != 0 {
		t.Errorf("unexpected findings: %v", findings)
	}
}

func TestParseProject_EmptyDatasetIsDefaulted(t *testing.T) {
	p, err := ParseProject("f.yml", []byte("datasets:\n  raw:\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, ok := p.Registry().Lookup("raw")
	if !ok {
		t.Fatal("empty declaration must still register the dataset")
	}
	if cfg.Location != "US" {
		t.Errorf("Location = %q, want default US", cfg.Location)
	}
}

func TestParseProject_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"not yaml", "datasets: [", "failed to parse project file"},
		{"root list", "- a\n- b\n", "project file must be a mapping"},
		{"datasets list", "datasets:\n  - a\n", "f.yml:2: datasets must be a mapping"},
		{"grants mapping", "grants:\n  a: b\n", "grants must be a list"},
		{"grant scalar", "grants:\n  - analytics\n", "f.yml:2: grant must be a mapping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseProject("f.yml", []byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestProject_ValidateReportsLines(t *testing.T) {
	data := `datasets:
  good:
    location: EU
  bad:
    replication:
      enabled: true
    labels:
      Env: prod
models:
  proj:
    +schema: missing
`
	p, err := ParseProject("f.yml", []byte(data))
	if err != nil {
		t.Fatal(err)
	}

	findings := p.Validate("p")
	if !HasErrors(findings) {
		t.Fatal("expected errors")
	}

	var errorsAt4, warnings int
	for _, f := range findings {
		switch {
		case f.Severity == SeverityError && f.Line == 4 && f.Dataset == "bad":
			errorsAt4++
		case f.Severity == SeverityWarning:
			warnings++
			if f.Line != 11 || !strings.Contains(f.Message, "'missing'") {
				t.Errorf("unexpected warning %+v", f)
			}
		default:
			t.Errorf("unexpected finding %+v", f)
		}
	}
	// no replicas, no primary, invalid label key
	if errorsAt4 != 3 {
		t.Errorf("errors on line 4 = %d, want 3: %v", errorsAt4, findings)
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
	if got := findings[0].Error(); !strings.HasPrefix(got, "f.yml:4: Dataset 'bad'") {
		t.Errorf("Error() = %q", got)
	}
}

func TestProject_DuplicateDataset(t *testing.T) {
	data := `datasets:
  analytics: {}
models:
  proj:
    +datasets:
      analytics:
        location: EU
`
	p, err := ParseProject("f.yml", []byte(data))
	if err != nil {
		t.Fatal(err)
	}

	findings := p.Validate("p")
	if len(findings) != 1 || findings[0].Line != 6 || !strings.Contains(findings[0].Message, "already declared on line 2") {
		t.Fatalf("unexpected findings %v", findings)
	}
	cfg, _ := p.Registry().Lookup("analytics")
	if cfg.Location != "US" {
		t.Error("the first declaration must win")
	}
}

const grantsProject = `grants:
  - dataset: analytics
    role: READER
    entity_type: groupByEmail
    entity: analysts@example.com
  - dataset: analytics
    entity_type: view
    entity: reporting.v_sales
  - dataset: analytics
    entity_type: dataset
    entity: other-proj.shared
    target_types: [VIEWS]
datasets:
  analytics: {}
`

func TestProject_Grants(t *testing.T) {
	p, err := ParseProject("f.yml", []byte(grantsProject))
	if err != nil {
		t.Fatal(err)
	}

	grants := p.GrantsFor("analytics")
	if len(grants) != 3 {
		t.Fatalf("GrantsFor() = %d grants, want 3", len(grants))
	}
	if grants[0].Line != 2 || grants[1].Line != 6 || grants[2].Line != 9 {
		t.Errorf("unexpected grant lines %d %d %d", grants[0].Line, grants[1].Line, grants[2].Line)
	}
	if findings := p.Validate("my-proj"); len(findings) != 0 {
		t.Errorf("unexpected findings %v", findings)
	}

	group, err := grants[0].AccessEntry("my-proj")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(group, engine.NewAccessEntry("READER", "groupByEmail", "analysts@example.com")) {
		t.Errorf("unexpected group entry %+v", group)
	}

	view, err := grants[1].AccessEntry("my-proj")
	if err != nil {
		t.Fatal(err)
	}
	wantView := map[string]any{"view": map[string]any{
		"projectId": "my-proj", "datasetId": "reporting", "tableId": "v_sales",
	}}
	if view.Role != "" || !reflect.DeepEqual(view.Properties, wantView) {
		t.Errorf("unexpected view entry %+v", view)
	}

	ds, err := grants[2].AccessEntry("my-proj")
	if err != nil {
		t.Fatal(err)
	}
	wantDataset := map[string]any{"dataset": map[string]any{
		"dataset":     map[string]any{"projectId": "other-proj", "datasetId": "shared"},
		"targetTypes": []any{"VIEWS"},
	}}
	if !reflect.DeepEqual(ds.Properties, wantDataset) {
		t.Errorf("unexpected dataset entry %+v", ds.Properties)
	}
}

func TestGrant_Validate(t *testing.T) {
	tests := []struct {
		name    string
		grant   Grant
		wantErr string
	}{
		{"missing role", Grant{Dataset: "a", EntityType: "userByEmail", Entity: "x@y.z"}, "Role is required"},
		{"role on view", Grant{Dataset: "a", Role: "READER", EntityType: "view", Entity: "p.d.v"}, "view grants take no role"},
		{"bad entity type", Grant{Dataset: "a", Role: "READER", EntityType: "robot", Entity: "r"}, "EntityType must be one of"},
		{"missing entity", Grant{Dataset: "a", Role: "READER", EntityType: "domain"}, "Entity is required"},
		{"short view ref", Grant{Dataset: "a", EntityType: "view", Entity: "v"}, `invalid reference "v"`},
		{"empty ref part", Grant{Dataset: "a", EntityType: "routine", Entity: "p..r"}, "invalid reference"},
		{"target types on user", Grant{Dataset: "a", Role: "READER", EntityType: "userByEmail", Entity: "x", TargetTypes: []string{"VIEWS"}}, "target_types only apply"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := tt.grant.validate("p")
			if len(msgs) == 0 {
				t.Fatal("expected validation messages")
			}
			if !strings.Contains(strings.Join(msgs, "\n"), tt.wantErr) {
				t.Errorf("messages = %v, want substring %q", msgs, tt.wantErr)
			}
		})
	}
}

func TestGrant_UnqualifiedWithoutProject(t *testing.T) {
	g := Grant{Dataset: "a", EntityType: "dataset", Entity: "shared"}
	if _, err := g.AccessEntry(""); err == nil {
		t.Error("an unqualified reference needs a default project")
	}
	e, err := g.AccessEntry("p")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Properties["dataset"].(map[string]any)["targetTypes"]; ok {
		t.Error("targetTypes must be omitted when not declared")
	}
}

func TestProject_GrantOnUndeclaredDatasetWarns(t *testing.T) {
	data := "grants:\n  - dataset: legacy\n    role: READER\n    entity_type: domain\n    entity: example.com\n"
	p, err := ParseProject("f.yml", []byte(data))
	if err != nil {
		t.Fatal(err)
	}
	findings := p.Validate("p")
	if HasErrors(findings) || len(findings) != 1 || findings[0].Severity != SeverityWarning {
		t.Errorf("unexpected findings %v", findings)
	}
}

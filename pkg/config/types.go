package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/dsync/pkg/engine"
)

// Project is a loaded project file: the dataset declarations and grants.
type Project struct {
	// Name is the project's own name (the file's "name" key).
	Name string

	// File is the path the project was loaded from.
	File string

	// Datasets maps each declared dataset to its raw configuration, ready for
	// dataset.Registry.RegisterAll.
	Datasets map[string]any

	// Schemas lists the datasets referenced by models through "+schema".
	Schemas []string

	// Grants are the declared access grants, in file order.
	Grants []Grant

	// lines records where each dataset was declared.
	lines map[string]int

	// schemaLines records the first "+schema" reference of each schema.
	schemaLines map[string]int

	// problems are structural findings made while loading.
	problems []ValidationError
}

// Line returns the line a dataset was declared on, or 0.
func (p *Project) Line(dataset string) int {
	return p.lines[dataset]
}

// DatasetNames returns the declared dataset names, sorted.
func (p *Project) DatasetNames() []string {
	names := make([]string, 0, len(p.Datasets))
	for name := range p.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GrantsFor returns the grants declared for a dataset.
func (p *Project) GrantsFor(dataset string) []Grant {
	var out []Grant
	for _, g := range p.Grants {
		if g.Dataset == dataset {
			out = append(out, g)
		}
	}
	return out
}

// Grant is one declared access grant.
type Grant struct {
	// Dataset is the dataset receiving the grant.
	Dataset string `yaml:"dataset" validate:"required"`

	// Role is the granted role. It must be empty for view, routine and dataset grants.
	Role string `yaml:"role"`

	// EntityType is the kind of grantee (userByEmail, groupByEmail, view, ...).
	EntityType string `yaml:"entity_type" validate:"required,oneof=userByEmail groupByEmail domain specialGroup iamMember view routine dataset"`

	// Entity identifies the grantee. Views and routines are "project.dataset.name"
	// or "dataset.name"; datasets are "project.dataset" or "dataset".
	Entity string `yaml:"entity" validate:"required"`

	// TargetTypes restricts a dataset grant (e.g. VIEWS).
	TargetTypes []string `yaml:"target_types"`

	// Line is the line the grant starts on.
	Line int `yaml:"-"`
}

// authorizing reports whether the grant authorizes a resource rather than a principal.
func (g Grant) authorizing() bool {
	switch g.EntityType {
	case engine.EntityTypeView, engine.EntityTypeRoutine, engine.EntityTypeDataset:
		return true
	}
	return false
}

// AccessEntry converts the grant to the entry the access reconciler expects.
// Unqualified resource references are resolved against defaultProject.
func (g Grant) AccessEntry(defaultProject string) (engine.AccessEntry, error) {
	switch g.EntityType {
	case engine.EntityTypeView, engine.EntityTypeRoutine:
		project, dataset, name, err := splitRef(g.Entity, 3, defaultProject)
		if err != nil {
			return engine.AccessEntry{}, err
		}
		idKey := "tableId"
		if g.EntityType == engine.EntityTypeRoutine {
			idKey = "routineId"
		}
		return engine.AccessEntry{
			EntityType: g.EntityType,
			Properties: map[string]any{
				g.EntityType: map[string]any{
					"projectId": project,
					"datasetId": dataset,
					idKey:       name,
				},
			},
		}, nil

	case engine.EntityTypeDataset:
		project, dataset, _, err := splitRef(g.Entity, 2, defaultProject)
		if err != nil {
			return engine.AccessEntry{}, err
		}
		inner := map[string]any{
			"dataset": map[string]any{
				"projectId": project,
				"datasetId": dataset,
			},
		}
		if len(g.TargetTypes) > 0 {
			targets := make([]any, len(g.TargetTypes))
			for i, t := range g.TargetTypes {
				targets[i] = t
			}
			inner["targetTypes"] = targets
		}
		return engine.AccessEntry{
			EntityType: g.EntityType,
			Properties: map[string]any{engine.EntityTypeDataset: inner},
		}, nil

	default:
		return engine.NewAccessEntry(g.Role, g.EntityType, g.Entity), nil
	}
}

// splitRef splits a dotted resource reference of the given arity (3 for
// tables and routines, 2 for datasets). One component may be omitted, in
// which case the project defaults.
func splitRef(ref string, arity int, defaultProject string) (project, dataset, name string, err error) {
	parts := strings.Split(ref, ".")
	for _, p := range parts {
		if p == "" {
			return "", "", "", fmt.Errorf("invalid reference %q", ref)
		}
	}

	switch len(parts) {
	case arity:
	case arity - 1:
		if defaultProject == "" {
			return "", "", "", fmt.Errorf("reference %q has no project", ref)
		}
		parts = append([]string{defaultProject}, parts...)
	default:
		return "", "", "", fmt.Errorf("invalid reference %q", ref)
	}

	if arity == 3 {
		return parts[0], parts[1], parts[2], nil
	}
	return parts[0], parts[1], "", nil
}

// ValidationError is a problem found in a project file.
type ValidationError struct {
	// File is the project file.
	File string `json:"file,omitempty"`

	// Line is the line number where the problem was found (1-indexed, 0 when unknown).
	Line int `json:"line,omitempty"`

	// Dataset is the dataset the problem belongs to, if any.
	Dataset string `json:"dataset,omitempty"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// Severity is "error" or "warning". Warnings never block a run.
	Severity string `json:"severity"`
}

// Error implements error.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// Severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// AccessEntries converts every grant, keyed by dataset, in file order.
func (p *Project) AccessEntries(defaultProject string) (map[string][]engine.AccessEntry, error) {
	out := make(map[string][]engine.AccessEntry)
	for _, g := range p.Grants {
		entry, err := g.AccessEntry(defaultProject)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", p.File, g.Line, err)
		}
		out[g.Dataset] = append(out[g.Dataset], entry)
	}
	return out, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/dsync/pkg/dataset"
)

// Project file keys.
const (
	keyName          = "name"
	keyDatasets      = "datasets"
	keyModels        = "models"
	keyGrants        = "grants"
	keyModelDatasets = "+datasets"
	keyModelSchema   = "+schema"
)

// LoadProject reads and parses a project file.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	return ParseProject(path, data)
}

// ParseProject parses project file content. Datasets come from the top-level
// "datasets" block and from "+datasets" blocks anywhere under "models".
// Syntax errors fail the parse; content problems are reported by Validate.
func ParseProject(file string, data []byte) (*Project, error) {
	p := &Project{
		File:        file,
		Datasets:    make(map[string]any),
		lines:       make(map[string]int),
		schemaLines: make(map[string]int),
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse project file %s: %w", file, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return p, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s:%d: project file must be a mapping", file, root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		switch key.Value {
		case keyName:
			p.Name = value.Value
		case keyDatasets:
			if err := p.addDatasets(value); err != nil {
				return nil, err
			}
		case keyModels:
			if err := p.walkModels(value); err != nil {
				return nil, err
			}
		case keyGrants:
			if err := p.addGrants(value); err != nil {
				return nil, err
			}
		}
	}

	return p, nil
}

func (p *Project) addDatasets(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%s:%d: datasets must be a mapping", p.File, node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		name := key.Value

		if line, dup := p.lines[name]; dup {
			p.problems = append(p.problems, ValidationError{
				File:     p.File,
				Line:     key.Line,
				Dataset:  name,
				Message:  fmt.Sprintf("Dataset '%s' is already declared on line %d", name, line),
				Severity: SeverityError,
			})
			continue
		}

		var raw any
		if err := value.Decode(&raw); err != nil {
			return fmt.Errorf("%s:%d: dataset %s: %w", p.File, value.Line, name, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
		p.Datasets[name] = raw
		p.lines[name] = key.Line
	}
	return nil
}

// walkModels visits the models tree. Directory keys nest; "+datasets"
// declares datasets and "+schema" references one.
func (p *Project) walkModels(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case keyModelDatasets:
			if err := p.addDatasets(value); err != nil {
				return err
			}
		case keyModelSchema:
			if value.Kind == yaml.ScalarNode && value.Value != "" {
				p.Schemas = append(p.Schemas, value.Value)
				if _, ok := p.schemaLines[value.Value]; !ok {
					p.schemaLines[value.Value] = value.Line
				}
			}
		default:
			if err := p.walkModels(value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Project) addGrants(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%s:%d: grants must be a list", p.File, node.Line)
	}

	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return fmt.Errorf("%s:%d: grant must be a mapping", p.File, item.Line)
		}
		var g Grant
		if err := item.Decode(&g); err != nil {
			return fmt.Errorf("%s:%d: %w", p.File, item.Line, err)
		}
		g.Line = item.Line
		p.Grants = append(p.Grants, g)
	}
	return nil
}

// Registry builds a dataset registry from the declared datasets.
func (p *Project) Registry() *dataset.Registry {
	return dataset.NewRegistryFromRaw(p.Datasets)
}

// Validate checks every dataset declaration and grant. Findings are
// ordered by line. defaultProject resolves unqualified grant references.
func (p *Project) Validate(defaultProject string) []ValidationError {
	out := append([]ValidationError(nil), p.problems...)

	for _, name := range p.DatasetNames() {
		errAt := func(msg string) {
			out = append(out, ValidationError{
				File: p.File, Line: p.lines[name], Dataset: name, Message: msg, Severity: SeverityError,
			})
		}

		raw, ok := p.Datasets[name].(map[string]any)
		if !ok {
			errAt(fmt.Sprintf("Dataset '%s': configuration must be a mapping", name))
			continue
		}
		for _, msg := range dataset.FromRaw(name, raw).Validate() {
			errAt(msg)
		}
	}

	for _, schema := range uniqueSorted(p.Schemas) {
		if _, ok := p.Datasets[schema]; ok {
			continue
		}
		out = append(out, ValidationError{
			File:     p.File,
			Line:     p.schemaLines[schema],
			Dataset:  schema,
			Message:  fmt.Sprintf("Schema '%s' is used by models but has no dataset configuration", schema),
			Severity: SeverityWarning,
		})
	}

	for _, g := range p.Grants {
		for _, msg := range g.validate(defaultProject) {
			out = append(out, ValidationError{
				File: p.File, Line: g.Line, Dataset: g.Dataset, Message: msg, Severity: SeverityError,
			})
		}
		if _, ok := p.Datasets[g.Dataset]; g.Dataset != "" && !ok {
			out = append(out, ValidationError{
				File:     p.File,
				Line:     g.Line,
				Dataset:  g.Dataset,
				Message:  fmt.Sprintf("Grant targets dataset '%s', which is not declared", g.Dataset),
				Severity: SeverityWarning,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func (g Grant) validate(defaultProject string) []string {
	var msgs []string

	if err := validate.Struct(g); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			msgs = append(msgs, "grant: "+describe(fe))
		}
		return msgs
	}

	switch {
	case g.authorizing() && g.Role != "":
		msgs = append(msgs, fmt.Sprintf("grant: %s grants take no role", g.EntityType))
	case !g.authorizing() && g.Role == "":
		msgs = append(msgs, "grant: Role is required")
	}
	if len(g.TargetTypes) > 0 && g.EntityType != "dataset" {
		msgs = append(msgs, "grant: target_types only apply to dataset grants")
	}
	if _, err := g.AccessEntry(defaultProject); err != nil {
		msgs = append(msgs, "grant: "+err.Error())
	}
	return msgs
}

// Validate checks a single grant outside of a project file.
func (g Grant) Validate(defaultProject string) error {
	if msgs := g.validate(defaultProject); len(msgs) > 0 {
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// HasErrors reports whether any finding has error severity.
func HasErrors(findings []ValidationError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

package dataset

import (
	"sort"
	"sync"
)

// Registry holds the parsed configuration of every declared dataset, keyed by name.
// It is safe for concurrent use; reads never expose internal state.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Config)}
}

// NewRegistryFromRaw creates a registry and registers every entry of raw.
func NewRegistryFromRaw(raw map[string]any) *Registry {
	r := NewRegistry()
	r.RegisterAll(raw)
	return r
}

// RegisterAll parses and stores each (name, config) pair whose value is a mapping.
// Other values are skipped. Existing entries with the same name are replaced.
func (r *Registry) RegisterAll(raw map[string]any) {
	parsed := parseAll(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cfg := range parsed {
		r.configs[name] = cfg
	}
}

// Reload replaces the registry contents with the entries of raw.
func (r *Registry) Reload(raw map[string]any) {
	parsed := parseAll(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = parsed
}

func parseAll(raw map[string]any) map[string]*Config {
	parsed := make(map[string]*Config, len(raw))
	for name, v := range raw {
		m, ok := asMap(v)
		if !ok {
			continue
		}
		parsed[name] = FromRaw(name, m)
	}
	return parsed
}

// Lookup returns a copy of the named config.
func (r *Registry) Lookup(name string) (*Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[name]
	if !ok {
		return nil, false
	}
	return cfg.Clone(), true
}

// Contains reports whether name is registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[name]
	return ok
}

// ValidateAll concatenates the validation messages of every config,
// visiting configs in name order.
func (r *Registry) ValidateAll() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make([]string, 0)
	for _, name := range r.sortedNamesLocked() {
		errs = append(errs, r.configs[name].Validate()...)
	}
	return errs
}

// Snapshot returns an independent deep copy of the registered configs.
func (r *Registry) Snapshot() map[string]*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Config, len(r.configs))
	for name, cfg := range r.configs {
		out[name] = cfg.Clone()
	}
	return out
}

// Names returns the registered dataset names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNamesLocked()
}

// Len returns the number of registered configs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package applier reconciles the simple attributes of a dataset: location,
// description, labels and the default expirations.
//
// The merge is one-directional. A configured value overwrites the live one; an
// absent value leaves the live attribute untouched and never triggers an
// update. Description and expirations follow presence semantics, so an
// explicit "" or 0 is applied. Labels are applied only when non-empty and then
// replace the live label set.
package applier

import (
	"strings"

	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Attribute names reported by Diff.
const (
	AttrLocation                     = "location"
	AttrDescription                  = "description"
	AttrLabels                       = "labels"
	AttrDefaultTableExpirationMs     = "default_table_expiration_ms"
	AttrDefaultPartitionExpirationMs = "default_partition_expiration_ms"
)

// Apply writes every configured attribute of cfg onto ds and returns ds.
func Apply(ds *engine.Dataset, cfg *dataset.Config) *engine.Dataset {
	if cfg.Location != "" {
		ds.Location = cfg.Location
	}
	if cfg.Description != nil {
		ds.Description = *cfg.Description
	}
	if len(cfg.Labels) > 0 {
		ds.Labels = make(map[string]string, len(cfg.Labels))
		for k, v := range cfg.Labels {
			ds.Labels[k] = v
		}
	}
	if cfg.DefaultTableExpirationMs != nil {
		v := *cfg.DefaultTableExpirationMs
		ds.DefaultTableExpirationMs = &v
	}
	if cfg.DefaultPartitionExpirationMs != nil {
		v := *cfg.DefaultPartitionExpirationMs
		ds.DefaultPartitionExpirationMs = &v
	}
	return ds
}

// Diff lists the configured attributes whose live value differs, in a fixed order.
func Diff(ds *engine.Dataset, cfg *dataset.Config) []string {
	var diff []string

	if cfg.Location != "" && !strings.EqualFold(ds.Location, cfg.Location) {
		diff = append(diff, AttrLocation)
	}
	if cfg.Description != nil && ds.Description != *cfg.Description {
		diff = append(diff, AttrDescription)
	}
	if len(cfg.Labels) > 0 && !sameLabels(ds.Labels, cfg.Labels) {
		diff = append(diff, AttrLabels)
	}
	if cfg.DefaultTableExpirationMs != nil && !sameInt64(ds.DefaultTableExpirationMs, *cfg.DefaultTableExpirationMs) {
		diff = append(diff, AttrDefaultTableExpirationMs)
	}
	if cfg.DefaultPartitionExpirationMs != nil && !sameInt64(ds.DefaultPartitionExpirationMs, *cfg.DefaultPartitionExpirationMs) {
		diff = append(diff, AttrDefaultPartitionExpirationMs)
	}

	return diff
}

// NeedsUpdate reports whether any configured attribute differs from the live value.
func NeedsUpdate(ds *engine.Dataset, cfg *dataset.Config) bool {
	return len(Diff(ds, cfg)) > 0
}

// BuildNew returns a fresh dataset addressed by project and datasetID with cfg applied.
func BuildNew(project, datasetID string, cfg *dataset.Config) *engine.Dataset {
	return Apply(engine.NewDataset(project, datasetID), cfg)
}

// ReplicationPolicyFor returns the raw replication policy when replication is
// configured and enabled, and nil otherwise.
func ReplicationPolicyFor(cfg *dataset.Config) map[string]any {
	if cfg == nil || !cfg.HasReplication() {
		return nil
	}
	return cfg.Replication.ToRaw()
}

// sameLabels compares label sets; a nil live map is an empty one.
func sameLabels(live, want map[string]string) bool {
	if len(live) != len(want) {
		return false
	}
	for k, v := range want {
		if lv, ok := live[k]; !ok || lv != v {
			return false
		}
	}
	return true
}

func sameInt64(live *int64, want int64) bool {
	return live != nil && *live == want
}

// Applier resolves configs by schema name from a registry.
type Applier struct {
	registry *dataset.Registry
	logger   *telemetry.Logger
}

// New creates an Applier over registry.
func New(registry *dataset.Registry, logger *telemetry.Logger) *Applier {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Applier{
		registry: registry,
		logger:   logger.NewComponentLogger("applier"),
	}
}

// ApplyNamed applies the config registered for schema onto ds. Without a
// config ds is returned unchanged.
func (a *Applier) ApplyNamed(ds *engine.Dataset, schema string) *engine.Dataset {
	cfg, ok := a.registry.Lookup(schema)
	if !ok {
		a.logger.Debugf("No dataset configuration found for schema '%s'", schema)
		return ds
	}
	a.logger.Debugf("Applying dataset configuration for '%s'", schema)
	return Apply(ds, cfg)
}

// BuildNamed builds a new dataset with the config registered for schema applied.
func (a *Applier) BuildNamed(project, datasetID, schema string) *engine.Dataset {
	return a.ApplyNamed(engine.NewDataset(project, datasetID), schema)
}

// NeedsUpdateNamed reports whether ds differs from the config registered for
// schema. It is false when no config exists.
func (a *Applier) NeedsUpdateNamed(ds *engine.Dataset, schema string) bool {
	cfg, ok := a.registry.Lookup(schema)
	if !ok {
		return false
	}
	return NeedsUpdate(ds, cfg)
}

// ReplicationPolicyNamed returns the raw replication policy registered for schema, or nil.
func (a *Applier) ReplicationPolicyNamed(schema string) map[string]any {
	cfg, ok := a.registry.Lookup(schema)
	if !ok {
		return nil
	}
	return ReplicationPolicyFor(cfg)
}

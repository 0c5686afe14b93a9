package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultLocation is used when a dataset declares no location.
const DefaultLocation = "US"

// Config is the declared configuration of one dataset. It is built once per run from
// the project file and must be treated as read-only; Registry hands out copies.
//
// Description and the expirations use presence semantics: a nil pointer means
// "not configured", while a pointer to "" or 0 is applied as written.
type Config struct {
	// Name is the dataset (schema) name.
	Name string

	// Location is the dataset location.
	Location string

	// Replication is the desired replica topology; nil when not configured.
	Replication *ReplicationPolicy

	// Labels are the desired dataset labels.
	Labels map[string]string `validate:"omitempty,dive,keys,labelkey,endkeys,labelvalue"`

	// Description is the desired dataset description.
	Description *string

	// DefaultTableExpirationMs is the desired default table expiration.
	DefaultTableExpirationMs *int64 `validate:"omitempty,gte=0"`

	// DefaultPartitionExpirationMs is the desired default partition expiration.
	DefaultPartitionExpirationMs *int64 `validate:"omitempty,gte=0"`

	// problems are parse-time findings reported by Validate.
	problems []string
}

// FromRaw builds a Config from its raw mapping. It never fails: malformed values are
// kept out of the typed fields and reported by Validate instead.
func FromRaw(name string, raw map[string]any) *Config {
	c := &Config{
		Name:     name,
		Location: DefaultLocation,
		Labels:   map[string]string{},
	}

	// An explicit null clears the default and fails validation.
	if v, ok := raw["location"]; ok {
		switch s := v.(type) {
		case nil:
			c.Location = ""
		case string:
			c.Location = s
		default:
			c.Location = ""
			c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': location must be a string", name))
		}
	}

	if v, ok := raw["replication"]; ok && truthy(v) {
		if m, ok := asMap(v); ok {
			c.Replication = ReplicationPolicyFromRaw(m)
		} else {
			c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': replication must be a mapping", name))
		}
	}

	if v, ok := raw["labels"]; ok && v != nil {
		c.parseLabels(v)
	}

	if v, ok := raw["description"]; ok && v != nil {
		if s, ok := v.(string); ok {
			c.Description = &s
		} else {
			c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': description must be a string", name))
		}
	}

	c.DefaultTableExpirationMs = c.parseExpiration(raw, "default_table_expiration_ms")
	c.DefaultPartitionExpirationMs = c.parseExpiration(raw, "default_partition_expiration_ms")

	return c
}

func (c *Config) parseLabels(v any) {
	var raw map[any]any
	switch m := v.(type) {
	case map[any]any:
		raw = m
	default:
		sm, ok := asMap(v)
		if !ok {
			c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': labels must be string key-value pairs", c.Name))
			return
		}
		raw = make(map[any]any, len(sm))
		for k, val := range sm {
			raw[k] = val
		}
	}

	for k, val := range raw {
		ks, kok := k.(string)
		vs, vok := val.(string)
		if !kok || !vok {
			c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': labels must be string key-value pairs", c.Name))
			continue
		}
		c.Labels[ks] = vs
	}
}

func (c *Config) parseExpiration(raw map[string]any, key string) *int64 {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	n, ok := asInt64(v)
	if !ok {
		c.problems = append(c.problems, fmt.Sprintf("Dataset '%s': %s must be an integer", c.Name, key))
		return nil
	}
	return &n
}

// ToRaw converts the config back to a raw mapping. Absent optional fields and
// empty labels are omitted so the hash stays minimal.
func (c *Config) ToRaw() map[string]any {
	raw := map[string]any{
		"name":     c.Name,
		"location": c.Location,
	}

	if len(c.Labels) > 0 {
		labels := make(map[string]any, len(c.Labels))
		for k, v := range c.Labels {
			labels[k] = v
		}
		raw["labels"] = labels
	}

	if c.Replication != nil {
		raw["replication"] = c.Replication.ToRaw()
	}

	if c.Description != nil {
		raw["description"] = *c.Description
	}

	if c.DefaultTableExpirationMs != nil {
		raw["default_table_expiration_ms"] = *c.DefaultTableExpirationMs
	}

	if c.DefaultPartitionExpirationMs != nil {
		raw["default_partition_expiration_ms"] = *c.DefaultPartitionExpirationMs
	}

	return raw
}

// ContentHash returns the first 16 hex characters of the SHA-256 digest of the
// sorted-key JSON serialization of ToRaw.
func (c *Config) ContentHash() string {
	// encoding/json writes map keys in sorted order at every level.
	data, err := json.Marshal(c.ToRaw())
	if err != nil {
		// ToRaw only produces strings, bools, ints, slices and maps.
		panic(fmt.Sprintf("dataset: marshal config %s: %v", c.Name, err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// HasReplication reports whether replication is configured and enabled.
func (c *Config) HasReplication() bool {
	return c.Replication != nil && c.Replication.Enabled
}

// Validate returns every violated invariant as a human-readable message.
// It never stops at the first problem and never returns nil for an invalid config.
func (c *Config) Validate() []string {
	errs := make([]string, 0)

	if c.Name == "" {
		errs = append(errs, "Dataset name is required")
	}

	if c.Location == "" {
		errs = append(errs, "Dataset location is required")
	}

	if c.Replication != nil {
		errs = c.Replication.validate(c.Name, errs)
	}

	errs = append(errs, c.problems...)
	errs = append(errs, structErrors(c)...)

	return errs
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Labels != nil {
		cp.Labels = make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			cp.Labels[k] = v
		}
	}
	cp.Replication = c.Replication.Clone()
	if c.Description != nil {
		d := *c.Description
		cp.Description = &d
	}
	if c.DefaultTableExpirationMs != nil {
		v := *c.DefaultTableExpirationMs
		cp.DefaultTableExpirationMs = &v
	}
	if c.DefaultPartitionExpirationMs != nil {
		v := *c.DefaultPartitionExpirationMs
		cp.DefaultPartitionExpirationMs = &v
	}
	cp.problems = append([]string(nil), c.problems...)
	return &cp
}

// Equal compares two configs field by field. A nil label map equals an empty one.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Name != other.Name || c.Location != other.Location {
		return false
	}
	if !c.Replication.Equal(other.Replication) {
		return false
	}
	if len(c.Labels) != len(other.Labels) {
		return false
	}
	for k, v := range c.Labels {
		if ov, ok := other.Labels[k]; !ok || ov != v {
			return false
		}
	}
	return equalStringPtr(c.Description, other.Description) &&
		equalInt64Ptr(c.DefaultTableExpirationMs, other.DefaultTableExpirationMs) &&
		equalInt64Ptr(c.DefaultPartitionExpirationMs, other.DefaultPartitionExpirationMs)
}

// LabelKeys returns the label keys in sorted order.
func (c *Config) LabelKeys() []string {
	keys := make([]string, 0, len(c.Labels))
	for k := range c.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

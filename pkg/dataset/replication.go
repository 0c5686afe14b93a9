package dataset

import (
	"fmt"

	"github.com/openfroyo/dsync/pkg/engine"
)

// ReplicationPolicy is the desired multi-region replica topology of a dataset.
type ReplicationPolicy struct {
	// Enabled turns replica management on. Defaults to true when the block is present.
	Enabled bool

	// Replicas is the desired replica region set, sorted and de-duplicated.
	Replicas []string

	// Primary is the desired default replica; empty when unset.
	Primary string

	// invalid holds replica entries that were not strings.
	invalid []string
}

// NewReplicationPolicy builds an enabled policy.
func NewReplicationPolicy(replicas []string, primary string) *ReplicationPolicy {
	return &ReplicationPolicy{
		Enabled:  true,
		Replicas: engine.SortedSet(replicas),
		Primary:  primary,
	}
}

// ReplicationPolicyFromRaw parses a raw replication mapping.
// Accepted keys: enabled (default true), replicas, primary (alias primary_location).
func ReplicationPolicyFromRaw(raw map[string]any) *ReplicationPolicy {
	p := &ReplicationPolicy{Enabled: true, Replicas: []string{}}

	if v, ok := raw["enabled"]; ok && v != nil {
		if b, ok := v.(bool); ok {
			p.Enabled = b
		} else {
			p.Enabled = truthy(v)
		}
	}

	if v, ok := raw["replicas"]; ok && v != nil {
		if list, ok := asList(v); ok {
			regions := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					p.invalid = append(p.invalid, fmt.Sprint(item))
					continue
				}
				regions = append(regions, s)
			}
			p.Replicas = engine.SortedSet(regions)
		} else {
			p.invalid = append(p.invalid, fmt.Sprint(v))
		}
	}

	primary, ok := raw["primary"]
	if !ok || primary == nil {
		primary = raw["primary_location"]
	}
	if s, ok := primary.(string); ok {
		p.Primary = s
	}

	return p
}

// ToRaw converts the policy back to its raw mapping.
func (p *ReplicationPolicy) ToRaw() map[string]any {
	replicas := make([]any, len(p.Replicas))
	for i, r := range p.Replicas {
		replicas[i] = r
	}
	raw := map[string]any{
		"enabled":  p.Enabled,
		"replicas": replicas,
	}
	if p.Primary != "" {
		raw["primary"] = p.Primary
	}
	return raw
}

// Desired returns the policy as a replication state.
func (p *ReplicationPolicy) Desired() engine.ReplicationState {
	return engine.NewReplicationState(p.Replicas, p.Primary)
}

// HasReplica reports whether region is in the desired replica set.
func (p *ReplicationPolicy) HasReplica(region string) bool {
	for _, r := range p.Replicas {
		if r == region {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the policy.
func (p *ReplicationPolicy) Clone() *ReplicationPolicy {
	if p == nil {
		return nil
	}
	c := *p
	c.Replicas = append([]string(nil), p.Replicas...)
	c.invalid = append([]string(nil), p.invalid...)
	return &c
}

// Equal compares two policies field by field; nil and empty replica lists are equal.
func (p *ReplicationPolicy) Equal(other *ReplicationPolicy) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Enabled != other.Enabled || p.Primary != other.Primary {
		return false
	}
	if len(p.Replicas) != len(other.Replicas) {
		return false
	}
	for i := range p.Replicas {
		if p.Replicas[i] != other.Replicas[i] {
			return false
		}
	}
	return true
}

// validate appends the policy's violations to errs.
func (p *ReplicationPolicy) validate(name string, errs []string) []string {
	if p.Enabled {
		if len(p.Replicas) == 0 {
			errs = append(errs, fmt.Sprintf("Dataset '%s': replication enabled but no replicas specified", name))
		}
		if p.Primary == "" {
			errs = append(errs, fmt.Sprintf("Dataset '%s': replication enabled but no primary specified", name))
		}
	}

	for _, r := range p.Replicas {
		if r == "" {
			errs = append(errs, fmt.Sprintf("Dataset '%s': invalid replica location: %q", name, r))
		}
	}
	for _, r := range p.invalid {
		errs = append(errs, fmt.Sprintf("Dataset '%s': invalid replica location: %s", name, r))
	}

	if p.Primary != "" && !p.HasReplica(p.Primary) {
		errs = append(errs, fmt.Sprintf("Dataset '%s': primary replica '%s' is not in the replicas list", name, p.Primary))
	}

	return errs
}

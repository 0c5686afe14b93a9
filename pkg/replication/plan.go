// Package replication converges the multi-region replica topology of a dataset.
//
// A reconciliation observes the replica metadata, decides whether the observed
// topology differs from the desired one, then adds missing replicas, drops
// surplus ones and finally moves the primary. Nothing is persisted between
// calls; a step that fails is simply attempted again on the next run.
package replication

import (
	"fmt"

	"github.com/openfroyo/dsync/pkg/engine"
)

// Plan is the decision for one dataset.
type Plan struct {
	// Dataset is the "project.dataset" reference.
	Dataset string `json:"dataset"`

	// Observed is the replica topology read from the warehouse.
	Observed engine.ReplicationState `json:"observed"`

	// Desired is the configured replica topology.
	Desired engine.ReplicationState `json:"desired"`

	// NeedsUpdate is the outcome of the decide step.
	NeedsUpdate bool `json:"needs_update"`

	// Operations are the statements to issue, adds and drops before the primary change.
	Operations []engine.DDLStatement `json:"operations"`

	// PrimarySkipped is set when the desired primary is not one of the desired
	// replicas; the primary is then left alone.
	PrimarySkipped bool `json:"primary_skipped,omitempty"`
}

// NeedsUpdate reports whether observed differs from desired: the replica sets
// differ, or a primary is desired and the observed primary is another one.
func NeedsUpdate(observed, desired engine.ReplicationState) bool {
	if !observed.SameReplicas(desired) {
		return true
	}
	return desired.Primary != "" && observed.Primary != desired.Primary
}

// ComputeOperations returns the statements that converge observed to desired:
// one add per missing region, one drop per surplus region, then a primary
// change when needed. Regions are visited in sorted order. The second result
// is true when the primary change was skipped because the desired primary is
// not a desired replica.
func ComputeOperations(project, dataset string, observed, desired engine.ReplicationState) ([]engine.DDLStatement, bool) {
	ops := make([]engine.DDLStatement, 0)

	for _, region := range desired.Replicas {
		if !observed.Has(region) {
			ops = append(ops, engine.DDLStatement{Kind: engine.DDLAddReplica, Project: project, Dataset: dataset, Region: region})
		}
	}
	for _, region := range observed.Replicas {
		if !desired.Has(region) {
			ops = append(ops, engine.DDLStatement{Kind: engine.DDLDropReplica, Project: project, Dataset: dataset, Region: region})
		}
	}

	if desired.Primary == "" {
		return ops, false
	}
	if !desired.Has(desired.Primary) {
		return ops, true
	}
	if observed.Primary != desired.Primary {
		ops = append(ops, engine.DDLStatement{Kind: engine.DDLSetDefaultReplica, Project: project, Dataset: dataset, Region: desired.Primary})
	}
	return ops, false
}

// NewPlan decides and computes the operations for one dataset.
func NewPlan(project, dataset string, observed, desired engine.ReplicationState) *Plan {
	p := &Plan{
		Dataset:    engine.DatasetRef(project, dataset),
		Observed:   observed,
		Desired:    desired,
		Operations: make([]engine.DDLStatement, 0),
	}
	p.NeedsUpdate = NeedsUpdate(observed, desired)
	if p.NeedsUpdate {
		p.Operations, p.PrimarySkipped = ComputeOperations(project, dataset, observed, desired)
	}
	return p
}

// Summary renders the operations as "kind:region" strings.
func (p *Plan) Summary() []string {
	out := make([]string, len(p.Operations))
	for i, op := range p.Operations {
		out[i] = fmt.Sprintf("%s:%s", op.Kind, op.Region)
	}
	return out
}

// Report renders the plan as a report of planned steps without executing anything.
func (p *Plan) Report() *engine.Report {
	report := engine.NewReport(p.Dataset)
	report.Add(engine.StepResult{
		Operation: engine.OperationObserve,
		Target:    "replicas",
		Status:    engine.StepStatusSucceeded,
	})
	if !p.NeedsUpdate {
		return report
	}
	report.Drift = engine.DriftStatusDrifted
	for _, op := range p.Operations {
		report.Add(engine.StepResult{
			Operation: op.Operation(),
			Target:    op.Region,
			Status:    engine.StepStatusPlanned,
			Message:   op.SQL(),
		})
	}
	if p.PrimarySkipped {
		report.Add(engine.StepResult{
			Operation: engine.OperationSetPrimary,
			Target:    p.Desired.Primary,
			Status:    engine.StepStatusSkipped,
			Message:   fmt.Sprintf("primary %s is not one of the desired replicas", p.Desired.Primary),
		})
	}
	return report
}

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/dsync/pkg/applier"
	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Drift facets used as metric labels.
const (
	FacetAttributes  = "attributes"
	FacetReplication = "replication"
	FacetAccess      = "access"
)

// reconcileDataset converges one dataset: attributes, then replication, then grants.
func (r *Runner) reconcileDataset(ctx context.Context, runID string, cfg *dataset.Config, dryRun bool) engine.DatasetResult {
	start := time.Now()
	ref := engine.DatasetRef(r.project, cfg.Name)
	ctx = telemetry.WithDatasetContext(ctx, r.project, cfg.Name)
	log := telemetry.FromContext(ctx)

	result := engine.DatasetResult{
		Name:       cfg.Name,
		ConfigHash: cfg.ContentHash(),
		Changed:    r.changed(ctx, cfg),
		Report:     engine.NewReport(ref),
	}

	pending, err := r.reconcileAttributes(ctx, cfg, result.Report, dryRun)
	if err != nil {
		log.WithError(err).Error("Failed to observe dataset")
		result.Error = err.Error()
		result.Report.Drift = engine.DriftStatusUnknown
		r.finishDataset(ctx, runID, &result, time.Since(start), err)
		return result
	}

	r.reconcileReplication(ctx, cfg, result.Report, dryRun)
	r.reconcileGrants(ctx, cfg.Name, result.Report, dryRun, pending)

	r.finishDataset(ctx, runID, &result, time.Since(start), nil)
	return result
}

// changed compares the config hash with the last applied one. Without a
// recorder, or when the lookup fails, every config counts as changed.
func (r *Runner) changed(ctx context.Context, cfg *dataset.Config) bool {
	if r.recorder == nil {
		return true
	}
	last, err := r.recorder.LastAppliedHash(ctx, r.project, cfg.Name)
	if err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("Failed to read last applied configuration")
		return true
	}
	return last != cfg.ContentHash()
}

// reconcileAttributes creates the dataset or brings its attributes in line.
// It reports whether the dataset is still only planned for creation. The
// returned error means the dataset could not be observed.
func (r *Runner) reconcileAttributes(ctx context.Context, cfg *dataset.Config, report *engine.Report, dryRun bool) (bool, error) {
	log := telemetry.FromContext(ctx)

	start := time.Now()
	live, err := r.warehouse.GetDataset(ctx, r.project, cfg.Name)
	switch {
	case engine.IsNotFound(err):
		return r.createDataset(ctx, cfg, report, dryRun), nil
	case err != nil:
		return false, fmt.Errorf("observe %s: %w", engine.DatasetRef(r.project, cfg.Name), err)
	}
	report.Add(engine.StepResult{
		Operation: engine.OperationObserve,
		Target:    "attributes",
		Status:    engine.StepStatusSucceeded,
		Duration:  time.Since(start),
	})

	diff := applier.Diff(live, cfg)
	attrs := make([]string, 0, len(diff))
	for _, attr := range diff {
		if attr == applier.AttrLocation {
			report.Add(engine.StepResult{
				Operation: engine.OperationUpdateDataset,
				Target:    applier.AttrLocation,
				Status:    engine.StepStatusFailed,
				Err: engine.NewPermanentError(
					fmt.Sprintf("location is immutable: live %s, configured %s", live.Location, cfg.Location), nil).
					WithCode(engine.ErrCodeImmutableField).
					WithResource(live.Ref()),
			})
			log.WithFields(map[string]interface{}{
				"live":       live.Location,
				"configured": cfg.Location,
			}).Warn("Dataset location differs and cannot be changed")
			continue
		}
		attrs = append(attrs, attr)
	}
	if len(attrs) == 0 {
		return false, nil
	}

	step := engine.StepResult{
		Operation: engine.OperationUpdateDataset,
		Target:    strings.Join(attrs, ","),
	}
	if dryRun {
		step.Status = engine.StepStatusPlanned
		report.Add(step)
		return false, nil
	}

	desired := applier.Apply(live.Clone(), cfg)
	desired.Location = live.Location

	start = time.Now()
	_, err = r.warehouse.UpdateDataset(ctx, desired)
	step.Duration = time.Since(start)
	if err != nil {
		if engine.IsPreconditionFailed(err) {
			log.WithError(err).Warn("Dataset changed concurrently, update left for the next run")
		} else {
			log.WithError(err).Error("Failed to update dataset attributes")
		}
		step.Status = engine.StepStatusFailed
		step.Err = fmt.Errorf("update %s: %w", live.Ref(), err)
	} else {
		log.WithField("attributes", step.Target).Info("Dataset attributes updated")
		step.Status = engine.StepStatusSucceeded
	}
	report.Add(step)
	return false, nil
}

// createDataset creates a missing dataset with the configured attributes.
// It reports whether the creation was only planned.
func (r *Runner) createDataset(ctx context.Context, cfg *dataset.Config, report *engine.Report, dryRun bool) bool {
	log := telemetry.FromContext(ctx)
	ds := applier.BuildNew(r.project, cfg.Name, cfg)

	step := engine.StepResult{
		Operation: engine.OperationCreateDataset,
		Target:    ds.Location,
	}
	if dryRun {
		step.Status = engine.StepStatusPlanned
		report.Add(step)
		return true
	}

	start := time.Now()
	_, err := r.warehouse.CreateDataset(ctx, ds)
	step.Duration = time.Since(start)
	switch {
	case err == nil:
		log.WithField("location", ds.Location).Info("Dataset created")
		step.Status = engine.StepStatusSucceeded
	case engine.IsAlreadyExists(err):
		log.Debug("Dataset created concurrently")
		step.Status = engine.StepStatusSucceeded
		step.Message = "already exists"
	default:
		log.WithError(err).Error("Failed to create dataset")
		step.Status = engine.StepStatusFailed
		step.Err = fmt.Errorf("create %s: %w", ds.Ref(), err)
	}
	report.Add(step)
	return false
}

// reconcileReplication converges the replica topology when replication is enabled.
func (r *Runner) reconcileReplication(ctx context.Context, cfg *dataset.Config, report *engine.Report, dryRun bool) {
	policy := applier.ReplicationPolicyFor(cfg)
	if policy == nil {
		return
	}

	var (
		sub *engine.Report
		err error
	)
	if dryRun {
		plan, perr := r.replication.Plan(ctx, r.project, cfg.Name, dataset.ReplicationPolicyFromRaw(policy).Desired())
		if err = perr; err == nil {
			sub = plan.Report()
		}
	} else {
		sub, err = r.replication.ReconcilePolicy(ctx, r.project, cfg.Name, policy)
	}

	if err != nil {
		report.Add(engine.StepResult{
			Operation: engine.OperationObserve,
			Target:    "replicas",
			Status:    engine.StepStatusFailed,
			Err:       err,
		})
		if report.Drift == engine.DriftStatusInSync {
			report.Drift = engine.DriftStatusUnknown
		}
		return
	}
	report.Merge(sub)
}

// reconcileGrants makes sure every declared entry is present. When the
// dataset is only planned for creation, every grant is planned as well.
func (r *Runner) reconcileGrants(ctx context.Context, name string, report *engine.Report, dryRun, pending bool) {
	for _, entry := range r.grantsFor(name) {
		if pending {
			report.Add(engine.StepResult{
				Operation: engine.OperationGrantAccess,
				Target:    entry.String(),
				Status:    engine.StepStatusPlanned,
			})
			continue
		}
		if ctx.Err() != nil {
			report.Add(engine.Cancelled(engine.OperationGrantAccess, entry.String()))
			continue
		}
		report.Add(r.access.Grant(ctx, r.project, name, entry, dryRun))
	}
}

// finishDataset records the dataset's telemetry.
func (r *Runner) finishDataset(ctx context.Context, runID string, result *engine.DatasetResult, duration time.Duration, err error) {
	report := result.Report
	for _, step := range report.Steps {
		recordStep(ctx, step)
	}

	outcome := OutcomeConverged
	switch {
	case result.Error != "" || report.HasFailures():
		outcome = OutcomeFailed
	case report.Incomplete():
		outcome = OutcomeCancelled
	case report.Drift == engine.DriftStatusDrifted:
		outcome = OutcomeDrifted
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		if report.Drift == engine.DriftStatusDrifted {
			for _, facet := range driftFacets(report) {
				tel.Metrics.RecordDriftDetection(facet)
			}
			_ = tel.Events.PublishDriftDetected(runID, report.Dataset, report.Operations())
		}
		if result.Failed() {
			reason := result.Error
			if failed := report.Failed(); reason == "" && len(failed) > 0 {
				reason = failed[0].Message
			} else if reason == "" {
				reason = engine.StepMessageCancelled
			}
			_ = tel.Events.PublishDatasetFailed(runID, report.Dataset, len(report.Failed()), reason)
		} else {
			_ = tel.Events.PublishDatasetReconciled(runID, report.Dataset, report.Mutations(), duration)
		}
	}

	telemetry.EndDatasetContext(ctx, outcome, duration, err)
}

// recordStep counts a step and attaches it to the current span.
func recordStep(ctx context.Context, step engine.StepResult) {
	telemetry.AddStepEvent(telemetry.SpanFromContext(ctx), string(step.Operation), step.Target, string(step.Status), step.Message)
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordStep(string(step.Operation), string(step.Status))
	}
}

// driftFacets lists the facets whose steps imply a difference.
func driftFacets(report *engine.Report) []string {
	seen := make(map[string]bool)
	var facets []string
	for _, step := range report.Steps {
		if step.Status != engine.StepStatusSucceeded && step.Status != engine.StepStatusFailed && step.Status != engine.StepStatusPlanned {
			continue
		}
		var facet string
		switch step.Operation {
		case engine.OperationCreateDataset, engine.OperationUpdateDataset:
			facet = FacetAttributes
		case engine.OperationAddReplica, engine.OperationDropReplica, engine.OperationSetPrimary:
			facet = FacetReplication
		case engine.OperationGrantAccess:
			facet = FacetAccess
		default:
			continue
		}
		if !seen[facet] {
			seen[facet] = true
			facets = append(facets, facet)
		}
	}
	return facets
}

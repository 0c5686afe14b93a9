package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Warehouse is the part of engine.Warehouse the reconciler needs.
type Warehouse interface {
	engine.ReplicaMetadataReader
	engine.DDLExecutor
}

// Reconciler converges replica topology. It holds no per-dataset state and
// may be shared by concurrent workers.
type Reconciler struct {
	warehouse Warehouse
	logger    *telemetry.Logger
}

// NewReconciler creates a reconciler over warehouse.
func NewReconciler(warehouse Warehouse, logger *telemetry.Logger) *Reconciler {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Reconciler{
		warehouse: warehouse,
		logger:    logger.NewComponentLogger("replication"),
	}
}

// Observe reads the current replica topology. A dataset or metadata view that
// does not exist yields an empty state; any other failure is returned.
func (r *Reconciler) Observe(ctx context.Context, project, dataset string) (engine.ReplicationState, error) {
	rows, err := r.warehouse.QueryReplicaMetadata(ctx, project, dataset)
	if err != nil {
		if engine.IsNotFound(err) || engine.IsBadRequest(err) {
			r.logger.WithDataset(project, dataset).WithError(err).
				Warn("No replication metadata found, assuming no replicas")
			return engine.NewReplicationState(nil, ""), nil
		}
		return engine.ReplicationState{}, fmt.Errorf("observe replicas of %s: %w", engine.DatasetRef(project, dataset), err)
	}
	return engine.ReplicationStateFromRows(rows), nil
}

// Plan observes and decides without mutating.
func (r *Reconciler) Plan(ctx context.Context, project, dataset string, desired engine.ReplicationState) (*Plan, error) {
	observed, err := r.Observe(ctx, project, dataset)
	if err != nil {
		return nil, err
	}
	return NewPlan(project, dataset, observed, desired), nil
}

// Reconcile converges project.dataset toward desired. Only an observation
// failure is returned as an error; every mutation outcome is recorded in the
// report and a failed step never stops the remaining ones.
func (r *Reconciler) Reconcile(ctx context.Context, project, dataset string, desired engine.ReplicationState) (*engine.Report, error) {
	ref := engine.DatasetRef(project, dataset)
	log := r.logger.WithDataset(project, dataset)
	report := engine.NewReport(ref)

	start := time.Now()
	plan, err := r.Plan(ctx, project, dataset, desired)
	if err != nil {
		return nil, err
	}
	report.Add(engine.StepResult{
		Operation: engine.OperationObserve,
		Target:    "replicas",
		Status:    engine.StepStatusSucceeded,
		Duration:  time.Since(start),
	})

	if !plan.NeedsUpdate {
		log.Debug("Replication already in sync")
		return report, nil
	}
	report.Drift = engine.DriftStatusDrifted

	log.WithFields(map[string]interface{}{
		"observed":   plan.Observed.Replicas,
		"desired":    plan.Desired.Replicas,
		"operations": plan.Summary(),
	}).Info("Converging replication")

	for _, stmt := range plan.Operations {
		if err := ctx.Err(); err != nil {
			report.Add(engine.Cancelled(stmt.Operation(), stmt.Region))
			continue
		}
		report.Add(r.execute(ctx, log, stmt))
	}

	if plan.PrimarySkipped {
		log.WithField("primary", desired.Primary).
			Warn("Primary replica is not in the desired replicas, skipping primary update")
		report.Add(engine.StepResult{
			Operation: engine.OperationSetPrimary,
			Target:    desired.Primary,
			Status:    engine.StepStatusSkipped,
			Message:   fmt.Sprintf("primary %s is not one of the desired replicas", desired.Primary),
		})
	}

	return report, nil
}

// ReconcilePolicy converges toward a raw policy as returned by
// applier.ReplicationPolicyFor. A nil policy is a no-op.
func (r *Reconciler) ReconcilePolicy(ctx context.Context, project, datasetID string, policy map[string]any) (*engine.Report, error) {
	if policy == nil {
		return engine.NewReport(engine.DatasetRef(project, datasetID)), nil
	}
	return r.Reconcile(ctx, project, datasetID, dataset.ReplicationPolicyFromRaw(policy).Desired())
}

// execute issues one statement and classifies the outcome.
func (r *Reconciler) execute(ctx context.Context, log *telemetry.Logger, stmt engine.DDLStatement) engine.StepResult {
	start := time.Now()
	step := engine.StepResult{Operation: stmt.Operation(), Target: stmt.Region}
	log = log.WithOperation(string(step.Operation)).WithField("region", stmt.Region)

	err := r.warehouse.IssueDDL(ctx, stmt)
	step.Duration = time.Since(start)

	switch {
	case err == nil:
		log.Info("Replica statement applied")
		step.Status = engine.StepStatusSucceeded

	case stmt.Kind == engine.DDLAddReplica && engine.IsAlreadyExists(err):
		log.Debug("Replica already exists")
		step.Status = engine.StepStatusSucceeded
		step.Message = "already exists"

	case stmt.Kind == engine.DDLDropReplica && engine.IsNotFound(err):
		log.Debug("Replica already absent")
		step.Status = engine.StepStatusSucceeded
		step.Message = "already absent"

	default:
		log.WithError(err).Error("Replica statement failed")
		step.Status = engine.StepStatusFailed
		step.Err = wrapStepError(stmt, err)
	}

	return step
}

func wrapStepError(stmt engine.DDLStatement, err error) error {
	return fmt.Errorf("%s %s on %s: %w", stmt.Operation(), stmt.Region, engine.DatasetRef(stmt.Project, stmt.Dataset), err)
}

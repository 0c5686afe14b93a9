package access

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Reconciler grants access entries on live datasets.
type Reconciler struct {
	store  engine.DatasetStore
	logger *telemetry.Logger
}

// NewReconciler creates a reconciler backed by store.
func NewReconciler(store engine.DatasetStore, logger *telemetry.Logger) *Reconciler {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Reconciler{
		store:  store,
		logger: logger.NewComponentLogger("access"),
	}
}

// Grant makes sure entry is present on project.dataset. The live dataset is
// read, the entry is added only if no live entry covers it, and the result is
// written back conditioned on the observed ETag. With dryRun the write is
// replaced by a planned step.
func (r *Reconciler) Grant(ctx context.Context, project, dataset string, entry engine.AccessEntry, dryRun bool) engine.StepResult {
	start := time.Now()
	step := engine.StepResult{
		Operation: engine.OperationGrantAccess,
		Target:    entry.String(),
	}
	log := r.logger.WithDataset(project, dataset).WithField("entry", step.Target)

	finish := func(status engine.StepStatus, err error) engine.StepResult {
		step.Status = status
		step.Err = err
		if err != nil {
			step.Message = err.Error()
		}
		step.Duration = time.Since(start)
		return step
	}

	live, err := r.store.GetDataset(ctx, project, dataset)
	if err != nil {
		log.WithError(err).Warn("Failed to read dataset for access grant")
		return finish(engine.StepStatusFailed, fmt.Errorf("read dataset %s: %w", engine.DatasetRef(project, dataset), err))
	}

	desired := live.Clone()
	if !AddEntryIfAbsent(desired, entry) {
		log.Debug("Access entry already present")
		return finish(engine.StepStatusNoop, nil)
	}

	if dryRun {
		log.Info("Access entry would be granted")
		return finish(engine.StepStatusPlanned, nil)
	}

	if _, err := r.store.UpdateDataset(ctx, desired); err != nil {
		if engine.IsPreconditionFailed(err) {
			log.WithError(err).Warn("Dataset changed concurrently, grant left for the next run")
		} else {
			log.WithError(err).Error("Failed to grant access entry")
		}
		return finish(engine.StepStatusFailed, fmt.Errorf("grant on %s: %w", engine.DatasetRef(project, dataset), err))
	}

	log.Info("Access entry granted")
	return finish(engine.StepStatusSucceeded, nil)
}

// Package orchestrator runs the reconcilers over every configured dataset.
//
// A run visits each dataset once, with bounded parallelism. Per dataset the
// live attributes are observed first (creating the dataset when it does not
// exist), then replication and access grants are converged. Every step is
// recorded in the dataset's report; a failed step never stops the others and
// the residual drift is left for the next run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/dsync/pkg/access"
	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/replication"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// Run modes used as metric labels.
const (
	ModeApply = "apply"
	ModePlan  = "plan"
)

// Dataset outcomes used as metric labels.
const (
	OutcomeConverged = "converged"
	OutcomeDrifted   = "drifted"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// ErrInvalidConfig is returned when the registry holds invalid configurations.
var ErrInvalidConfig = errors.New("invalid dataset configuration")

// Options controls a single run.
type Options struct {
	// DryRun observes and plans without mutating anything.
	DryRun bool

	// SkipValidation runs even when some configurations are invalid.
	SkipValidation bool

	// Datasets restricts the run to the named datasets; empty means all.
	Datasets []string
}

// Runner reconciles the datasets of one warehouse project.
type Runner struct {
	project     string
	warehouse   engine.Warehouse
	registry    *dataset.Registry
	recorder    engine.RunRecorder
	access      *access.Reconciler
	replication *replication.Reconciler
	concurrency int
	logger      *telemetry.Logger
	now         func() time.Time

	mu     sync.RWMutex
	grants map[string][]engine.AccessEntry
}

// Option configures a Runner.
type Option func(*Runner)

// WithConcurrency bounds the number of datasets reconciled at once.
func WithConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder persists finished runs and applied configuration hashes.
func WithRecorder(recorder engine.RunRecorder) Option {
	return func(r *Runner) {
		r.recorder = recorder
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a runner for project over warehouse and registry.
func New(project string, warehouse engine.Warehouse, registry *dataset.Registry, opts ...Option) *Runner {
	r := &Runner{
		project:     project,
		warehouse:   warehouse,
		registry:    registry,
		concurrency: 4,
		logger:      telemetry.NewNopLogger(),
		now:         time.Now,
		grants:      make(map[string][]engine.AccessEntry),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.NewComponentLogger("orchestrator")
	r.access = access.NewReconciler(warehouse, r.logger)
	r.replication = replication.NewReconciler(warehouse, r.logger)
	return r
}

// SetGrants replaces the declared access entries, keyed by dataset name.
func (r *Runner) SetGrants(grants map[string][]engine.AccessEntry) {
	copied := make(map[string][]engine.AccessEntry, len(grants))
	for name, entries := range grants {
		for _, e := range entries {
			copied[name] = append(copied[name], e.Clone())
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants = copied
}

func (r *Runner) grantsFor(name string) []engine.AccessEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grants[name]
}

// Plan observes every dataset and reports the steps an apply would take.
func (r *Runner) Plan(ctx context.Context, opts Options) (*engine.RunReport, error) {
	opts.DryRun = true
	return r.Run(ctx, opts)
}

// Run reconciles the selected datasets. An error is returned only when the
// run could not start or its report could not be saved; dataset failures are
// reported in the run report.
func (r *Runner) Run(ctx context.Context, opts Options) (*engine.RunReport, error) {
	if !opts.SkipValidation {
		if problems := r.registry.ValidateAll(); len(problems) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
		}
	}

	configs, err := r.selectConfigs(opts.Datasets)
	if err != nil {
		return nil, err
	}

	mode := ModeApply
	if opts.DryRun {
		mode = ModePlan
	}

	run := &engine.RunReport{
		ID:        uuid.New().String(),
		Project:   r.project,
		DryRun:    opts.DryRun,
		Status:    engine.RunStatusRunning,
		StartedAt: r.now(),
		Datasets:  make([]engine.DatasetResult, len(configs)),
	}

	ctx = telemetry.WithRunContext(ctx, run.ID, mode, len(configs))
	log := r.logger.WithRunID(run.ID).WithField("mode", mode)
	log.WithField("datasets", len(configs)).Info("Run started")

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, cfg := range configs {
		g.Go(func() error {
			run.Datasets[i] = r.reconcileDataset(ctx, run.ID, cfg, opts.DryRun)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		run.Status = engine.RunStatusCancelled
	}
	run.Finalize(r.now())

	saveErr := r.persist(context.WithoutCancel(ctx), run)

	log.WithFields(map[string]interface{}{
		"status":    run.Status,
		"converged": run.Summary.Converged,
		"drifted":   run.Summary.Drifted,
		"failed":    run.Summary.Failed,
		"mutations": run.Summary.Mutations,
		"duration":  run.Duration.String(),
	}).Info("Run completed")

	telemetry.EndRunContext(ctx, run.ID, mode, string(run.Status), run.Duration, saveErr)
	return run, saveErr
}

// selectConfigs returns the configs to reconcile, in name order.
func (r *Runner) selectConfigs(names []string) ([]*dataset.Config, error) {
	all := r.registry.Snapshot()
	if len(names) == 0 {
		names = r.registry.Names()
	}

	configs := make([]*dataset.Config, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		cfg, ok := all[name]
		if !ok {
			return nil, fmt.Errorf("dataset %q is not configured", name)
		}
		configs = append(configs, cfg)
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// persist saves the run and, for applies, records the hash of every
// dataset that converged. Datasets cut short by cancellation are not recorded.
func (r *Runner) persist(ctx context.Context, run *engine.RunReport) error {
	if r.recorder == nil {
		return nil
	}

	if !run.DryRun {
		for _, d := range run.Datasets {
			if d.Failed() {
				continue
			}
			if err := r.recorder.MarkApplied(ctx, r.project, d.Name, d.ConfigHash); err != nil {
				r.logger.WithError(err).WithField("dataset", d.Name).Warn("Failed to record applied configuration")
			}
		}
	}

	if err := r.recorder.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// Grant converges a single access entry outside of a run.
func (r *Runner) Grant(ctx context.Context, datasetID string, entry engine.AccessEntry, dryRun bool) engine.StepResult {
	op := telemetry.StartOperation(ctx, "grant",
		telemetry.AttrProject.String(r.project),
		telemetry.AttrDataset.String(datasetID),
	)
	ctx = op.Logger.WithDataset(r.project, datasetID).WithContext(op.Ctx)

	step := r.access.Grant(ctx, r.project, datasetID, entry, dryRun)
	recordStep(ctx, step)
	op.End(step.Err)
	return step
}

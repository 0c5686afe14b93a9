package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/engine"
	"github.com/openfroyo/dsync/pkg/orchestrator"
)

func newApplyCommand() *cobra.Command {
	var (
		datasets       []string
		skipValidation bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile datasets with their declarations",
		Long: `Reconcile every configured dataset with the live warehouse.

For each dataset this command:
  - Creates the dataset when it is missing, or updates drifted attributes
  - Adds missing replicas, drops extra ones and moves the primary
  - Grants declared access entries that are not yet present

A failed step never stops the others. The run exits with code 2 when some
datasets did not converge; rerunning picks up the residual drift.`,
		Example: `  # Apply every dataset
  dsync apply

  # Apply one dataset
  dsync apply --dataset analytics

  # Apply with a specific config file
  dsync apply -c ./deploy/dsync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, ctx, err := openWorkspace(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			run, err := ws.runner.Run(ctx, orchestrator.Options{
				Datasets:       datasets,
				SkipValidation: skipValidation,
			})
			if err != nil && run == nil {
				return err
			}
			ws.pruneHistory(ctx)

			if perr := printRun(cmd.OutOrStdout(), run); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			return runResult(run)
		},
	}

	cmd.Flags().StringSliceVarP(&datasets, "dataset", "d", nil, "restrict to these datasets")
	cmd.Flags().BoolVar(&skipValidation, "skip-validation", false, "run even when some dataset configurations are invalid")

	return cmd
}

// pruneHistory deletes runs older than the configured retention.
func (ws *workspace) pruneHistory(ctx context.Context) {
	days := ws.cfg.State.RetentionDays
	if days <= 0 {
		return
	}
	before := time.Now().AddDate(0, 0, -days)
	n, err := ws.store.DeleteRunsBefore(context.WithoutCancel(ctx), before)
	if err != nil {
		ws.logger.WithError(err).Warn("Failed to prune run history")
		return
	}
	if n > 0 {
		ws.logger.WithField("runs", n).Info("Pruned run history")
	}
}

// applyOnce runs a full apply and logs its outcome.
func (ws *workspace) applyOnce(ctx context.Context) *engine.RunReport {
	run, err := ws.runner.Run(ctx, orchestrator.Options{})
	if err != nil {
		ws.logger.WithError(err).Error("Run failed")
	}
	if run != nil {
		ws.pruneHistory(ctx)
	}
	return run
}

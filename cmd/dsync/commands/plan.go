package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/orchestrator"
)

func newPlanCommand() *cobra.Command {
	var datasets []string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the changes an apply would make",
		Long: `Observe every configured dataset and report the steps an apply would take.

Nothing is written to the warehouse. The plan is recorded in the run history.`,
		Example: `  # Plan every dataset
  dsync plan

  # Plan selected datasets as JSON
  dsync plan --dataset analytics --dataset marts --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, ctx, err := openWorkspace(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			log.Debug().Strs("datasets", datasets).Msg("Planning")

			run, err := ws.runner.Plan(ctx, orchestrator.Options{Datasets: datasets})
			if err != nil && run == nil {
				return err
			}
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

	return cmd
}

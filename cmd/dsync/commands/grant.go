package commands

import (
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/config"
	"github.com/openfroyo/dsync/pkg/engine"
)

func newGrantCommand() *cobra.Command {
	var (
		grant  config.Grant
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "grant DATASET",
		Short: "Grant a single access entry",
		Long: `Add one access entry to a dataset unless an equal or broader entry exists.

Existing entries are never removed. Views, routines and datasets are
authorized without a role; every other entity type needs one.`,
		Example: `  # Grant a group read access
  dsync grant analytics --role READER --entity-type groupByEmail --entity analysts@example.com

  # Authorize a view from another dataset
  dsync grant analytics --entity-type view --entity reporting.v_sales

  # Authorize every view of a dataset
  dsync grant analytics --entity-type dataset --entity reporting --target-types VIEWS`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, ctx, err := openWorkspace(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			grant.Dataset = args[0]
			if err := grant.Validate(ws.cfg.Project); err != nil {
				return err
			}
			entry, err := grant.AccessEntry(ws.cfg.Project)
			if err != nil {
				return err
			}

			step := ws.runner.Grant(ctx, grant.Dataset, entry, dryRun)
			if err := printStep(cmd.OutOrStdout(), step); err != nil {
				return err
			}
			if step.Status == engine.StepStatusFailed {
				return step.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&grant.Role, "role", "", "granted role (READER, WRITER, OWNER or an IAM role)")
	cmd.Flags().StringVar(&grant.EntityType, "entity-type", "", "grantee kind (userByEmail, groupByEmail, domain, specialGroup, iamMember, view, routine, dataset)")
	cmd.Flags().StringVar(&grant.Entity, "entity", "", "grantee")
	cmd.Flags().StringSliceVar(&grant.TargetTypes, "target-types", nil, "target types for dataset grants (e.g. VIEWS)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the step without granting")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity")

	return cmd
}

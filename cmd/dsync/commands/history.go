package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the run history",
		Long: `List recorded runs, newest first.

Every plan and apply is recorded with its steps and events in the local
history database.`,
		Example: `  # List the last 20 runs
  dsync history

  # Show one run with its events
  dsync history show 0b9f6c1e-...

  # Delete runs older than 30 days
  dsync history prune --older-than 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				runs, err := store.ListRuns(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryPruneCommand())
	cmd.AddCommand(newHistoryAppliedCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var events int

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its steps and events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				run, err := store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printRun(cmd.OutOrStdout(), run); err != nil {
					return err
				}
				if events <= 0 {
					return nil
				}
				list, err := store.ListEvents(ctx, run.ID, events)
				if err != nil {
					return err
				}
				if !jsonOutput && len(list) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "\nEvents:")
				}
				return printEvents(cmd.OutOrStdout(), list)
			})
		},
	}

	cmd.Flags().IntVar(&events, "events", 100, "number of events to show (0 hides them)")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs",
		Long: `Delete runs that started before the given age. Without --older-than the
configured retention (state.retention_days) is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				if cfg.State.RetentionDays <= 0 {
					return fmt.Errorf("no retention configured, pass --older-than")
				}
				olderThan = time.Duration(cfg.State.RetentionDays) * 24 * time.Hour
			}

			return withStore(cmd, func(store *stores.SQLiteStore) error {
				n, err := store.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted %d run(s)\n", n)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "delete runs older than this")

	return cmd
}

func newHistoryAppliedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "applied",
		Short: "List the last applied configuration of every dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store *stores.SQLiteStore) error {
				applied, err := store.ListAppliedConfigs(cmd.Context())
				if err != nil {
					return err
				}
				return printApplied(cmd.OutOrStdout(), applied)
			})
		},
	}
}

// withStore opens the history store for fn.
func withStore(cmd *cobra.Command, fn func(*stores.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

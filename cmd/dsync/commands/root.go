package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/config"
	"github.com/openfroyo/dsync/pkg/engine"
)

var (
	// Global flags
	configPath  string
	projectFile string
	verbose     bool
	jsonOutput  bool

	buildVersion = "dev"
)

// Exit codes.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitIncomplete = 2
)

// IncompleteRunError reports a run that finished without converging every dataset.
type IncompleteRunError struct {
	Status engine.RunStatus
	Failed int
}

func (e *IncompleteRunError) Error() string {
	return fmt.Sprintf("run %s: %d dataset(s) did not converge", e.Status, e.Failed)
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var incomplete *IncompleteRunError
	if errors.As(err, &incomplete) {
		return ExitIncomplete
	}
	return ExitError
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "dsync",
		Short: "dsync - warehouse dataset reconciliation",
		Long: `dsync keeps warehouse datasets in line with their declarations.

Datasets are declared in a dbt-style project file. Each run observes the live
datasets and converges them:
  - Creates missing datasets and updates drifted attributes
  - Adds and drops replicas and moves the primary replica
  - Grants declared access entries without removing existing ones
  - Records every run and its steps in a local history database`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&projectFile, "project-file", "", "project file path (overrides project_file in the config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newGrantCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

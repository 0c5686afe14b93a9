package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/config"
)

func newValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and project files",
		Long: `Validate the tool configuration and the project file without contacting the warehouse.

This command checks:
  - Tool configuration keys and values
  - Dataset declarations (replication, labels, expirations)
  - Access grants and their references
  - "+schema" references without a dataset declaration (warning)`,
		Example: `  # Validate the default files
  dsync validate

  # Treat warnings as errors
  dsync validate --strict

  # Validate another project file
  dsync validate --project-file ./other/dbt_project.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			log.Debug().
				Str("config", configPath).
				Str("project_file", cfg.ProjectFilePath()).
				Bool("strict", strict).
				Msg("Validating configuration")

			project, err := config.LoadProject(cfg.ProjectFilePath())
			if err != nil {
				return err
			}

			findings := project.Validate(cfg.Project)
			out := cmd.OutOrStdout()
			if err := printFindings(out, findings); err != nil {
				return err
			}

			if config.HasErrors(findings) || (strict && len(findings) > 0) {
				return errInvalidProject
			}
			if !jsonOutput {
				fmt.Fprintf(out, "✓ %s: %d datasets, %d grants\n",
					project.File, len(project.DatasetNames()), len(project.Grants))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")

	return cmd
}

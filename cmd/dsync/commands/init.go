package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dsync/pkg/config"
)

const defaultConfig = `# dsync configuration

# Warehouse project the datasets live in
project: %s

# Warehouse backend (bigquery or memory)
backend: %s

# dbt-style project file declaring datasets and grants
project_file: dbt_project.yml

# Datasets reconciled at once
concurrency: 4

# Run history
state:
  path: .dsync/state.db
  retention_days: 90

retry:
  max_retries: 3
  base_delay: 1s

logging:
  level: info
  format: console

metrics:
  enabled: false
  listen_address: ":9464"
`

const defaultProjectFile = `name: %s

datasets:
  # analytics:
  #   location: US
  #   description: Reporting tables
  #   labels:
  #     env: prod
  #   replication:
  #     replicas: [us-east1, us-west1]
  #     primary: us-east1

grants:
  # - dataset: analytics
  #   role: READER
  #   entity_type: groupByEmail
  #   entity: analysts@example.com
`

func newInitCommand() *cobra.Command {
	var (
		project string
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a dsync workspace",
		Long: `Initialize a workspace with a configuration file, a project file skeleton
and the run history database.

Existing files are left alone unless --force is given.`,
		Example: `  # Initialize for a BigQuery project
  dsync init --project analytics-prod

  # Initialize with the in-memory backend for local experiments
  dsync init --project sandbox --backend memory`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			log.Debug().
				Str("project", project).
				Str("config", configPath).
				Msg("Initializing workspace")

			content := fmt.Sprintf(defaultConfig, project, backend)
			if _, err := config.Parse([]byte(content)); err != nil {
				return err
			}
			if err := writeFile(configPath, content, force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Config file: %s\n", configPath)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			projectPath := cfg.ProjectFilePath()
			if err := writeFile(projectPath, fmt.Sprintf(defaultProjectFile, project), force); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Project file: %s\n", projectPath)

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Run history: %s\n", cfg.StatePath())

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Declare datasets in %s\n", projectPath)
			fmt.Fprintf(out, "  2. Review the changes:  dsync plan\n")
			fmt.Fprintf(out, "  3. Apply them:          dsync apply\n")
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "warehouse project")
	cmd.Flags().StringVar(&backend, "backend", "bigquery", "warehouse backend (bigquery, memory)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// writeFile writes content to path unless the file exists and force is unset.
func writeFile(path, content string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openfroyo/dsync/pkg/config"
	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/orchestrator"
	"github.com/openfroyo/dsync/pkg/stores"
	"github.com/openfroyo/dsync/pkg/telemetry"
	"github.com/openfroyo/dsync/pkg/warehouse"
)

// errInvalidProject is returned after the findings have been printed.
var errInvalidProject = errors.New("project file has errors")

// loadConfig loads the tool configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if projectFile != "" {
		abs, err := filepath.Abs(projectFile)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project file: %w", err)
		}
		cfg.ProjectFile = abs
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens and migrates the run history database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	storeCfg := cfg.StoreConfig()
	if storeCfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(storeCfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// workspace holds everything a reconciling command needs.
type workspace struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	wh       *warehouse.Handle
	store    *stores.SQLiteStore
	registry *dataset.Registry
	runner   *orchestrator.Runner
}

// openWorkspace loads both configuration files, opens the backend and the
// history store, and builds the runner. Project files with errors are
// rejected after their findings are printed.
func openWorkspace(ctx context.Context, out io.Writer) (*workspace, context.Context, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, ctx, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry(buildVersion))
	if err != nil {
		return nil, ctx, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	ws := &workspace{cfg: cfg, tel: tel, logger: tel.Logger}
	ctx = tel.WithContext(ctx)

	project, err := config.LoadProject(cfg.ProjectFilePath())
	if err != nil {
		ws.Close(ctx)
		return nil, ctx, err
	}
	findings := project.Validate(cfg.Project)
	if config.HasErrors(findings) {
		_ = printFindings(out, findings)
		ws.Close(ctx)
		return nil, ctx, errInvalidProject
	}
	for _, f := range findings {
		ws.logger.WithField("line", f.Line).Warn(f.Error())
	}

	grants, err := project.AccessEntries(cfg.Project)
	if err != nil {
		ws.Close(ctx)
		return nil, ctx, err
	}

	ws.store, err = openStore(ctx, cfg)
	if err != nil {
		ws.Close(ctx)
		return nil, ctx, err
	}
	ws.persistEvents()

	ws.wh, err = warehouse.Open(ctx, cfg.WarehouseOptions(), ws.logger)
	if err != nil {
		ws.Close(ctx)
		return nil, ctx, fmt.Errorf("failed to open warehouse: %w", err)
	}

	ws.registry = project.Registry()
	tel.Metrics.SetDatasetsConfigured(ws.registry.Len())

	ws.runner = orchestrator.New(cfg.Project, ws.wh, ws.registry,
		orchestrator.WithRecorder(ws.store),
		orchestrator.WithConcurrency(cfg.Concurrency),
		orchestrator.WithLogger(ws.logger),
	)
	ws.runner.SetGrants(grants)
	return ws, ctx, nil
}

// persistEvents appends every published event to the history store.
func (ws *workspace) persistEvents() {
	store, logger := ws.store, ws.logger
	ws.tel.Events.Subscribe(func(ev telemetry.Event) {
		err := store.AppendEvent(context.Background(), &stores.Event{
			ID:        ev.ID,
			RunID:     ev.RunID,
			Type:      ev.Type,
			Dataset:   ev.Dataset,
			Level:     ev.Level,
			Message:   ev.Message,
			CreatedAt: ev.Timestamp,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to persist event")
		}
	}, nil)
}

// Close releases the workspace. Telemetry is shut down first so that
// buffered events still reach the store.
func (ws *workspace) Close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := ws.tel.Shutdown(ctx); err != nil {
		ws.logger.WithError(err).Warn("Failed to shut down telemetry")
	}
	if ws.wh != nil {
		if err := ws.wh.Close(); err != nil {
			ws.logger.WithError(err).Warn("Failed to close warehouse")
		}
	}
	if ws.store != nil {
		if err := ws.store.Close(); err != nil {
			ws.logger.WithError(err).Warn("Failed to close store")
		}
	}
}

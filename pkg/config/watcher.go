package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/dsync/pkg/dataset"
	"github.com/openfroyo/dsync/pkg/telemetry"
)

// ErrInvalidProject is returned by Reload when the project file has validation errors.
var ErrInvalidProject = errors.New("project file has validation errors")

// Watcher keeps a dataset registry in sync with a project file. A reload
// that fails to parse or validate leaves the registry untouched.
type Watcher struct {
	path           string
	defaultProject string
	debounce       time.Duration
	registry       *dataset.Registry
	logger         *telemetry.Logger

	mu       sync.Mutex
	current  *Project
	onReload func(context.Context, *Project)
}

// NewWatcher creates a watcher for the project file at path.
func NewWatcher(path, defaultProject string, registry *dataset.Registry, debounce time.Duration, logger *telemetry.Logger) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:           filepath.Clean(path),
		defaultProject: defaultProject,
		debounce:       debounce,
		registry:       registry,
		logger:         logger.NewComponentLogger("watcher").WithField("file", path),
	}
}

// OnReload registers fn to run after every successful reload.
func (w *Watcher) OnReload(fn func(context.Context, *Project)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReload = fn
}

// Current returns the last successfully loaded project, or nil.
func (w *Watcher) Current() *Project {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload loads the project file and, when it is valid, replaces the registry contents.
func (w *Watcher) Reload(ctx context.Context) (*Project, error) {
	p, err := LoadProject(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Failed to load project file")
		return nil, err
	}

	findings := p.Validate(w.defaultProject)
	for _, f := range findings {
		if f.Severity == SeverityError {
			w.logger.WithField("line", f.Line).Error(f.Message)
		}
	}
	if HasErrors(findings) {
		return nil, fmt.Errorf("%s: %w", w.path, ErrInvalidProject)
	}

	w.registry.Reload(p.Datasets)

	w.mu.Lock()
	w.current = p
	fn := w.onReload
	w.mu.Unlock()

	w.logger.WithField("datasets", len(p.Datasets)).Info("Project file loaded")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetDatasetsConfigured(len(p.Datasets))
		_ = tel.Events.PublishConfigReloaded(w.path, len(p.Datasets))
	}

	if fn != nil {
		fn(ctx, p)
	}
	return p, nil
}

// Run watches the project file until ctx is done. The directory is watched
// rather than the file so that editors replacing the file are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("Started watching project file")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("Project file changed")
			timer.Reset(w.debounce)

		case <-timer.C:
			_, _ = w.Reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

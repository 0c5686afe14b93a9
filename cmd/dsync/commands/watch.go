package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/dsync/pkg/config"
)

func newWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply continuously as the project file changes",
		Long: `Apply once, then apply again whenever the project file changes.

Invalid edits are reported and ignored; the last valid declarations stay in
effect. With an interval, datasets are also re-applied periodically so that
drift introduced outside of dsync is corrected. Metrics are served when
enabled in the configuration.`,
		Example: `  # Apply on every project file change
  dsync watch

  # Also correct drift every ten minutes
  dsync watch --interval 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, ctx, err := openWorkspace(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer ws.Close(ctx)

			if !cmd.Flags().Changed("interval") {
				interval = ws.cfg.Watch.Interval
			}
			ws.tel.StartMetricsServer()
			return ws.watch(ctx, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "re-apply periodically (0 disables)")

	return cmd
}

// watch applies on start, on every valid project file change and on every
// interval tick until ctx is done.
func (ws *workspace) watch(ctx context.Context, interval time.Duration) error {
	trigger := make(chan struct{}, 1)

	watcher := config.NewWatcher(ws.cfg.ProjectFilePath(), ws.cfg.Project, ws.registry, ws.cfg.Watch.Debounce, ws.logger)
	watcher.OnReload(func(_ context.Context, p *config.Project) {
		grants, err := p.AccessEntries(ws.cfg.Project)
		if err != nil {
			ws.logger.WithError(err).Error("Failed to read grants")
			return
		}
		ws.runner.SetGrants(grants)
		select {
		case trigger <- struct{}{}:
		default:
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(ctx)
	})
	g.Go(func() error {
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		ws.applyOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-trigger:
				ws.logger.Info("Project file changed, applying")
			case <-tick:
				ws.logger.Debug("Interval elapsed, applying")
			}
			ws.applyOnce(ctx)
		}
	})

	ws.logger.WithField("interval", interval.String()).Info("Watching for changes")
	return g.Wait()
}

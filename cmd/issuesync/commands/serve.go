package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/issuesync/issuesync/pkg/config"
	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/queue"
	"github.com/issuesync/issuesync/pkg/webhook"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Long: `Run the long-lived sync daemon.

The daemon starts the interval scheduler for batch syncs and, when
webhooks are enabled, the webhook intake server with its Redis-backed
event queue. The config file is watched; edits are picked up without a
restart where the setting allows it.`,
		Example: `  # Run with the default config file
  issuesync serve

  # Run with an explicit config
  issuesync serve --config /etc/issuesync/config.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	interval := time.Duration(app.cfg.Sync.Interval)
	app.logger.Info().
		Strs("repositories", app.cfg.Sync.Repositories).
		Dur("interval", interval).
		Int("workers", app.cfg.Sync.Workers).
		Bool("webhooks", app.cfg.Webhook.Enabled).
		Msg("starting sync daemon")

	watcher, err := config.NewWatcher(configPath, app.logger)
	if err != nil {
		app.logger.Warn().Err(err).Msg("config watch unavailable")
		watcher = nil
	}
	repositories := func() []string {
		if watcher != nil {
			return watcher.Current().Sync.Repositories
		}
		return app.cfg.Sync.Repositories
	}

	tasks := queue.NewTaskQueue(app.cfg.Sync.Workers, app.logger, app.metrics)
	tasks.Start(ctx)
	defer tasks.Stop()

	scheduler := engine.NewScheduler(app.engine, interval, app.logger)
	// Scheduled runs fan out one task per repository so the worker pool
	// bounds how many repositories sync concurrently.
	scheduler.SetSubmit(func(ctx context.Context, kind engine.Kind) error {
		for _, repo := range repositories() {
			_, err := tasks.AddTask(&queue.SyncTask{
				Name:       fmt.Sprintf("%s sync %s", kind, repo),
				TaskType:   string(kind),
				Repository: repo,
				Run: func(ctx context.Context) error {
					_, err := app.engine.RunSyncScoped(ctx, kind, []string{repo})
					return err
				},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var (
		srv   *webhook.Server
		errCh chan error
	)
	if app.cfg.Webhook.Enabled {
		opts, err := redis.ParseURL(app.cfg.Webhook.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()

		wq := webhook.NewQueue(client, app.logger, app.metrics)
		proc, err := webhook.NewProcessor(wq, app.engine, app.cfg.Webhook.Workers, app.logger, app.metrics, app.tracer)
		if err != nil {
			return err
		}
		// When Redis is unreachable, incoming events are processed
		// inline instead of being dropped.
		wq.SetFallback(proc.ProcessDirect)

		if n, err := wq.RecoverProcessing(ctx); err != nil {
			app.logger.Warn().Err(err).Msg("webhook queue recovery failed, continuing degraded")
		} else if n > 0 {
			app.logger.Info().Int("events", n).Msg("requeued webhook events left in processing")
		}

		proc.Start(ctx)
		defer proc.Stop()

		srv = webhook.NewServer(webhook.ServerConfig{
			ListenAddress: app.cfg.Webhook.ListenAddress,
			Secret:        app.cfg.Webhook.Secret,
		}, wq, proc, app.logger, app.metrics)

		errCh = make(chan error, 1)
		go func() { errCh <- srv.Start() }()
	}

	if watcher != nil {
		err = watcher.Watch(ctx, func(cfg *config.Config) {
			// Connection and listener settings need a restart. The
			// repository list, strategy, and threshold apply to runs
			// started after the reload; the scheduler picks the
			// repository list up from the watcher on its next tick.
			app.engine.Reconfigure(
				cfg.Sync.Repositories,
				engine.Strategy(cfg.Sync.ConflictStrategy),
				cfg.Sync.FailureThreshold,
			)
			app.logger.Info().
				Strs("repositories", cfg.Sync.Repositories).
				Str("conflict_strategy", cfg.Sync.ConflictStrategy).
				Msg("configuration reloaded")
		})
		if err != nil {
			app.logger.Warn().Err(err).Msg("config watch failed to start")
		}
	}

	select {
	case <-ctx.Done():
		app.logger.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Warn().Err(err).Msg("webhook server shutdown failed")
		}
	}
	return nil
}

package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/issuesync/issuesync/pkg/clients"
	"github.com/issuesync/issuesync/pkg/config"
	"github.com/issuesync/issuesync/pkg/engine"
	"github.com/issuesync/issuesync/pkg/queue"
	"github.com/issuesync/issuesync/pkg/stores"
	"github.com/issuesync/issuesync/pkg/telemetry"
)

const serviceName = "issuesync"

// app bundles the wired subsystems every command needs: configuration,
// telemetry, state store, API clients and the sync engine.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	store   *stores.SQLiteStore
	limiter *queue.RateLimiter
	source  *clients.GiteaClient
	target  *clients.KimaiClient
	engine  *engine.Engine
}

// buildApp loads the config file and wires the stack bottom-up. The
// caller owns the returned app and must Close it.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return buildAppFromConfig(ctx, cfg)
}

func buildAppFromConfig(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
		Output: "stderr",
	})
	if err != nil {
		return nil, err
	}
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   cfg.Telemetry.MetricsEnabled,
		Namespace: serviceName,
	})
	if err != nil {
		return nil, err
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      cfg.Telemetry.TracingEnabled,
		Exporter:     cfg.Telemetry.TraceExporter,
		Endpoint:     cfg.Telemetry.TraceEndpoint,
		SamplingRate: cfg.Telemetry.SamplingRate,
		Insecure:     true,
	}, serviceName, "dev", "production")
	if err != nil {
		return nil, err
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}

	limiter := queue.NewRateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.Window), metrics)

	source, err := clients.NewGiteaClient(clients.GiteaConfig{
		BaseURL:          cfg.Source.BaseURL,
		Token:            cfg.Source.Token,
		Organization:     cfg.Source.Organization,
		SyncPullRequests: cfg.Source.SyncPullRequests,
	}, limiter, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	target, err := clients.NewKimaiClient(clients.KimaiConfig{
		BaseURL: cfg.Target.BaseURL,
		Token:   cfg.Target.Token,
	}, limiter, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Repositories:     cfg.Sync.Repositories,
		BatchSize:        cfg.Sync.BatchSize,
		MaxRetries:       cfg.Sync.MaxRetries,
		ConflictStrategy: engine.Strategy(cfg.Sync.ConflictStrategy),
		FailureThreshold: cfg.Sync.FailureThreshold,
		DryRun:           cfg.Sync.DryRun,
	}, store, source, target, logger, metrics, tracer)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		limiter: limiter,
		source:  source,
		target:  target,
		engine:  eng,
	}, nil
}

// Close flushes telemetry and releases the store.
func (a *app) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("store close failed")
	}
}

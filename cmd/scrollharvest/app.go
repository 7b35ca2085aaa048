package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/browser"
	"github.com/Rorqualx/scrollharvest/internal/config"
	"github.com/Rorqualx/scrollharvest/internal/extract"
	"github.com/Rorqualx/scrollharvest/internal/job"
	"github.com/Rorqualx/scrollharvest/internal/logging"
	"github.com/Rorqualx/scrollharvest/internal/platform"
	"github.com/Rorqualx/scrollharvest/internal/publisher/memory"
	"github.com/Rorqualx/scrollharvest/internal/publisher/pubsub"
	"github.com/Rorqualx/scrollharvest/internal/selectors"
	"github.com/Rorqualx/scrollharvest/internal/storage/duckdb"
	memstore "github.com/Rorqualx/scrollharvest/internal/storage/memory"
	"github.com/Rorqualx/scrollharvest/internal/storage/postgres"
)

// app owns every long-lived component of a running service.
type app struct {
	store     job.Store
	notifier  job.Notifier
	selectors *selectors.Manager
	registry  *browser.Registry
	manager   *job.Manager
}

// newApp builds the service for the given platforms. Pools start empty;
// browsers launch on the first job.
func newApp(ctx context.Context, cfg *config.Config, platforms []string) (*app, error) {
	if len(platforms) == 0 {
		return nil, errors.New("no platforms enabled")
	}

	a := &app{registry: browser.NewRegistry()}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.notifier = newNotifier(ctx, cfg)

	a.selectors, err = selectors.NewManager(cfg.SelectorsPath, cfg.SelectorsHotReload)
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("failed to load selectors: %w", err)
	}

	executors := make([]*job.Executor, 0, len(platforms))
	for _, name := range platforms {
		exec, err := a.buildPlatform(cfg, name)
		if err != nil {
			_ = a.close(ctx)
			return nil, err
		}
		executors = append(executors, exec)
	}

	a.manager = job.NewManager(a.store, managerConfig(cfg), executors, a.notifier, a.registry)
	return a, nil
}

func (a *app) buildPlatform(cfg *config.Config, name string) (*job.Executor, error) {
	driver, err := platform.New(name, a.selectors)
	if err != nil {
		return nil, err
	}
	pc, ok := cfg.Platform(name)
	if !ok {
		pc = driver.Defaults()
	}

	factory, err := browser.NewRodFactory(browser.RodOptionsFromConfig(cfg, name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	pool := browser.NewPool(name, pc.PoolSize, factory, browser.PoolOptions{
		WaitTimeout:         cfg.PoolWaitTimeout,
		MaxAge:              cfg.SessionMaxAge,
		MaintenanceInterval: cfg.PoolMaintenanceInterval,
	})
	if err := a.registry.Register(pool); err != nil {
		_ = pool.Shutdown(context.Background())
		return nil, err
	}

	return job.NewExecutor(driver, pool, a.store, executorConfig(pc)), nil
}

// Close stops the manager first so running jobs release their sessions,
// then tears down the pools and the backends.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job manager: %w", err))
		}
	}
	if err := a.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("browser pools: %w", err))
	}
	if a.selectors != nil {
		if err := a.selectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("selectors: %w", err))
		}
	}
	if c, ok := a.notifier.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// newStore opens the backend named by STORAGE_DRIVER.
func newStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.StorageDriver {
	case config.StorageMemory, "":
		return memstore.NewStore(), nil
	case config.StoragePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
		log.Info().Str("dsn", logging.RedactURL(cfg.DatabaseURL)).Msg("Connecting to Postgres")
		s, err := postgres.NewStore(ctx, postgres.Config{DSN: cfg.DatabaseURL})
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case config.StorageDuckDB:
		log.Info().Str("path", cfg.DuckDBPath).Msg("Opening DuckDB store")
		return duckdb.NewStore(cfg.DuckDBPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// newNotifier publishes to Pub/Sub when configured and falls back to the
// in-process publisher otherwise, including when Pub/Sub is unreachable.
func newNotifier(ctx context.Context, cfg *config.Config) job.Notifier {
	if cfg.PubSubProjectID == "" || cfg.PubSubTopic == "" {
		return memory.New()
	}
	p, err := pubsub.Connect(ctx, cfg.PubSubProjectID, cfg.PubSubTopic)
	if err != nil {
		log.Warn().Err(err).Msg("Pub/Sub unavailable, job events stay in-process")
		return memory.New()
	}
	log.Info().
		Str("project", cfg.PubSubProjectID).
		Str("topic", cfg.PubSubTopic).
		Msg("Publishing job events to Pub/Sub")
	return p
}

func managerConfig(cfg *config.Config) job.ManagerConfig {
	return job.ManagerConfig{
		MaxConcurrentJobs:   cfg.MaxConcurrentJobs,
		RetryEnabled:        cfg.RetryEnabled,
		MaxRetries:          cfg.MaxRetries,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		RetryMaxDelay:       cfg.RetryMaxDelay,
		ZombieSweepInterval: cfg.ZombieSweepInterval,
		ZombieGrace:         cfg.ZombieGrace,
	}
}

func executorConfig(pc config.PlatformConfig) job.ExecutorConfig {
	return job.ExecutorConfig{
		TaskTimeout: pc.TaskTimeout,
		Loop: extract.LoopConfig{
			TargetCount:            pc.TargetCount,
			DuplicateStopThreshold: pc.DuplicateThreshold,
			MaxIterations:          pc.MaxIterations,
			StallThreshold:         pc.StallThreshold,
			MinScrollDelta:         pc.MinScrollDelta,
			HealthCheckEvery:       pc.HealthCheckEvery,
			MinDelay:               pc.MinDelay,
			MaxDelay:               pc.MaxDelay,
			ScrollWait:             pc.ScrollWait,
		},
	}
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zapflow/zapflow/pkg/blob"
	"github.com/zapflow/zapflow/pkg/dispatcher"
	"github.com/zapflow/zapflow/pkg/eventbus"
	"github.com/zapflow/zapflow/pkg/flow"
	"github.com/zapflow/zapflow/pkg/gateway"
	"github.com/zapflow/zapflow/pkg/maturation"
	"github.com/zapflow/zapflow/pkg/models"
	"github.com/zapflow/zapflow/pkg/persistence"
	"github.com/zapflow/zapflow/pkg/scheduler"
)

// Config is the shared wiring configuration of the server and worker
// binaries.
type Config struct {
	ServiceName string

	DatabaseURL string
	EventBus    string
	RedisURL    string

	BlobDir     string
	BlobBaseURL string

	ZAPIBaseURL      string
	ZAPIToken        string
	EvolutionBaseURL string
	EvolutionToken   string

	StaleLockThreshold time.Duration
}

// Components bundles the engine stack both binaries run on.
type Components struct {
	Persistence persistence.Persistence
	Bus         eventbus.EventBus
	Redis       *redis.Client
	Gateway     *gateway.Adapter
	Scheduler   *scheduler.Scheduler
	Engine      *flow.Engine
	Dispatcher  *dispatcher.Dispatcher
	Runner      *maturation.Runner
}

// Build wires the full component graph: store, event bus, gateway adapter,
// delay scheduler, session engine, trigger dispatcher and maturation
// runner.
func Build(ctx context.Context, logger *slog.Logger, cfg Config) (*Components, error) {
	p, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus, err := NewEventBus(cfg.EventBus, cfg.ServiceName, logger)
	if err != nil {
		return nil, err
	}

	redisClient, err := NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	blobStore, err := blob.NewFileStore(cfg.BlobDir, cfg.BlobBaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	resolver := gateway.NewResolver()
	if cfg.ZAPIBaseURL != "" {
		resolver.Platform[models.ProviderZAPI] = gateway.Endpoint{
			BaseURL: cfg.ZAPIBaseURL,
			Token:   cfg.ZAPIToken,
		}
	}

	if cfg.EvolutionBaseURL != "" {
		resolver.Platform[models.ProviderEvolution] = gateway.Endpoint{
			BaseURL: cfg.EvolutionBaseURL,
			Token:   cfg.EvolutionToken,
		}
	}

	gw := gateway.NewAdapter(logger, resolver, blobStore, nil)
	sched := scheduler.NewScheduler(logger, p)

	var engineOpts []flow.Option
	if cfg.StaleLockThreshold > 0 {
		engineOpts = append(engineOpts, flow.WithStaleLockThreshold(cfg.StaleLockThreshold))
	}

	engine := flow.NewEngine(logger, p, gw, sched, engineOpts...)
	disp := dispatcher.NewDispatcher(logger, p, engine, sched)
	engine.SetDispatcher(disp)

	var counter maturation.DailyCounter
	if redisClient != nil {
		counter = maturation.NewRedisCounter(redisClient)
	} else {
		counter = maturation.NewMemoryCounter()
	}

	runner := maturation.NewRunner(logger, p, gw, bus, counter)

	return &Components{
		Persistence: p,
		Bus:         bus,
		Redis:       redisClient,
		Gateway:     gw,
		Scheduler:   sched,
		Engine:      engine,
		Dispatcher:  disp,
		Runner:      runner,
	}, nil
}

// Close releases the long-lived resources.
func (c *Components) Close(ctx context.Context, logger *slog.Logger) {
	err := c.Bus.Close()
	if err != nil {
		logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
	}

	if c.Redis != nil {
		err = c.Redis.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
		}
	}

	err = c.Persistence.Close(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
	}
}

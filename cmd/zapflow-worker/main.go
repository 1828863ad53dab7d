// Package main provides the zapflow worker: the trigger-event consumer and
// the delay-job sweeper.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/zapflow/zapflow/pkg/cmd"
	"github.com/zapflow/zapflow/pkg/events"
	"github.com/zapflow/zapflow/pkg/log"
	"github.com/zapflow/zapflow/pkg/otelhelper"
	"github.com/zapflow/zapflow/pkg/scheduler"
)

func main() {
	logger := log.WithModule("worker")

	command := &cli.Command{
		Name:                  "zapflow-worker",
		Usage:                 "Consume trigger events and sweep due delay jobs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared counters (optional)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "blob-dir",
				Usage:   "Directory for mirrored media storage",
				Value:   "./data/blobs",
				Sources: cli.EnvVars("BLOB_DIR"),
			},
			&cli.StringFlag{
				Name:    "blob-base-url",
				Usage:   "Public base URL for mirrored media",
				Value:   "http://localhost:9090/media",
				Sources: cli.EnvVars("BLOB_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "zapi-base-url",
				Usage:   "Platform default base URL for zapi instances",
				Sources: cli.EnvVars("ZAPI_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "zapi-token",
				Usage:   "Platform default token for zapi instances",
				Sources: cli.EnvVars("ZAPI_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "evolution-base-url",
				Usage:   "Platform default base URL for evolution instances",
				Sources: cli.EnvVars("EVOLUTION_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "evolution-token",
				Usage:   "Platform default token for evolution instances",
				Sources: cli.EnvVars("EVOLUTION_TOKEN"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often due delay jobs are polled",
				Value:   scheduler.DefaultSweepInterval,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "stale-lock-threshold",
				Usage:   "Age after which a session processing lock may be reclaimed",
				Sources: cli.EnvVars("STALE_LOCK_THRESHOLD"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing zapflow worker")

			tracerProvider, err := otelhelper.InitTracer(ctx, "zapflow-worker")
			if err != nil {
				return fmt.Errorf("failed to initialize tracer: %w", err)
			}

			defer func() {
				err := tracerProvider.Shutdown(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			components, err := cmd.Build(ctx, logger, cmd.Config{
				ServiceName:        "zapflow-worker",
				DatabaseURL:        command.String("database-url"),
				EventBus:           command.String("event-bus"),
				RedisURL:           command.String("redis-url"),
				BlobDir:            command.String("blob-dir"),
				BlobBaseURL:        command.String("blob-base-url"),
				ZAPIBaseURL:        command.String("zapi-base-url"),
				ZAPIToken:          command.String("zapi-token"),
				EvolutionBaseURL:   command.String("evolution-base-url"),
				EvolutionToken:     command.String("evolution-token"),
				StaleLockThreshold: command.Duration("stale-lock-threshold"),
			})
			if err != nil {
				return err
			}

			defer components.Close(ctx, logger)

			return run(ctx, logger, components, command.Duration("sweep-interval"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, logger *slog.Logger, components *cmd.Components, sweepInterval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := registerTriggerHandlers(components)
	if err != nil {
		return err
	}

	err = components.Bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	sweeper := scheduler.NewSweeper(logger, components.Persistence, components.Engine, sweepInterval)

	go sweeper.Start(ctx)

	logger.InfoContext(ctx, "zapflow worker running", "sweep_interval", sweepInterval)

	<-ctx.Done()

	return nil
}

func registerTriggerHandlers(components *cmd.Components) error {
	err := components.Bus.Handle(events.TagAppliedEvent, func(ctx context.Context, event any) error {
		tagApplied, ok := event.(*events.TagApplied)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		return components.Dispatcher.Dispatch(ctx, tagApplied.Trigger())
	})
	if err != nil {
		return err
	}

	return components.Bus.Handle(events.SaleDetectedEvent, func(ctx context.Context, event any) error {
		saleDetected, ok := event.(*events.SaleDetected)
		if !ok {
			return fmt.Errorf("unexpected event payload %T", event)
		}

		return components.Dispatcher.Dispatch(ctx, saleDetected.Trigger())
	})
}

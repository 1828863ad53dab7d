// Package main provides the zapflow API and webhook server.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/zapflow/zapflow/pkg/cmd"
	"github.com/zapflow/zapflow/pkg/log"
	"github.com/zapflow/zapflow/pkg/otelhelper"
)

const (
	defaultPort        = 9090
	defaultWebhookPort = 9092
)

func main() {
	logger := log.WithModule("server")

	command := &cli.Command{
		Name:                  "zapflow-server",
		Usage:                 "Operator API, webhook ingestion and conversation loops",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.IntFlag{
				Name:    "webhook-port",
				Usage:   "Port to run the inbound webhook server on",
				Value:   defaultWebhookPort,
				Sources: cli.EnvVars("WEBHOOK_PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for dedup and shared counters (optional)",
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

			logger.InfoContext(ctx, "Initializing zapflow server")

			tracerProvider, err := otelhelper.InitTracer(ctx, "zapflow-server")
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
				ServiceName:        "zapflow-server",
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

			server := NewServer(logger, components)

			return server.Run(ctx, int(command.Int("port")), int(command.Int("webhook-port")))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

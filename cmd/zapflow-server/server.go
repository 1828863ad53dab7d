package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/zapflow/zapflow/pkg/cmd"
	"github.com/zapflow/zapflow/pkg/ingestion"
	"github.com/zapflow/zapflow/pkg/services"
	"github.com/zapflow/zapflow/pkg/web"
)

type Server struct {
	logger     *slog.Logger
	components *cmd.Components
}

func NewServer(logger *slog.Logger, components *cmd.Components) *Server {
	return &Server{
		logger:     logger,
		components: components,
	}
}

func (s *Server) App() *fiber.App {
	c := s.components

	service := services.NewService(s.logger, c.Persistence, c.Gateway, c.Runner, c.Dispatcher, c.Scheduler, c.Engine)
	handlers := web.NewAPIHandlers(service, c.Persistence)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get("/", func(fc fiber.Ctx) error {
		return fc.SendString("zapflow API")
	})

	handlers.Register(app)

	return app
}

// Run starts the API, the webhook server and holds until shutdown.
func (s *Server) Run(ctx context.Context, port, webhookPort int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := s.components

	processor := ingestion.NewProcessor(s.logger, c.Persistence, c.Gateway, c.Bus, c.Engine, c.Redis)
	webhookServer := ingestion.NewServer(webhookPort, s.logger, processor)

	err := webhookServer.Start(ctx)
	if err != nil {
		return err
	}

	app := s.App()

	go func() {
		<-ctx.Done()

		err := app.Shutdown()
		if err != nil {
			s.logger.Error("Failed to shut down API server", "error", err)
		}
	}()

	s.logger.InfoContext(ctx, "zapflow server listening",
		"port", port, "webhook_port", webhookPort)

	return app.Listen(":" + strconv.Itoa(port))
}

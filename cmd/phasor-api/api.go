// Package main provides the phasor API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	manager     *jobs.Manager
	pipeline    *deploy.Pipeline
	stream      *eventbus.Stream
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	manager *jobs.Manager,
	pipeline *deploy.Pipeline,
	stream *eventbus.Stream,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		manager:     manager,
		pipeline:    pipeline,
		stream:      stream,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.manager, a.pipeline, a.stream, a.persistence, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Phasor API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}

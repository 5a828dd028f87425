// Package main provides the Postflow API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/postflow/postflow/pkg/engine"
	"github.com/postflow/postflow/pkg/eventbus"
	"github.com/postflow/postflow/pkg/persistence"
	"github.com/postflow/postflow/pkg/services"
	"github.com/postflow/postflow/pkg/signature"
	"github.com/postflow/postflow/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      *engine.Client
	eventBus    eventbus.EventBus
	verifier    *signature.Verifier
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	engineClient *engine.Client,
	eventBus eventbus.EventBus,
	verifier *signature.Verifier,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		engine:      engineClient,
		eventBus:    eventBus,
		verifier:    verifier,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	publisher := services.NewPublisher(a.persistence, a.engine, a.eventBus, a.logger)
	callbacks := services.NewCallbacks(a.persistence, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(publisher, callbacks, a.persistence, a.verifier, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Postflow API")
	})

	assets := app.Group("/assets")
	assets.Post("/", handlers.CreateAsset)
	assets.Post("/trigger-batch", handlers.BatchTrigger)
	assets.Get("/:id", handlers.GetAsset)
	assets.Get("/:id/executions", handlers.ListAssetExecutions)
	assets.Post("/:id/trigger", handlers.TriggerAsset)
	assets.Post("/:id/retry", handlers.RetryAsset)

	executions := app.Group("/executions")
	executions.Get("/:id", handlers.GetExecution)
	executions.Post("/:runId/cancel", handlers.CancelExecution)

	app.Post("/callbacks/engine", handlers.EngineCallback)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}

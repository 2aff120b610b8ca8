// Package main provides the LeadRoute admin API server.
package main

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/leadroute/leadroute/pkg/cmd"
	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/leadroute/leadroute/pkg/web"
)

type API struct {
	logger     *slog.Logger
	components *cmd.Components
	eventBus   eventbus.EventBus
	validate   *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	components *cmd.Components,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:     logger,
		components: components,
		eventBus:   eventBus,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		a.components.WorkflowService(),
		a.components.PartnerService(),
		a.components.DistributionService(),
		services.NewSubmission(a.eventBus, a.logger),
		a.validate,
		a.logger,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool {
			return a.components.Persistence.HealthCheck(c.Context()) == nil
		},
	}))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("LeadRoute API")
	})

	handlers.Register(app)

	return app
}

// RouteInProcess runs submissions posted to this API through the interpreter in the same process.
// It is used with the in-process event bus, where no separate worker can see the events.
func (a *API) RouteInProcess(ctx context.Context, workerID string) error {
	router := services.NewRouter(a.components.Interpreter, nil, workerID, a.logger)

	err := a.eventBus.Handle(events.SubmissionReceivedEvent, router.HandleSubmissionReceived)
	if err != nil {
		return err
	}

	return a.eventBus.Subscribe(ctx)
}

package web

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/services"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// internalError hides the cause from the client; it is logged instead.
func internalError(c fiber.Ctx, logger *slog.Logger, err error) error {
	logger.ErrorContext(c.Context(), "request failed", "method", c.Method(), "path", c.Path(), "error", err)

	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithDetail("internal server error")

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, logger *slog.Logger, err error) error {
	switch {
	case services.IsValidationError(err):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType(problemType(err, "validation_error")).
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case services.IsConflictError(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType(problemType(err, "conflict")).
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "workflow_not_found", "workflow not found")

	case persistence.IsPartnerNotFound(err):
		return notFound(c, "partner_not_found", "partner api not found")

	case persistence.IsEntryNotFound(err):
		return notFound(c, "entry_not_found", "distribution log entry not found")

	default:
		return internalError(c, logger, err)
	}
}

// problemType uses the service error code when there is one.
func problemType(err error, fallback string) string {
	var serviceErr *services.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Code != "" {
		return serviceErr.Code
	}

	return fallback
}

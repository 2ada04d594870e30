package web

import (
	"errors"

	"github.com/dukex/repokeeper/pkg/services"
	"github.com/dukex/repokeeper/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func problem(c fiber.Ctx, status int, kind string, err error) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(err.Error())

	return c.Status(status).JSON(p)
}

// handleServiceError maps the service error taxonomy onto RFC 7807 responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsUnsupportedEvent(err):
		return problem(c, fiber.StatusUnprocessableEntity, "unsupported_event", err)

	case services.IsValidationError(err):
		return problem(c, fiber.StatusBadRequest, "validation_error", err)

	case services.IsNotFound(err):
		return problem(c, fiber.StatusNotFound, "not_found", err)

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err)

	case services.IsLockContention(err):
		return problem(c, fiber.StatusLocked, "lock_contention", err)

	case errors.Is(err, workflow.ErrShuttingDown):
		return problem(c, fiber.StatusServiceUnavailable, "shutting_down", err)

	default:
		// Unexpected errors keep their details out of the response body.
		p := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(p)
	}
}

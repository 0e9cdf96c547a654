package web

import (
	"errors"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/signature"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("invalid_signature").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps dispatch and store errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, dispatch.ErrUnknownAgent), errors.Is(err, signature.ErrMissingSecret):
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("configuration_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusInternalServerError).JSON(problem)

	case errors.Is(err, dispatch.ErrInvalidWorkItem),
		errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, models.ErrUnknownTaskType):
		return badRequest(c, err.Error())

	case errors.Is(err, dispatch.ErrDispatchFailed):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("dispatch_unavailable").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case errors.Is(err, dispatch.ErrWorkItemFailed):
		problem := problems.NewStatusProblem(502).
			WithInstance(c.Path()).
			WithType("agent_failed").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadGateway).JSON(problem)

	case errors.Is(err, dispatch.ErrAwaitTimeout):
		problem := problems.NewStatusProblem(504).
			WithInstance(c.Path()).
			WithType("agent_timeout").
			WithDetail(err.Error())

		return c.Status(fiber.StatusGatewayTimeout).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("workflow_not_found").
			WithDetail("workflow not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case persistence.IsStatusNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("task_not_found").
			WithDetail("task not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	default:
		return internalError(c, err)
	}
}

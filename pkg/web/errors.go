package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/spec"
	"github.com/forgeline/phasor/pkg/status"
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

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleDomainError maps engine errors onto problem responses.
func handleDomainError(c fiber.Ctx, err error) error {
	switch {
	case spec.IsSpecError(err):
		return badRequest(c, err.Error())
	case persistence.IsJobNotFound(err):
		return notFound(c, "job not found")
	case errors.Is(err, status.ErrInvalidTransition),
		errors.Is(err, jobs.ErrNoApprovalPending),
		errors.Is(err, jobs.ErrJobFinished),
		errors.Is(err, deploy.ErrJobNotReady),
		errors.Is(err, deploy.ErrValidationFailed):
		return conflict(c, err.Error())
	default:
		return internalError(c, err)
	}
}

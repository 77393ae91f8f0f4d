package web

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/forgeline/phasor/pkg/deploy"
	"github.com/forgeline/phasor/pkg/eventbus"
	"github.com/forgeline/phasor/pkg/events"
	"github.com/forgeline/phasor/pkg/jobs"
	"github.com/forgeline/phasor/pkg/models"
	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/spec"
)

const defaultLogTail = 100

type APIHandlers struct {
	manager     *jobs.Manager
	pipeline    *deploy.Pipeline
	stream      *eventbus.Stream
	persistence persistence.Persistence
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	manager *jobs.Manager,
	pipeline *deploy.Pipeline,
	stream *eventbus.Stream,
	persistence persistence.Persistence,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		manager:     manager,
		pipeline:    pipeline,
		stream:      stream,
		persistence: persistence,
		validator:   validator,
		logger:      logger,
	}
}

// Register wires every job endpoint onto the app.
func (h *APIHandlers) Register(app *fiber.App) {
	j := app.Group("/jobs")
	j.Post("/", h.SubmitJob)
	j.Get("/", h.ListJobs)
	j.Get("/:id", h.GetJob)
	j.Get("/:id/status", h.GetJobStatus)
	j.Get("/:id/events", h.StreamJobEvents)
	j.Get("/:id/phases/:phaseId/log", h.GetPhaseLog)
	j.Post("/:id/cancel", h.CancelJob)
	j.Post("/:id/phases/:phaseId/approve", h.ApprovePhase)
	j.Post("/:id/phases/:phaseId/reject", h.RejectPhase)
	j.Post("/:id/deploy", h.DeployJob)
	j.Post("/:id/integrate", h.IntegrateJob)

	app.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) SubmitJob(c fiber.Ctx) error {
	var req SubmitJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow := &models.WorkflowSpec{Project: req.Project, Phases: req.Phases}
	if err := spec.Validate(workflow); err != nil {
		return handleDomainError(c, err)
	}

	jobID, err := h.manager.Submit(c.Context(), workflow, req.PhaseFilter...)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(SubmitJobResponse{JobID: jobID})
}

func (h *APIHandlers) ListJobs(c fiber.Ctx) error {
	all, err := h.manager.List(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	statuses := make([]JobStatusResponse, 0, len(all))

	for _, job := range all {
		statuses = append(statuses, TransformJobStatus(job))
	}

	return c.JSON(fiber.Map{"jobs": statuses, "total_count": len(statuses)})
}

func (h *APIHandlers) GetJob(c fiber.Ctx) error {
	job, err := h.manager.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(job)
}

func (h *APIHandlers) GetJobStatus(c fiber.Ctx) error {
	job, err := h.manager.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(TransformJobStatus(job))
}

// GetPhaseLog returns the tail of a phase's worker output, reconstructed
// from the job's event journal.
func (h *APIHandlers) GetPhaseLog(c fiber.Ctx) error {
	jobID := c.Params("id")
	phaseID := c.Params("phaseId")

	tail := defaultLogTail

	if tailStr := c.Query("tail"); tailStr != "" {
		parsed, err := strconv.Atoi(tailStr)
		if err != nil || parsed < 1 {
			return badRequest(c, "tail must be a positive integer")
		}

		tail = parsed
	}

	if _, err := h.manager.Get(c.Context(), jobID); err != nil {
		return handleDomainError(c, err)
	}

	decoded, err := h.stream.Replay(c.Context(), jobID, 0)
	if err != nil {
		return internalError(c, err)
	}

	var lines []string

	for _, event := range decoded {
		if output, ok := event.(*events.AgentOutput); ok && output.PhaseID == phaseID {
			lines = append(lines, output.Line)
		}
	}

	if len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}

	return c.JSON(PhaseLogResponse{JobID: jobID, PhaseID: phaseID, Lines: lines})
}

func (h *APIHandlers) CancelJob(c fiber.Ctx) error {
	if err := h.manager.Cancel(c.Context(), c.Params("id")); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ApprovePhase(c fiber.Ctx) error {
	return h.resolveApproval(c, true)
}

func (h *APIHandlers) RejectPhase(c fiber.Ctx) error {
	return h.resolveApproval(c, false)
}

func (h *APIHandlers) resolveApproval(c fiber.Ctx, approved bool) error {
	var req ResolveApprovalRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	jobID := c.Params("id")
	phaseID := c.Params("phaseId")

	var err error
	if approved {
		err = h.manager.Approve(c.Context(), jobID, phaseID, req.Reason)
	} else {
		err = h.manager.Reject(c.Context(), jobID, phaseID, req.Reason)
	}

	if err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) DeployJob(c fiber.Ctx) error {
	req, err := h.parseIntegrateRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.pipeline.Deploy(c.Context(), c.Params("id"), req.Target); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) IntegrateJob(c fiber.Ctx) error {
	req, err := h.parseIntegrateRequest(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.pipeline.Integrate(c.Context(), c.Params("id"), req.Target); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) parseIntegrateRequest(c fiber.Ctx) (*IntegrateRequest, error) {
	var req IntegrateRequest
	if err := c.Bind().JSON(&req); err != nil {
		return nil, err
	}

	if err := h.validator.Struct(req); err != nil {
		return nil, err
	}

	return &req, nil
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.persistence.HealthCheck(c.Context())

	status := "healthy"
	message := "Phasor API is healthy"
	httpStatus := http.StatusOK

	if err != nil {
		status = "unhealthy"
		message = err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}

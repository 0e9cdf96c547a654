package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/conductor/pkg/chain"
	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/notify"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// analyzeDomains maps the :domain of POST /api/:domain/analyze to the payload
// it dispatches.
var analyzeDomains = map[string]func(AnalyzeRequest) models.Payload{
	models.AgentGithub: func(req AnalyzeRequest) models.Payload {
		return models.AnalyzeRepositoryPayload{RepoURL: req.Target, UserID: req.UserID, ProjectKey: req.CorrelationKey}
	},
	models.AgentCompliance: func(req AnalyzeRequest) models.Payload {
		return models.ComplianceScanPayload{RepoURL: req.Target, ProjectKey: req.CorrelationKey}
	},
	models.AgentLeads: func(req AnalyzeRequest) models.Payload {
		return models.DiscoverLeadsPayload{ProjectKey: req.CorrelationKey, Query: req.Target}
	},
}

type APIHandlers struct {
	dispatcher   *dispatch.Dispatcher
	store        persistence.StatusStore
	detector     *workflow.Detector
	validator    *validator.Validate
	registry     *notify.Registry
	logger       *slog.Logger
	awaitTimeout time.Duration
}

// NewAPIHandlers builds the handlers. registry may be nil, in which case the
// notification target routes are not mounted.
func NewAPIHandlers(
	dispatcher *dispatch.Dispatcher,
	detector *workflow.Detector,
	validator *validator.Validate,
	registry *notify.Registry,
	logger *slog.Logger,
	awaitTimeout time.Duration,
) *APIHandlers {
	return &APIHandlers{
		dispatcher:   dispatcher,
		store:        dispatcher.Store(),
		detector:     detector,
		validator:    validator,
		registry:     registry,
		logger:       logger.With("module", "web"),
		awaitTimeout: awaitTimeout,
	}
}

func (h *APIHandlers) Analyze(c fiber.Ctx) error {
	build, ok := analyzeDomains[c.Params("domain")]
	if !ok {
		return notFound(c, "Unknown analysis domain: "+c.Params("domain"))
	}

	var req AnalyzeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	item := models.NewWorkItem(build(req))
	if req.Priority != "" {
		item = item.WithPriority(req.Priority)
	}

	return h.dispatchOne(c, item)
}

func (h *APIHandlers) CreateMilestone(c fiber.Ctx) error {
	var req MilestoneRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	item := models.NewWorkItem(models.CreateMilestonePayload{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		UserEmail:   req.UserEmail,
		UserName:    req.UserName,
	}).WithStep(1, chain.MilestoneSteps)

	if req.Priority != "" {
		item = item.WithPriority(req.Priority)
	}

	return h.dispatchOne(c, item)
}

func (h *APIHandlers) CreateSocialPost(c fiber.Ctx) error {
	var req SocialPostRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	item := models.NewWorkItem(models.SocialPostPayload{
		ProjectID: req.ProjectID,
		Platform:  req.Platform,
		Text:      req.Text,
		Character: req.Character,
	})

	if req.Priority != "" {
		item = item.WithPriority(req.Priority)
	}

	return h.dispatchOne(c, item)
}

// Interact dispatches a reply request and waits for the agent's answer.
func (h *APIHandlers) Interact(c fiber.Ctx) error {
	var req InteractRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	payload := models.GenerateReplyPayload{ProjectID: c.Params("projectId"), Prompt: req.Prompt}
	if err := models.ValidatePayload(payload); err != nil {
		return badRequest(c, err.Error())
	}

	agent, _ := models.DefaultAgent(payload.TaskType())

	outcome, err := h.dispatcher.DispatchAndAwait(c.Context(), agent, models.NewWorkItem(payload).WithPriority(models.PriorityHigh), h.awaitTimeout)
	if err != nil {
		if errors.Is(err, dispatch.ErrWorkItemFailed) && outcome != nil {
			h.logger.WarnContext(c.Context(), "Interaction failed", "task_id", outcome.TaskID, "error", outcome.Error)
		}

		return handleError(c, err)
	}

	return c.JSON(InteractResponse{WorkflowID: outcome.WorkflowID, TaskID: outcome.TaskID, Result: outcome.Result})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("workflowId")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	snapshot, err := h.detector.Snapshot(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(snapshot)
}

func (h *APIHandlers) GetTask(c fiber.Ctx) error {
	id := c.Params("taskId")
	if id == "" {
		return badRequest(c, "Task ID is required")
	}

	record, err := h.store.Status(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(record)
}

func (h *APIHandlers) GetNotificationTargets(c fiber.Ctx) error {
	return c.JSON(NotificationTargetsResponse{Targets: h.registry.Targets()})
}

func (h *APIHandlers) AddNotificationTarget(c fiber.Ctx) error {
	var req NotificationTargetRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	added, err := h.registry.Register(req.URL)
	if err != nil {
		return badRequest(c, err.Error())
	}

	status := fiber.StatusOK
	if added {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(NotificationTargetsResponse{Targets: h.registry.Targets()})
}

func (h *APIHandlers) RemoveNotificationTarget(c fiber.Ctx) error {
	target := c.Query("url")
	if target == "" {
		return badRequest(c, "url query parameter is required")
	}

	if !h.registry.Unregister(target) {
		return notFound(c, "Notification target not registered")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	message := "Conductor is healthy"
	storeCheck := "ok"
	httpStatus := http.StatusOK

	if err := h.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		message = "Conductor is unhealthy"
		storeCheck = err.Error()
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(HealthResponse{
		Status:    status,
		Message:   message,
		Checkers:  map[string]string{"store": storeCheck},
		Timestamp: time.Now().UTC(),
	})
}

func (h *APIHandlers) Availability(c fiber.Ctx) error {
	return c.JSON(AvailabilityResponse{
		Status:  "available",
		Type:    "conductor",
		Message: "Dispatching to " + strings.Join(h.dispatcher.Agents(), ", "),
	})
}

func (h *APIHandlers) dispatchOne(c fiber.Ctx, item models.WorkItem) error {
	if err := models.ValidatePayload(item.Payload); err != nil {
		return badRequest(c, err.Error())
	}

	agent, _ := models.DefaultAgent(item.Type)

	dispatched, err := h.dispatcher.Dispatch(c.Context(), agent, item)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(DispatchResponse{WorkflowID: dispatched.WorkflowID, TaskID: dispatched.ID})
}

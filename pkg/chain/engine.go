package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/google/uuid"
)

// Dispatcher is the part of dispatch.Dispatcher the engine needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent string, item models.WorkItem) (models.WorkItem, error)
	Record(ctx context.Context, agent string, item models.WorkItem) (models.WorkItem, error)
}

var stepNamespace = uuid.MustParse("6f1c2a4e-5b0d-4c3e-9a7f-2d8e1b6c9f30")

// StepTaskID is the task id of a chained step. It only depends on the
// workflow and the step, so a retried continuation reuses it.
func StepTaskID(workflowID string, step int) string {
	return uuid.NewSHA1(stepNamespace, []byte(workflowID+":"+strconv.Itoa(step))).String()
}

// Engine dispatches the next step of a chain. Each next step is claimed in
// the store first, so duplicate completions dispatch it at most once.
type Engine struct {
	table      Table
	dispatcher Dispatcher
	store      persistence.StatusStore
	logger     *slog.Logger
}

func NewEngine(table Table, dispatcher Dispatcher, store persistence.StatusStore, logger *slog.Logger) *Engine {
	return &Engine{
		table:      table,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger.With("module", "chain"),
	}
}

// OnCompletion reacts to a terminal record and returns the dispatched next
// item, or nil when nothing was dispatched. Errors are transient and the
// caller is expected to retry.
func (e *Engine) OnCompletion(ctx context.Context, record *models.StatusRecord) (*models.WorkItem, error) {
	meta := record.StepMetadata
	if meta == nil {
		return nil, nil
	}

	logger := e.logger.With("workflow_id", record.WorkflowID, "task_id", record.TaskID, "step", meta.Step, "total_steps", meta.TotalSteps)

	switch {
	case record.Status == models.StatusFailed:
		logger.InfoContext(ctx, "Step failed, chain halted")

		return nil, nil
	case record.Status != models.StatusCompleted:
		return nil, nil
	case meta.IsLast():
		logger.InfoContext(ctx, "Chain finished")

		return nil, nil
	}

	transition, ok := e.table.Lookup(record.Type, meta.Step)
	if !ok {
		logger.WarnContext(ctx, "No continuation declared for step", "type", record.Type)

		return nil, nil
	}

	next, err := e.buildNext(record, transition)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to build next step, chain halted", "next", transition.Next, "error", err)

		return nil, nil
	}

	nextStep := meta.Next().Step

	claimed, err := e.store.ClaimStep(ctx, record.WorkflowID, nextStep)
	if err != nil {
		return nil, fmt.Errorf("failed to claim step %d of workflow %s: %w", nextStep, record.WorkflowID, err)
	}

	agent := transition.Agent
	if agent == "" {
		agent, _ = models.DefaultAgent(transition.Next)
	}

	if !claimed {
		return nil, e.ensureRecorded(ctx, logger, agent, next)
	}

	dispatched, err := e.dispatcher.Dispatch(ctx, agent, next)
	if err != nil {
		// The item is on its queue, so the claim stays and a retry only
		// writes the missing record.
		if errors.Is(err, dispatch.ErrNotRecorded) {
			return nil, fmt.Errorf("failed to record step %d of workflow %s: %w", nextStep, record.WorkflowID, err)
		}

		if releaseErr := e.store.ReleaseStep(ctx, record.WorkflowID, nextStep); releaseErr != nil {
			logger.ErrorContext(ctx, "Failed to release step claim", "next_step", nextStep, "error", releaseErr)
		}

		if errors.Is(err, dispatch.ErrUnknownAgent) || errors.Is(err, dispatch.ErrInvalidWorkItem) {
			logger.ErrorContext(ctx, "Next step is misconfigured, chain halted", "next", transition.Next, "agent", agent, "error", err)

			return nil, nil
		}

		return nil, fmt.Errorf("failed to dispatch step %d of workflow %s: %w", nextStep, record.WorkflowID, err)
	}

	logger.InfoContext(ctx, "Dispatched next step", "next_step", nextStep, "next_task_id", dispatched.ID, "type", dispatched.Type)

	return &dispatched, nil
}

// ensureRecorded handles a step claimed by an earlier delivery. If that
// delivery published the item without recording it, the record is written
// now. The item is never published again.
func (e *Engine) ensureRecorded(ctx context.Context, logger *slog.Logger, agent string, next models.WorkItem) error {
	_, err := e.store.Status(ctx, next.ID)
	if err == nil {
		logger.DebugContext(ctx, "Next step already dispatched", "next_step", next.StepMetadata.Step)

		return nil
	}

	if !persistence.IsStatusNotFound(err) {
		return fmt.Errorf("failed to look up step %d of workflow %s: %w", next.StepMetadata.Step, next.WorkflowID, err)
	}

	if _, err := e.dispatcher.Record(ctx, agent, next); err != nil {
		if errors.Is(err, dispatch.ErrUnknownAgent) || errors.Is(err, dispatch.ErrInvalidWorkItem) {
			logger.ErrorContext(ctx, "Next step is misconfigured, chain halted", "next", next.Type, "agent", agent, "error", err)

			return nil
		}

		return fmt.Errorf("failed to record step %d of workflow %s: %w", next.StepMetadata.Step, next.WorkflowID, err)
	}

	logger.WarnContext(ctx, "Recorded next step left unrecorded by an earlier delivery", "next_step", next.StepMetadata.Step, "next_task_id", next.ID)

	return nil
}

func (e *Engine) buildNext(record *models.StatusRecord, transition Transition) (models.WorkItem, error) {
	completed, err := models.DecodePayload(record.Type, record.Payload)
	if err != nil {
		return models.WorkItem{}, err
	}

	payload, err := transition.Build(completed, record.Result)
	if err != nil {
		return models.WorkItem{}, err
	}

	if payload.TaskType() != transition.Next {
		return models.WorkItem{}, fmt.Errorf("%w: built %s, declared %s", models.ErrPayloadTypeMismatch, payload.TaskType(), transition.Next)
	}

	next := record.StepMetadata.Next()

	item := models.NewWorkItem(payload).
		WithWorkflow(record.WorkflowID).
		WithStep(next.Step, next.TotalSteps)
	item.ID = StepTaskID(record.WorkflowID, next.Step)

	if record.Priority.Valid() {
		item = item.WithPriority(record.Priority)
	}

	return item, nil
}

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

var (
	// ErrAwaitTimeout means the item did not reach a terminal state in time.
	ErrAwaitTimeout = errors.New("timed out waiting for work item")

	// ErrWorkItemFailed means the agent reported FAILED.
	ErrWorkItemFailed = errors.New("work item failed")
)

// Outcome is the terminal state observed by the bridge.
type Outcome struct {
	TaskID     string          `json:"taskId"`
	WorkflowID string          `json:"workflowId"`
	Status     models.Status   `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// DispatchAndAwait dispatches item and blocks until its record is terminal
// or timeout elapses. A zero timeout uses the dispatcher default.
//
// COMPLETED returns the outcome and nil. FAILED returns the outcome and
// ErrWorkItemFailed. Timeout returns ErrAwaitTimeout and cancellation of ctx
// returns ctx.Err().
func (d *Dispatcher) DispatchAndAwait(ctx context.Context, agent string, item models.WorkItem, timeout time.Duration) (*Outcome, error) {
	dispatched, err := d.Dispatch(ctx, agent, item)
	if err != nil {
		return nil, err
	}

	return d.Await(ctx, dispatched.ID, timeout)
}

// Await polls the store for taskID. A missing record counts as pending.
func (d *Dispatcher) Await(ctx context.Context, taskID string, timeout time.Duration) (*Outcome, error) {
	if timeout <= 0 {
		timeout = d.awaitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		outcome, err := d.poll(waitCtx, taskID)
		if outcome != nil || err != nil {
			return outcome, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			d.logger.WarnContext(ctx, "Timed out waiting for work item", "task_id", taskID, "timeout", timeout)

			return nil, fmt.Errorf("%w: %s after %s", ErrAwaitTimeout, taskID, timeout)
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) poll(ctx context.Context, taskID string) (*Outcome, error) {
	record, err := d.store.Status(ctx, taskID)
	if err != nil {
		if persistence.IsStatusNotFound(err) || ctx.Err() != nil {
			return nil, nil
		}

		d.logger.WarnContext(ctx, "Failed to read work item status", "task_id", taskID, "error", err)

		return nil, nil
	}

	outcome := &Outcome{
		TaskID:     record.TaskID,
		WorkflowID: record.WorkflowID,
		Status:     record.Status,
		Result:     record.Result,
		Error:      record.Error,
	}

	switch record.Status {
	case models.StatusCompleted:
		return outcome, nil
	case models.StatusFailed:
		return outcome, fmt.Errorf("%w: %s: %s", ErrWorkItemFailed, taskID, record.Error)
	default:
		return nil, nil
	}
}

// ResultOrNil collapses a bridge call to the result of a COMPLETED item, or
// nil on failure, timeout and every other error.
func ResultOrNil(outcome *Outcome, err error) json.RawMessage {
	if err != nil || outcome == nil || outcome.Status != models.StatusCompleted {
		return nil
	}

	return outcome.Result
}

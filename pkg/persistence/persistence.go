// Package persistence provides the status store used to track work items and
// the workflows they belong to.
package persistence

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dukex/conductor/pkg/models"
)

// StatusStore persists status records keyed by task id and the cached
// workflow records. Every backend applies updates conditionally, so a
// terminal record is never overwritten regardless of delivery order.
type StatusStore interface {
	// CreateStatus inserts record when no record exists for its task id and
	// reports whether it did.
	CreateStatus(ctx context.Context, record *models.StatusRecord) (bool, error)
	Status(ctx context.Context, taskID string) (*models.StatusRecord, error)
	// ApplyUpdate applies the transition if models.CanTransition allows it.
	// It returns the stored record after the call and whether it changed.
	ApplyUpdate(ctx context.Context, update models.StatusUpdate) (*models.StatusRecord, bool, error)
	StatusesByWorkflow(ctx context.Context, workflowID string) ([]*models.StatusRecord, error)

	// SaveWorkflow inserts the workflow record when absent.
	SaveWorkflow(ctx context.Context, workflow *models.WorkflowRecord) error
	Workflow(ctx context.Context, workflowID string) (*models.WorkflowRecord, error)
	// CompleteWorkflow marks the workflow COMPLETED once and reports whether
	// this call did it.
	CompleteWorkflow(ctx context.Context, workflowID string, completedAt time.Time) (bool, error)

	// ClaimStep reserves the dispatch of step for workflowID. Only the first
	// caller gets true.
	ClaimStep(ctx context.Context, workflowID string, step int) (bool, error)
	ReleaseStep(ctx context.Context, workflowID string, step int) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// SortRecords orders records by start time, then step, then task id.
func SortRecords(records []*models.StatusRecord) {
	slices.SortStableFunc(records, func(a, b *models.StatusRecord) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}

		if c := cmp.Compare(stepOf(a), stepOf(b)); c != 0 {
			return c
		}

		return cmp.Compare(a.TaskID, b.TaskID)
	})
}

func stepOf(record *models.StatusRecord) int {
	if record.StepMetadata == nil {
		return 0
	}

	return record.StepMetadata.Step
}

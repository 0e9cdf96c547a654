// Package workflow decides when a workflow is finished and builds the
// externally visible view of it.
package workflow

import (
	"context"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
)

// Detector reads the status store on every call; nothing is cached.
type Detector struct {
	store persistence.StatusStore
}

func NewDetector(store persistence.StatusStore) *Detector {
	return &Detector{store: store}
}

// IsComplete reports whether every item of the workflow is terminal. A
// workflow with no items is not complete.
func (d *Detector) IsComplete(ctx context.Context, workflowID string) (bool, error) {
	records, err := d.store.StatusesByWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}

	return Evaluate(records), nil
}

// Evaluate applies the completion rule to a workflow's records: a workflow
// with at least one record is complete once every record is terminal.
// Continuations are dispatched before completion is evaluated, so a halted
// chain completes with the steps it has.
func Evaluate(records []*models.StatusRecord) bool {
	if len(records) == 0 {
		return false
	}

	for _, record := range records {
		if !record.Status.IsTerminal() {
			return false
		}
	}

	return true
}

// Snapshot returns the workflow with its items, or ErrWorkflowNotFound when
// nothing was ever dispatched for it.
func (d *Detector) Snapshot(ctx context.Context, workflowID string) (*models.WorkflowSnapshot, error) {
	records, err := d.store.StatusesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, persistence.NewWorkflowError("Snapshot", workflowID, persistence.ErrWorkflowNotFound)
	}

	snapshot := &models.WorkflowSnapshot{
		WorkflowID: workflowID,
		Complete:   Evaluate(records),
		Status:     models.WorkflowStatusPending,
		Counts:     make(map[models.Status]int),
		Tasks:      records,
	}

	for _, record := range records {
		snapshot.Counts[record.Status]++
	}

	workflow, err := d.store.Workflow(ctx, workflowID)

	switch {
	case err == nil:
		snapshot.Status = workflow.Status
		snapshot.CompletedAt = workflow.CompletedAt
	case !persistence.IsWorkflowNotFound(err):
		return nil, err
	}

	if snapshot.Complete {
		snapshot.Status = models.WorkflowStatusCompleted
	}

	return snapshot, nil
}

package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStatusNotFound indicates no status record exists for the task id.
	ErrStatusNotFound = errors.New("status not found")

	// ErrWorkflowNotFound indicates no workflow record exists for the id.
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// StatusError wraps status record errors with additional context.
type StatusError struct {
	Op     string // Operation being performed (e.g., "Status", "ApplyUpdate")
	TaskID string
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s operation failed for task %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for status errors.
func (e *StatusError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewStatusError(op, taskID string, err error) *StatusError {
	return &StatusError{Op: op, TaskID: taskID, Err: err}
}

// WorkflowError wraps workflow record errors with additional context.
type WorkflowError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// IsStatusNotFound checks if an error indicates a status record was not found.
func IsStatusNotFound(err error) bool {
	return errors.Is(err, ErrStatusNotFound)
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

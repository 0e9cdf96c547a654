package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a single work item.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a record in state from may move to state to.
// Terminal states accept nothing and nothing moves back to PENDING.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to.IsTerminal()
	case StatusInProgress:
		return to.IsTerminal()
	default:
		return false
	}
}

// StatusRecord is the persisted lifecycle state of one work item. The item's
// type, step and payload are copied in so downstream reactions can be
// computed from the record alone.
type StatusRecord struct {
	TaskID       string          `json:"taskId"`
	WorkflowID   string          `json:"workflowId"`
	Agent        string          `json:"agent"`
	Type         TaskType        `json:"type,omitempty"`
	StepMetadata *StepMetadata   `json:"stepMetadata,omitempty"`
	Priority     Priority        `json:"priority,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       Status          `json:"status"`
	StartTime    time.Time       `json:"startTime"`
	EndTime      *time.Time      `json:"endTime,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// NewPendingRecord builds the initial record for a dispatched item.
func NewPendingRecord(item WorkItem, payload json.RawMessage, now time.Time) *StatusRecord {
	return &StatusRecord{
		TaskID:       item.ID,
		WorkflowID:   item.WorkflowID,
		Agent:        item.Agent,
		Type:         item.Type,
		StepMetadata: item.StepMetadata,
		Priority:     item.Priority,
		Payload:      payload,
		Status:       StatusPending,
		StartTime:    now,
	}
}

// StatusUpdate is a requested transition for one record.
type StatusUpdate struct {
	TaskID    string
	Status    Status
	Timestamp time.Time
	Result    json.RawMessage
	Error     string
}

// Apply returns a copy of record with the update applied, and whether the
// transition was allowed. Result is kept only on COMPLETED and Error only on
// FAILED.
func (u StatusUpdate) Apply(record StatusRecord) (StatusRecord, bool) {
	if !CanTransition(record.Status, u.Status) {
		return record, false
	}

	record.Status = u.Status

	if u.Status.IsTerminal() {
		endTime := u.Timestamp
		record.EndTime = &endTime
	}

	record.Result = nil
	record.Error = ""

	switch u.Status {
	case StatusCompleted:
		record.Result = u.Result
	case StatusFailed:
		record.Error = u.Error
	}

	return record, true
}

// WorkflowStatus is the cached state of a workflow as a whole.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
)

type WorkflowRecord struct {
	ID          string         `json:"workflowId"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// WorkflowSnapshot is the externally visible view of a workflow.
type WorkflowSnapshot struct {
	WorkflowID  string          `json:"workflowId"`
	Complete    bool            `json:"complete"`
	Status      WorkflowStatus  `json:"status"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	Counts      map[Status]int  `json:"counts"`
	Tasks       []*StatusRecord `json:"tasks"`
}

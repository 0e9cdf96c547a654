// Package models defines the work item envelope, its typed payloads and the
// status records tracked for every dispatched item.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Priority is advisory and never affects ordering.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidStepMetadata = errors.New("invalid step metadata")
	ErrPayloadTypeMismatch = errors.New("payload does not match work item type")
)

// StepMetadata marks a work item as step Step of a chain of TotalSteps.
type StepMetadata struct {
	Step       int `json:"step"`
	TotalSteps int `json:"totalSteps"`
}

func (s StepMetadata) Validate() error {
	if s.TotalSteps < 1 || s.Step < 1 || s.Step > s.TotalSteps {
		return fmt.Errorf("%w: step %d of %d", ErrInvalidStepMetadata, s.Step, s.TotalSteps)
	}

	return nil
}

func (s StepMetadata) IsLast() bool {
	return s.Step == s.TotalSteps
}

func (s StepMetadata) Next() StepMetadata {
	return StepMetadata{Step: s.Step + 1, TotalSteps: s.TotalSteps}
}

// WorkItem is the unit of work handed to an agent. Values are treated as
// immutable once dispatched; the With* helpers return modified copies.
type WorkItem struct {
	ID           string        `json:"taskId"`
	WorkflowID   string        `json:"workflowId"`
	Agent        string        `json:"agent"`
	Type         TaskType      `json:"type"`
	Payload      Payload       `json:"-"`
	Priority     Priority      `json:"priority"`
	StepMetadata *StepMetadata `json:"stepMetadata,omitempty"`
}

// NewWorkItem builds an item whose type is taken from the payload.
func NewWorkItem(payload Payload) WorkItem {
	return WorkItem{
		Type:     payload.TaskType(),
		Payload:  payload,
		Priority: PriorityMedium,
	}
}

func (w WorkItem) WithWorkflow(workflowID string) WorkItem {
	w.WorkflowID = workflowID

	return w
}

func (w WorkItem) WithPriority(priority Priority) WorkItem {
	w.Priority = priority

	return w
}

func (w WorkItem) WithStep(step, totalSteps int) WorkItem {
	w.StepMetadata = &StepMetadata{Step: step, TotalSteps: totalSteps}

	return w
}

// Validate checks the envelope and the payload. It does not check that the
// agent resolves to a queue; that is the dispatcher's job.
func (w WorkItem) Validate() error {
	if w.ID == "" {
		return errors.New("work item id is required")
	}

	if w.WorkflowID == "" {
		return errors.New("work item workflow id is required")
	}

	if w.Agent == "" {
		return errors.New("work item agent is required")
	}

	if !w.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", w.Priority)
	}

	if w.StepMetadata != nil {
		if err := w.StepMetadata.Validate(); err != nil {
			return err
		}
	}

	if w.Payload == nil {
		return fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}

	if w.Payload.TaskType() != w.Type {
		return fmt.Errorf("%w: %s payload on %s item", ErrPayloadTypeMismatch, w.Payload.TaskType(), w.Type)
	}

	return ValidatePayload(w.Payload)
}

type workItemJSON struct {
	ID           string          `json:"taskId"`
	WorkflowID   string          `json:"workflowId"`
	Agent        string          `json:"agent,omitempty"`
	Type         TaskType        `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     Priority        `json:"priority"`
	StepMetadata *StepMetadata   `json:"stepMetadata,omitempty"`
}

func (w WorkItem) MarshalJSON() ([]byte, error) {
	payload, err := EncodePayload(w.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(workItemJSON{
		ID:           w.ID,
		WorkflowID:   w.WorkflowID,
		Agent:        w.Agent,
		Type:         w.Type,
		Payload:      payload,
		Priority:     w.Priority,
		StepMetadata: w.StepMetadata,
	})
}

// UnmarshalJSON decodes the envelope and resolves the payload variant from
// the type tag, rejecting unknown types and payloads that fail their schema.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw workItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	*w = WorkItem{
		ID:           raw.ID,
		WorkflowID:   raw.WorkflowID,
		Agent:        raw.Agent,
		Type:         raw.Type,
		Payload:      payload,
		Priority:     raw.Priority,
		StepMetadata: raw.StepMetadata,
	}

	return nil
}

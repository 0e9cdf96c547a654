// Package events defines the messages exchanged with agents over the queue
// substrate: work items going out and completions coming back.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/models"
)

// Metadata keys set on every outbound agent message.
const (
	AgentMetadataKey      = "agent"
	TaskTypeMetadataKey   = "task_type"
	WorkflowIDMetadataKey = "workflow_id"
)

// CompletionType tags completion messages on the results queue.
const CompletionType = "TASK_COMPLETION"

var ErrMalformedCompletion = errors.New("malformed completion message")

// AgentMessage is the body published to an agent queue.
type AgentMessage struct {
	TaskID       string               `json:"taskId"`
	WorkflowID   string               `json:"workflowId"`
	Type         models.TaskType      `json:"type"`
	Payload      json.RawMessage      `json:"payload"`
	Priority     models.Priority      `json:"priority"`
	StepMetadata *models.StepMetadata `json:"stepMetadata,omitempty"`
}

func NewAgentMessage(item models.WorkItem) (AgentMessage, error) {
	payload, err := models.EncodePayload(item.Payload)
	if err != nil {
		return AgentMessage{}, err
	}

	return AgentMessage{
		TaskID:       item.ID,
		WorkflowID:   item.WorkflowID,
		Type:         item.Type,
		Payload:      payload,
		Priority:     item.Priority,
		StepMetadata: item.StepMetadata,
	}, nil
}

// Message builds the watermill message for the agent queue. The message UUID
// is the task id so redeliveries can be correlated by agents.
func (m AgentMessage) Message(agent string) (*message.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent message %s: %w", m.TaskID, err)
	}

	msg := message.NewMessage(m.TaskID, body)
	msg.Metadata.Set(AgentMetadataKey, agent)
	msg.Metadata.Set(TaskTypeMetadataKey, string(m.Type))
	msg.Metadata.Set(WorkflowIDMetadataKey, m.WorkflowID)

	return msg, nil
}

// WorkItem decodes the message back into a typed work item.
func (m AgentMessage) WorkItem(agent string) (models.WorkItem, error) {
	payload, err := models.DecodePayload(m.Type, m.Payload)
	if err != nil {
		return models.WorkItem{}, err
	}

	return models.WorkItem{
		ID:           m.TaskID,
		WorkflowID:   m.WorkflowID,
		Agent:        agent,
		Type:         m.Type,
		Payload:      payload,
		Priority:     m.Priority,
		StepMetadata: m.StepMetadata,
	}, nil
}

func ParseAgentMessage(msg *message.Message) (AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return AgentMessage{}, fmt.Errorf("failed to unmarshal agent message: %w", err)
	}

	return m, nil
}

// Completion is the report an agent publishes to the results queue.
type Completion struct {
	TaskID     string          `json:"taskId"`
	WorkflowID string          `json:"workflowId"`
	Status     models.Status   `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Agent      string          `json:"agent"`
	Timestamp  time.Time       `json:"timestamp"`
}

type CompletionMessage struct {
	Type    string     `json:"type"`
	Payload Completion `json:"payload"`
}

func (c Completion) Validate() error {
	if c.TaskID == "" {
		return fmt.Errorf("%w: taskId is required", ErrMalformedCompletion)
	}

	if c.WorkflowID == "" {
		return fmt.Errorf("%w: workflowId is required", ErrMalformedCompletion)
	}

	switch c.Status {
	case models.StatusInProgress, models.StatusCompleted, models.StatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: unsupported status %q", ErrMalformedCompletion, c.Status)
	}
}

// Update converts the completion into a store transition, stamping now when
// the agent did not report a timestamp.
func (c Completion) Update(now time.Time) models.StatusUpdate {
	timestamp := c.Timestamp
	if timestamp.IsZero() {
		timestamp = now
	}

	return models.StatusUpdate{
		TaskID:    c.TaskID,
		Status:    c.Status,
		Timestamp: timestamp,
		Result:    c.Result,
		Error:     c.Error,
	}
}

// Message wraps the completion in its envelope for the results queue.
func (c Completion) Message(uuid string) (*message.Message, error) {
	body, err := json.Marshal(CompletionMessage{Type: CompletionType, Payload: c})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion %s: %w", c.TaskID, err)
	}

	msg := message.NewMessage(uuid, body)
	msg.Metadata.Set(AgentMetadataKey, c.Agent)
	msg.Metadata.Set(WorkflowIDMetadataKey, c.WorkflowID)

	return msg, nil
}

// ParseCompletion decodes and validates a results queue body. Every failure
// wraps ErrMalformedCompletion.
func ParseCompletion(body []byte) (Completion, error) {
	var envelope CompletionMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Completion{}, fmt.Errorf("%w: %w", ErrMalformedCompletion, err)
	}

	if envelope.Type != CompletionType {
		return Completion{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedCompletion, envelope.Type)
	}

	if err := envelope.Payload.Validate(); err != nil {
		return Completion{}, err
	}

	return envelope.Payload, nil
}

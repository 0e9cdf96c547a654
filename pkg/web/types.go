// Package web provides the HTTP ingress: API routes that turn requests into
// work items, signed webhooks, and read access to task and workflow status.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/conductor/pkg/models"
)

// AnalyzeRequest is the body of POST /api/:domain/analyze.
type AnalyzeRequest struct {
	Target         string          `json:"target"             validate:"required"`
	CorrelationKey string          `json:"correlationKey"     validate:"required"`
	UserID         string          `json:"userId,omitempty"`
	Priority       models.Priority `json:"priority,omitempty" validate:"omitempty,oneof=HIGH MEDIUM LOW"`
}

// MilestoneRequest starts the milestone chain.
type MilestoneRequest struct {
	ProjectID   string          `json:"projectId"          validate:"required"`
	Title       string          `json:"title"              validate:"required"`
	Description string          `json:"description"        validate:"required"`
	DueDate     string          `json:"dueDate,omitempty"`
	UserEmail   string          `json:"userEmail"          validate:"required,email"`
	UserName    string          `json:"userName"           validate:"required"`
	Priority    models.Priority `json:"priority,omitempty" validate:"omitempty,oneof=HIGH MEDIUM LOW"`
}

type SocialPostRequest struct {
	ProjectID string          `json:"projectId"           validate:"required"`
	Platform  string          `json:"platform"            validate:"required,oneof=twitter linkedin telegram"`
	Text      string          `json:"text,omitempty"`
	Character map[string]any  `json:"character,omitempty"`
	Priority  models.Priority `json:"priority,omitempty"  validate:"omitempty,oneof=HIGH MEDIUM LOW"`
}

// InteractRequest asks the social agent for a reply and waits for it.
type InteractRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

type NotificationTargetRequest struct {
	URL string `json:"url" validate:"required,http_url"`
}

// DispatchResponse is returned by every route that starts a workflow.
type DispatchResponse struct {
	WorkflowID string   `json:"workflowId"`
	TaskID     string   `json:"taskId,omitempty"`
	TaskIDs    []string `json:"taskIds,omitempty"`
}

type InteractResponse struct {
	WorkflowID string          `json:"workflowId"`
	TaskID     string          `json:"taskId"`
	Result     json.RawMessage `json:"result"`
}

type WebhookResponse struct {
	Received   bool     `json:"received"`
	Event      string   `json:"event,omitempty"`
	WorkflowID string   `json:"workflowId,omitempty"`
	TaskIDs    []string `json:"taskIds"`
}

type NotificationTargetsResponse struct {
	Targets []string `json:"targets"`
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Checkers  map[string]string `json:"checkers"`
	Timestamp time.Time         `json:"timestamp"`
}

type AvailabilityResponse struct {
	Status  string `json:"status"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// InputSchemaResponse documents every accepted input.
type InputSchemaResponse struct {
	Payloads map[models.TaskType]*models.JSONSchema   `json:"payloads"`
	Requests map[string]*models.JSONSchema            `json:"requests"`
	Webhooks map[string]map[string]*models.JSONSchema `json:"webhooks"`
}

package web

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/dukex/conductor/pkg/chain"
	"github.com/dukex/conductor/pkg/models"
)

// WebhookSource translates the signed events of one external system into
// work items. Items returned together are dispatched in one workflow.
type WebhookSource interface {
	Name() string
	// Event extracts the event name from the request.
	Event(header func(string) string, body []byte) string
	// Events lists the events the source acts on.
	Events() []string
	// Schema returns the body schema for event, or nil when the body is not
	// inspected.
	Schema(event string) *models.JSONSchema
	Translate(event string, body []byte) ([]models.WorkItem, error)
}

// WebhookSources indexes sources by name.
type WebhookSources map[string]WebhookSource

func NewWebhookSources(sources ...WebhookSource) WebhookSources {
	indexed := make(WebhookSources, len(sources))
	for _, source := range sources {
		indexed[source.Name()] = source
	}

	return indexed
}

// DefaultWebhookSources returns the github and karma sources.
func DefaultWebhookSources() WebhookSources {
	return NewWebhookSources(GitHubSource{}, KarmaSource{})
}

// Schemas lists the body schema of every event of every source.
func (s WebhookSources) Schemas() map[string]map[string]*models.JSONSchema {
	schemas := make(map[string]map[string]*models.JSONSchema, len(s))

	for name, source := range s {
		events := make(map[string]*models.JSONSchema)

		for _, event := range source.Events() {
			if schema := source.Schema(event); schema != nil {
				events[event] = schema
			}
		}

		schemas[name] = events
	}

	return schemas
}

const (
	GitHubEventHeader = "X-GitHub-Event"
	GitHubEventPush   = "push"
	GitHubEventPing   = "ping"
)

// GitHubSource reacts to pushes by analyzing and scanning the repository.
type GitHubSource struct{}

type gitHubPush struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (GitHubSource) Name() string { return "github" }

func (GitHubSource) Event(header func(string) string, _ []byte) string {
	return header(GitHubEventHeader)
}

func (GitHubSource) Events() []string {
	return []string{GitHubEventPing, GitHubEventPush}
}

var gitHubPushSchema = &models.JSONSchema{
	Schema:   "http://json-schema.org/draft-07/schema#",
	Type:     "object",
	Title:    "GitHub push event",
	Required: []string{"repository"},
	Properties: map[string]*models.Property{
		"ref": {Type: "string"},
		"repository": {
			Type:     "object",
			Required: []string{"full_name", "html_url"},
			Properties: map[string]*models.Property{
				"full_name": {Type: "string"},
				"html_url":  {Type: "string", Format: "uri"},
			},
		},
	},
}

func (GitHubSource) Schema(event string) *models.JSONSchema {
	if event == GitHubEventPush {
		return gitHubPushSchema
	}

	return nil
}

func (GitHubSource) Translate(event string, body []byte) ([]models.WorkItem, error) {
	if event != GitHubEventPush {
		return nil, nil
	}

	var push gitHubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}

	return []models.WorkItem{
		models.NewWorkItem(models.AnalyzeRepositoryPayload{
			RepoURL:    push.Repository.HTMLURL,
			UserID:     push.Sender.Login,
			ProjectKey: push.Repository.FullName,
		}),
		models.NewWorkItem(models.ComplianceScanPayload{
			RepoURL:    push.Repository.HTMLURL,
			ProjectKey: push.Repository.FullName,
		}),
	}, nil
}

const KarmaEventMilestoneRequested = "milestone.requested"

// KarmaSource starts the milestone chain for milestone requests.
type KarmaSource struct{}

type karmaEvent struct {
	Event       string          `json:"event"`
	ProjectID   string          `json:"projectId"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	DueDate     string          `json:"dueDate,omitempty"`
	Priority    models.Priority `json:"priority,omitempty"`
	User        struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
}

func (KarmaSource) Name() string { return "karma" }

func (KarmaSource) Event(_ func(string) string, body []byte) string {
	var envelope struct {
		Event string `json:"event"`
	}

	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}

	return envelope.Event
}

func (KarmaSource) Events() []string {
	return []string{KarmaEventMilestoneRequested}
}

var (
	karmaEnvelopeSchema = &models.JSONSchema{
		Schema:   "http://json-schema.org/draft-07/schema#",
		Type:     "object",
		Title:    "Karma event",
		Required: []string{"event"},
		Properties: map[string]*models.Property{
			"event": {Type: "string"},
		},
	}

	karmaMilestoneSchema = &models.JSONSchema{
		Schema:   "http://json-schema.org/draft-07/schema#",
		Type:     "object",
		Title:    "Karma milestone request",
		Required: []string{"event", "projectId", "title", "description", "user"},
		Properties: map[string]*models.Property{
			"event":       {Type: "string", Enum: []any{KarmaEventMilestoneRequested}},
			"projectId":   {Type: "string"},
			"title":       {Type: "string"},
			"description": {Type: "string"},
			"dueDate":     {Type: "string"},
			"priority":    {Type: "string", Enum: []any{"HIGH", "MEDIUM", "LOW"}},
			"user": {
				Type:     "object",
				Required: []string{"email", "name"},
				Properties: map[string]*models.Property{
					"email": {Type: "string", Format: "email"},
					"name":  {Type: "string"},
				},
			},
		},
	}
)

func (k KarmaSource) Schema(event string) *models.JSONSchema {
	if slices.Contains(k.Events(), event) {
		return karmaMilestoneSchema
	}

	return karmaEnvelopeSchema
}

func (KarmaSource) Translate(event string, body []byte) ([]models.WorkItem, error) {
	if event != KarmaEventMilestoneRequested {
		return nil, nil
	}

	var request karmaEvent
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}

	item := models.NewWorkItem(models.CreateMilestonePayload{
		ProjectID:   request.ProjectID,
		Title:       request.Title,
		Description: request.Description,
		DueDate:     request.DueDate,
		UserEmail:   request.User.Email,
		UserName:    request.User.Name,
	}).WithStep(1, chain.MilestoneSteps)

	if request.Priority.Valid() {
		item = item.WithPriority(request.Priority)
	}

	return []models.WorkItem{item}, nil
}

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
)

// TaskType is the closed set of operations an agent can be asked to perform.
type TaskType string

const (
	TaskAnalyzeRepository TaskType = "ANALYZE_REPOSITORY"
	TaskComplianceScan    TaskType = "COMPLIANCE_SCAN"
	TaskDiscoverLeads     TaskType = "DISCOVER_LEADS"
	TaskSocialPost        TaskType = "SOCIAL_POST"
	TaskGenerateReply     TaskType = "GENERATE_REPLY"
	TaskCreateMilestone   TaskType = "CREATE_MILESTONE"
	TaskAnnounceMilestone TaskType = "ANNOUNCE_MILESTONE"
	TaskSendConfirmation  TaskType = "SEND_CONFIRMATION"
)

// Agent names used by the built-in task types.
const (
	AgentGithub       = "github"
	AgentCompliance   = "compliance"
	AgentLeads        = "leads"
	AgentSocial       = "social"
	AgentKarma        = "karma"
	AgentNotification = "notification"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidPayload  = errors.New("invalid payload")
)

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// Payload is implemented by one struct per TaskType.
type Payload interface {
	TaskType() TaskType
}

type AnalyzeRepositoryPayload struct {
	RepoURL    string `json:"repoUrl"          validate:"required,url"`
	UserID     string `json:"userId,omitempty"`
	ProjectKey string `json:"projectKey"       validate:"required"`
}

func (AnalyzeRepositoryPayload) TaskType() TaskType { return TaskAnalyzeRepository }

type ComplianceScanPayload struct {
	RepoURL    string `json:"repoUrl"    validate:"required,url"`
	ProjectKey string `json:"projectKey" validate:"required"`
}

func (ComplianceScanPayload) TaskType() TaskType { return TaskComplianceScan }

type DiscoverLeadsPayload struct {
	ProjectKey string `json:"projectKey" validate:"required"`
	Query      string `json:"query"      validate:"required"`
}

func (DiscoverLeadsPayload) TaskType() TaskType { return TaskDiscoverLeads }

type SocialPostPayload struct {
	ProjectID string         `json:"projectId"           validate:"required"`
	Platform  string         `json:"platform"            validate:"required,oneof=twitter linkedin telegram"`
	Text      string         `json:"text,omitempty"`
	Character map[string]any `json:"character,omitempty"`
}

func (SocialPostPayload) TaskType() TaskType { return TaskSocialPost }

type GenerateReplyPayload struct {
	ProjectID string `json:"projectId" validate:"required"`
	Prompt    string `json:"prompt"    validate:"required"`
}

func (GenerateReplyPayload) TaskType() TaskType { return TaskGenerateReply }

type CreateMilestonePayload struct {
	ProjectID   string `json:"projectId"         validate:"required"`
	Title       string `json:"title"             validate:"required"`
	Description string `json:"description"       validate:"required"`
	DueDate     string `json:"dueDate,omitempty"`
	UserEmail   string `json:"userEmail"         validate:"required,email"`
	UserName    string `json:"userName"          validate:"required"`
}

func (CreateMilestonePayload) TaskType() TaskType { return TaskCreateMilestone }

type AnnounceMilestonePayload struct {
	ProjectID   string `json:"projectId"     validate:"required"`
	MilestoneID string `json:"milestoneId"   validate:"required"`
	Title       string `json:"title"         validate:"required"`
	URL         string `json:"url,omitempty" validate:"omitempty,url"`
	UserEmail   string `json:"userEmail"     validate:"required,email"`
	UserName    string `json:"userName"      validate:"required"`
}

func (AnnounceMilestonePayload) TaskType() TaskType { return TaskAnnounceMilestone }

type SendConfirmationPayload struct {
	ProjectID string `json:"projectId" validate:"required"`
	Email     string `json:"email"     validate:"required,email"`
	Name      string `json:"name"      validate:"required"`
	Subject   string `json:"subject"   validate:"required"`
	Message   string `json:"message"   validate:"required"`
}

func (SendConfirmationPayload) TaskType() TaskType { return TaskSendConfirmation }

type taskSpec struct {
	agent  string
	schema *JSONSchema
	decode func(json.RawMessage) (Payload, error)
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	return payload, nil
}

var taskSpecs = map[TaskType]taskSpec{
	TaskAnalyzeRepository: {
		agent: AgentGithub,
		schema: objectSchema("Analyze repository", map[string]*Property{
			"repoUrl":    {Type: "string", Format: "uri", Description: "Repository URL"},
			"userId":     optionalStringProp("Requesting user"),
			"projectKey": stringProp("Correlation key of the project"),
		}, "repoUrl", "projectKey"),
		decode: decodeAs[AnalyzeRepositoryPayload],
	},
	TaskComplianceScan: {
		agent: AgentCompliance,
		schema: objectSchema("Compliance scan", map[string]*Property{
			"repoUrl":    {Type: "string", Format: "uri", Description: "Repository URL"},
			"projectKey": stringProp("Correlation key of the project"),
		}, "repoUrl", "projectKey"),
		decode: decodeAs[ComplianceScanPayload],
	},
	TaskDiscoverLeads: {
		agent: AgentLeads,
		schema: objectSchema("Discover leads", map[string]*Property{
			"projectKey": stringProp("Correlation key of the project"),
			"query":      stringProp("Search query"),
		}, "projectKey", "query"),
		decode: decodeAs[DiscoverLeadsPayload],
	},
	TaskSocialPost: {
		agent: AgentSocial,
		schema: objectSchema("Social post", map[string]*Property{
			"projectId": stringProp("Project identifier"),
			"platform":  {Type: "string", Enum: []any{"twitter", "linkedin", "telegram"}},
			"text":      optionalStringProp("Post text, generated by the agent when empty"),
			"character": {Type: "object", Description: "Character profile used for the voice"},
		}, "projectId", "platform"),
		decode: decodeAs[SocialPostPayload],
	},
	TaskGenerateReply: {
		agent: AgentSocial,
		schema: objectSchema("Generate reply", map[string]*Property{
			"projectId": stringProp("Project identifier"),
			"prompt":    stringProp("User prompt"),
		}, "projectId", "prompt"),
		decode: decodeAs[GenerateReplyPayload],
	},
	TaskCreateMilestone: {
		agent: AgentKarma,
		schema: objectSchema("Create milestone", map[string]*Property{
			"projectId":   stringProp("Project identifier"),
			"title":       stringProp("Milestone title"),
			"description": stringProp("Milestone description"),
			"dueDate":     optionalStringProp("Due date"),
			"userEmail":   {Type: "string", Format: "email"},
			"userName":    stringProp("Initiating user"),
		}, "projectId", "title", "description", "userEmail", "userName"),
		decode: decodeAs[CreateMilestonePayload],
	},
	TaskAnnounceMilestone: {
		agent: AgentSocial,
		schema: objectSchema("Announce milestone", map[string]*Property{
			"projectId":   stringProp("Project identifier"),
			"milestoneId": stringProp("Milestone created by the previous step"),
			"title":       stringProp("Milestone title"),
			"url":         optionalStringProp("Milestone URL"),
			"userEmail":   {Type: "string", Format: "email"},
			"userName":    stringProp("Initiating user"),
		}, "projectId", "milestoneId", "title", "userEmail", "userName"),
		decode: decodeAs[AnnounceMilestonePayload],
	},
	TaskSendConfirmation: {
		agent: AgentNotification,
		schema: objectSchema("Send confirmation", map[string]*Property{
			"projectId": stringProp("Project identifier"),
			"email":     {Type: "string", Format: "email"},
			"name":      stringProp("Recipient name"),
			"subject":   stringProp("Subject line"),
			"message":   stringProp("Message body"),
		}, "projectId", "email", "name", "subject", "message"),
		decode: decodeAs[SendConfirmationPayload],
	},
}

// TaskTypes returns every known task type in a stable order.
func TaskTypes() []TaskType {
	types := make([]TaskType, 0, len(taskSpecs))
	for taskType := range taskSpecs {
		types = append(types, taskType)
	}

	slices.Sort(types)

	return types
}

func (t TaskType) Valid() bool {
	_, ok := taskSpecs[t]

	return ok
}

// DefaultAgent returns the agent that normally serves the task type.
func DefaultAgent(taskType TaskType) (string, bool) {
	spec, ok := taskSpecs[taskType]

	return spec.agent, ok
}

func PayloadSchema(taskType TaskType) (*JSONSchema, error) {
	spec, ok := taskSpecs[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	return spec.schema, nil
}

// DecodePayload resolves the payload variant for taskType, validating the raw
// document against the type's schema before decoding it.
func DecodePayload(taskType TaskType, raw json.RawMessage) (Payload, error) {
	spec, ok := taskSpecs[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty %s payload", ErrInvalidPayload, taskType)
	}

	if err := spec.schema.ValidateJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, taskType, err)
	}

	payload, err := spec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPayload, taskType, err)
	}

	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}

	return payload, nil
}

func EncodePayload(payload Payload) (json.RawMessage, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidPayload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", payload.TaskType(), err)
	}

	return data, nil
}

func ValidatePayload(payload Payload) error {
	if !payload.TaskType().Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, payload.TaskType())
	}

	if err := payloadValidator.Struct(payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidPayload, payload.TaskType(), err)
	}

	return nil
}

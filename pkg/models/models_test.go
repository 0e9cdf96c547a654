package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMilestone() CreateMilestonePayload {
	return CreateMilestonePayload{
		ProjectID:   "jedi-1",
		Title:       "Public beta",
		Description: "Ship the beta",
		UserEmail:   "owner@example.com",
		UserName:    "Owner",
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from     Status
		to       Status
		expected bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, false},
		{StatusInProgress, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusInProgress, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.expected, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusUpdate_Apply(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	record := StatusRecord{TaskID: "a1", WorkflowID: "w1", Status: StatusPending, StartTime: now}

	completed, ok := StatusUpdate{
		TaskID:    "a1",
		Status:    StatusCompleted,
		Timestamp: now.Add(time.Minute),
		Result:    json.RawMessage(`{"ok":true}`),
		Error:     "ignored",
	}.Apply(record)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.EndTime)
	assert.Equal(t, now.Add(time.Minute), *completed.EndTime)
	assert.JSONEq(t, `{"ok":true}`, string(completed.Result))
	assert.Empty(t, completed.Error)

	again, ok := StatusUpdate{TaskID: "a1", Status: StatusFailed, Error: "late"}.Apply(completed)
	assert.False(t, ok)
	assert.Equal(t, completed, again)

	failed, ok := StatusUpdate{
		TaskID: "a1",
		Status: StatusFailed,
		Result: json.RawMessage(`{"partial":true}`),
		Error:  "rate limited",
	}.Apply(record)
	require.True(t, ok)
	assert.Nil(t, failed.Result)
	assert.Equal(t, "rate limited", failed.Error)
}

func TestStepMetadata_Validate(t *testing.T) {
	assert.NoError(t, StepMetadata{Step: 1, TotalSteps: 3}.Validate())
	assert.NoError(t, StepMetadata{Step: 3, TotalSteps: 3}.Validate())
	assert.ErrorIs(t, StepMetadata{Step: 0, TotalSteps: 3}.Validate(), ErrInvalidStepMetadata)
	assert.ErrorIs(t, StepMetadata{Step: 4, TotalSteps: 3}.Validate(), ErrInvalidStepMetadata)
	assert.ErrorIs(t, StepMetadata{Step: 1, TotalSteps: 0}.Validate(), ErrInvalidStepMetadata)

	assert.True(t, StepMetadata{Step: 3, TotalSteps: 3}.IsLast())
	assert.Equal(t, StepMetadata{Step: 2, TotalSteps: 3}, StepMetadata{Step: 1, TotalSteps: 3}.Next())
}

func TestWorkItem_Validate(t *testing.T) {
	base := NewWorkItem(validMilestone())
	base.ID = "a1"
	base.WorkflowID = "w1"
	base.Agent = AgentKarma

	tests := []struct {
		name    string
		mutate  func(WorkItem) WorkItem
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(w WorkItem) WorkItem { return w },
		},
		{
			name:   "valid with step",
			mutate: func(w WorkItem) WorkItem { return w.WithStep(1, 3) },
		},
		{
			name:    "bad step",
			mutate:  func(w WorkItem) WorkItem { return w.WithStep(4, 3) },
			wantErr: ErrInvalidStepMetadata,
		},
		{
			name: "type mismatch",
			mutate: func(w WorkItem) WorkItem {
				w.Type = TaskSocialPost

				return w
			},
			wantErr: ErrPayloadTypeMismatch,
		},
		{
			name: "missing payload",
			mutate: func(w WorkItem) WorkItem {
				w.Payload = nil

				return w
			},
			wantErr: ErrInvalidPayload,
		},
		{
			name: "invalid payload field",
			mutate: func(w WorkItem) WorkItem {
				p := validMilestone()
				p.UserEmail = "not-an-email"
				w.Payload = p

				return w
			},
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(base).Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	bad := base
	bad.Priority = "URGENT"
	assert.Error(t, bad.Validate())

	missing := base
	missing.WorkflowID = ""
	assert.Error(t, missing.Validate())
}

func TestWorkItem_JSONWireFormat(t *testing.T) {
	item := NewWorkItem(validMilestone()).WithWorkflow("w2").WithStep(1, 3).WithPriority(PriorityHigh)
	item.ID = "t1"
	item.Agent = AgentKarma

	data, err := json.Marshal(item)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "t1", wire["taskId"])
	assert.Equal(t, "w2", wire["workflowId"])
	assert.Equal(t, "CREATE_MILESTONE", wire["type"])
	assert.Equal(t, "HIGH", wire["priority"])
	assert.Equal(t, map[string]any{"step": float64(1), "totalSteps": float64(3)}, wire["stepMetadata"])
	assert.Equal(t, "Public beta", wire["payload"].(map[string]any)["title"])

	var decoded WorkItem
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, item, decoded)
}

func TestWorkItem_UnmarshalRejectsUnknownShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{
			name:    "unknown type",
			body:    `{"taskId":"t1","workflowId":"w1","type":"MINE_BITCOIN","payload":{}}`,
			wantErr: ErrUnknownTaskType,
		},
		{
			name:    "schema violation",
			body:    `{"taskId":"t1","workflowId":"w1","type":"DISCOVER_LEADS","payload":{"projectKey":"p"}}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "missing payload",
			body:    `{"taskId":"t1","workflowId":"w1","type":"DISCOVER_LEADS"}`,
			wantErr: ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var item WorkItem
			assert.ErrorIs(t, json.Unmarshal([]byte(tt.body), &item), tt.wantErr)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	payload, err := DecodePayload(TaskAnalyzeRepository, json.RawMessage(`{"repoUrl":"https://github.com/dukex/conductor","projectKey":"conductor"}`))
	require.NoError(t, err)

	analyze, ok := payload.(AnalyzeRepositoryPayload)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/dukex/conductor", analyze.RepoURL)

	_, err = DecodePayload(TaskSocialPost, json.RawMessage(`{"projectId":"p","platform":"myspace"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestTaskRegistry(t *testing.T) {
	types := TaskTypes()
	assert.Len(t, types, 8)
	assert.IsNonDecreasing(t, types)

	for _, taskType := range types {
		agent, ok := DefaultAgent(taskType)
		assert.True(t, ok)
		assert.NotEmpty(t, agent)

		schema, err := PayloadSchema(taskType)
		require.NoError(t, err)
		assert.Equal(t, "object", schema.Type)
		assert.NotEmpty(t, schema.Required)
	}

	_, err := PayloadSchema("NOPE")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

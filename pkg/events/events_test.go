package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentMessage_Message(t *testing.T) {
	item := models.NewWorkItem(models.DiscoverLeadsPayload{ProjectKey: "p1", Query: "golang"}).
		WithWorkflow("w1").
		WithStep(1, 1)
	item.ID = "t1"

	agentMessage, err := NewAgentMessage(item)
	require.NoError(t, err)

	msg, err := agentMessage.Message(models.AgentLeads)
	require.NoError(t, err)

	assert.Equal(t, "t1", msg.UUID)
	assert.Equal(t, "leads", msg.Metadata.Get(AgentMetadataKey))
	assert.Equal(t, "DISCOVER_LEADS", msg.Metadata.Get(TaskTypeMetadataKey))
	assert.Equal(t, "w1", msg.Metadata.Get(WorkflowIDMetadataKey))
	assert.JSONEq(t, `{
		"taskId": "t1",
		"workflowId": "w1",
		"type": "DISCOVER_LEADS",
		"payload": {"projectKey": "p1", "query": "golang"},
		"priority": "MEDIUM",
		"stepMetadata": {"step": 1, "totalSteps": 1}
	}`, string(msg.Payload))

	parsed, err := ParseAgentMessage(msg)
	require.NoError(t, err)

	decoded, err := parsed.WorkItem(models.AgentLeads)
	require.NoError(t, err)

	item.Agent = models.AgentLeads
	assert.Equal(t, item, decoded)
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name: "completed",
			body: `{"type":"TASK_COMPLETION","payload":{"taskId":"a1","workflowId":"w1","status":"COMPLETED","result":{"score":1},"agent":"github","timestamp":"2026-10-14T12:00:00Z"}}`,
		},
		{
			name: "in progress",
			body: `{"type":"TASK_COMPLETION","payload":{"taskId":"a1","workflowId":"w1","status":"IN_PROGRESS","agent":"github"}}`,
		},
		{name: "not json", body: `{{`, wantErr: true},
		{name: "wrong type", body: `{"type":"HEARTBEAT","payload":{"taskId":"a1","workflowId":"w1","status":"COMPLETED"}}`, wantErr: true},
		{name: "missing task id", body: `{"type":"TASK_COMPLETION","payload":{"workflowId":"w1","status":"COMPLETED"}}`, wantErr: true},
		{name: "missing workflow id", body: `{"type":"TASK_COMPLETION","payload":{"taskId":"a1","status":"COMPLETED"}}`, wantErr: true},
		{name: "pending is not reportable", body: `{"type":"TASK_COMPLETION","payload":{"taskId":"a1","workflowId":"w1","status":"PENDING"}}`, wantErr: true},
		{name: "unknown status", body: `{"type":"TASK_COMPLETION","payload":{"taskId":"a1","workflowId":"w1","status":"DONE"}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completion, err := ParseCompletion([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedCompletion)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "a1", completion.TaskID)
		})
	}
}

func TestCompletion_Update(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

	update := Completion{TaskID: "a1", WorkflowID: "w1", Status: models.StatusFailed, Error: "boom"}.Update(now)
	assert.Equal(t, now, update.Timestamp)
	assert.Equal(t, models.StatusFailed, update.Status)
	assert.Equal(t, "boom", update.Error)

	reported := now.Add(-time.Minute)
	update = Completion{TaskID: "a1", Status: models.StatusCompleted, Timestamp: reported}.Update(now)
	assert.Equal(t, reported, update.Timestamp)
}

func TestCompletion_MessageRoundTrip(t *testing.T) {
	completion := Completion{
		TaskID:     "a1",
		WorkflowID: "w1",
		Status:     models.StatusCompleted,
		Result:     json.RawMessage(`{"ok":true}`),
		Agent:      models.AgentGithub,
		Timestamp:  time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
	}

	msg, err := completion.Message("m1")
	require.NoError(t, err)

	parsed, err := ParseCompletion(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, completion.TaskID, parsed.TaskID)
	assert.Equal(t, completion.Timestamp, parsed.Timestamp)
	assert.JSONEq(t, `{"ok":true}`, string(parsed.Result))
}

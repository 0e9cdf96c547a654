package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/signature"
	"github.com/dukex/conductor/pkg/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushBody = `{
	"ref": "refs/heads/main",
	"repository": {"full_name": "dukex/conductor", "html_url": "https://github.com/dukex/conductor"},
	"sender": {"login": "dukex"}
}`

const milestoneBody = `{
	"event": "milestone.requested",
	"projectId": "jedi-1",
	"title": "Public beta",
	"description": "Ship the beta",
	"priority": "HIGH",
	"user": {"email": "owner@example.com", "name": "Owner"}
}`

func signed(secret, body string, headers ...string) map[string]string {
	result := map[string]string{signature.Header: signature.Sign([]byte(secret), []byte(body))}
	for i := 0; i+1 < len(headers); i += 2 {
		result[headers[i]] = headers[i+1]
	}

	return result
}

func TestWebhookHandlers_Receive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		source         string
		body           string
		headers        map[string]string
		expectedStatus int
		expectedItems  int
	}{
		{
			name:           "github push",
			source:         "github",
			body:           pushBody,
			headers:        signed("shared-secret", pushBody, web.GitHubEventHeader, web.GitHubEventPush),
			expectedStatus: http.StatusOK,
			expectedItems:  2,
		},
		{
			name:           "github ping",
			source:         "github",
			body:           `{"zen":"Keep it logically awesome."}`,
			headers:        signed("shared-secret", `{"zen":"Keep it logically awesome."}`, web.GitHubEventHeader, web.GitHubEventPing),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "github event without reaction",
			source:         "github",
			body:           `{"action":"opened"}`,
			headers:        signed("shared-secret", `{"action":"opened"}`, web.GitHubEventHeader, "issues"),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "bare hex signature",
			source:         "github",
			body:           pushBody,
			headers:        map[string]string{signature.Header: signature.Sign([]byte("shared-secret"), []byte(pushBody))[len("sha256="):], web.GitHubEventHeader: web.GitHubEventPush},
			expectedStatus: http.StatusOK,
			expectedItems:  2,
		},
		{
			name:           "push without repository",
			source:         "github",
			body:           `{"ref":"refs/heads/main"}`,
			headers:        signed("shared-secret", `{"ref":"refs/heads/main"}`, web.GitHubEventHeader, web.GitHubEventPush),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "tampered body",
			source:         "github",
			body:           pushBody + " ",
			headers:        signed("shared-secret", pushBody, web.GitHubEventHeader, web.GitHubEventPush),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing signature",
			source:         "github",
			body:           pushBody,
			headers:        map[string]string{web.GitHubEventHeader: web.GitHubEventPush},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "karma milestone with its own secret",
			source:         "karma",
			body:           milestoneBody,
			headers:        signed("karma-secret", milestoneBody),
			expectedStatus: http.StatusOK,
			expectedItems:  1,
		},
		{
			name:           "karma signed with the shared secret",
			source:         "karma",
			body:           milestoneBody,
			headers:        signed("shared-secret", milestoneBody),
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "karma unknown event",
			source:         "karma",
			body:           `{"event":"grant.updated"}`,
			headers:        signed("karma-secret", `{"event":"grant.updated"}`),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "karma body without event",
			source:         "karma",
			body:           `[1,2,3]`,
			headers:        signed("karma-secret", `[1,2,3]`),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "karma milestone with invalid email",
			source:         "karma",
			body:           `{"event":"milestone.requested","projectId":"p","title":"t","description":"d","user":{"email":"nope","name":"n"}}`,
			headers:        signed("karma-secret", `{"event":"milestone.requested","projectId":"p","title":"t","description":"d","user":{"email":"nope","name":"n"}}`),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown source",
			source:         "gitlab",
			body:           pushBody,
			headers:        signed("shared-secret", pushBody),
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t, envConfig{})

			status, body := env.do(t, http.MethodPost, "/webhooks/"+tt.source, []byte(tt.body), tt.headers)
			require.Equal(t, tt.expectedStatus, status, string(body))
			assert.Equal(t, int32(tt.expectedItems), env.publisher.published.Load())

			if status != http.StatusOK {
				return
			}

			var response web.WebhookResponse
			require.NoError(t, json.Unmarshal(body, &response))
			assert.True(t, response.Received)
			assert.Len(t, response.TaskIDs, tt.expectedItems)

			if tt.expectedItems == 0 {
				assert.Empty(t, response.WorkflowID)

				return
			}

			records, err := env.store.StatusesByWorkflow(context.Background(), response.WorkflowID)
			require.NoError(t, err)
			assert.Len(t, records, tt.expectedItems)
		})
	}
}

func TestWebhookHandlers_GitHubPushItems(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, envConfig{})

	status, body := env.do(t, http.MethodPost, "/webhooks/github", []byte(pushBody), signed("shared-secret", pushBody, web.GitHubEventHeader, web.GitHubEventPush))
	require.Equal(t, http.StatusOK, status, string(body))

	var response web.WebhookResponse
	require.NoError(t, json.Unmarshal(body, &response))

	records, err := env.store.StatusesByWorkflow(context.Background(), response.WorkflowID)
	require.NoError(t, err)

	types := make([]models.TaskType, 0, len(records))
	for _, record := range records {
		types = append(types, record.Type)
		assert.Equal(t, response.WorkflowID, record.WorkflowID)
	}

	assert.ElementsMatch(t, []models.TaskType{models.TaskAnalyzeRepository, models.TaskComplianceScan}, types)
}

func TestWebhookHandlers_KarmaStartsMilestoneChain(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, envConfig{})

	status, body := env.do(t, http.MethodPost, "/webhooks/karma", []byte(milestoneBody), signed("karma-secret", milestoneBody))
	require.Equal(t, http.StatusOK, status, string(body))

	var response web.WebhookResponse
	require.NoError(t, json.Unmarshal(body, &response))
	require.Len(t, response.TaskIDs, 1)

	record, err := env.store.Status(context.Background(), response.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskCreateMilestone, record.Type)
	assert.Equal(t, &models.StepMetadata{Step: 1, TotalSteps: 3}, record.StepMetadata)
	assert.Equal(t, models.PriorityHigh, record.Priority)
}

func TestWebhookHandlers_MissingSecret(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t, envConfig{secrets: web.WebhookSecrets{PerSource: map[string]string{}}})

	status, body := env.do(t, http.MethodPost, "/webhooks/github", []byte(pushBody), signed("", pushBody, web.GitHubEventHeader, web.GitHubEventPush))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "configuration_error", problemType(t, body))
	assert.Zero(t, env.publisher.published.Load())
}

func TestWebhookSecrets_For(t *testing.T) {
	secrets := web.WebhookSecrets{Shared: "shared", PerSource: map[string]string{"karma": "k", "empty": ""}}

	assert.Equal(t, []byte("k"), secrets.For("karma"))
	assert.Equal(t, []byte("shared"), secrets.For("github"))
	assert.Equal(t, []byte("shared"), secrets.For("empty"))
}

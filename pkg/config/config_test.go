package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
results_queue: results
agents:
  karma: karma-tasks
  social: social-tasks
webhooks:
  shared_secret: shared
  secrets:
    github: gh-secret
notifications:
  targets:
    - https://hooks.example.com/conductor
  timeout: 2s
  concurrency: 4
bridge:
  poll_interval: 250ms
  await_timeout: 10s
schedules:
  - name: daily-post
    cron: "0 9 * * *"
    type: SOCIAL_POST
    priority: LOW
    payload:
      projectId: jedi-1
      platform: twitter
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, queue.ResultsTopic, cfg.ResultsQueue)
	assert.Equal(t, queue.DefaultAgentTopics(), cfg.Agents)
	assert.Equal(t, dispatch.DefaultPollInterval, cfg.Bridge.PollInterval)
	assert.Equal(t, dispatch.DefaultAwaitTimeout, cfg.Bridge.AwaitTimeout)
	assert.Empty(t, cfg.Schedules)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conductor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "results", cfg.ResultsQueue)
	assert.Equal(t, map[string]string{"karma": "karma-tasks", "social": "social-tasks"}, cfg.Agents)
	assert.Equal(t, "shared", cfg.Webhooks.SharedSecret)
	assert.Equal(t, "gh-secret", cfg.Webhooks.Secrets["github"])
	assert.Equal(t, []string{"https://hooks.example.com/conductor"}, cfg.Notifications.Targets)
	assert.Equal(t, 2*time.Second, cfg.Notifications.Timeout)
	assert.Equal(t, 4, cfg.Notifications.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.Bridge.AwaitTimeout)

	require.Len(t, cfg.Schedules, 1)
	job := cfg.Schedules[0]
	assert.Equal(t, "daily-post", job.Name)
	assert.Equal(t, models.TaskSocialPost, job.Type)
	assert.Equal(t, models.PriorityLow, job.Priority)
	assert.Equal(t, "twitter", job.Payload["platform"])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not yaml", body: "agents: [unclosed"},
		{name: "empty results queue", body: `results_queue: ""`},
		{name: "empty agent topic", body: "agents:\n  karma: \"\""},
		{name: "bad target", body: "notifications:\n  targets:\n    - ftp://example.com"},
		{name: "negative timeout", body: "notifications:\n  timeout: -1s"},
		{name: "schedule without cron", body: "schedules:\n  - name: x\n    type: SOCIAL_POST\n    payload: {projectId: p}"},
		{
			name: "duplicate schedule",
			body: "schedules:\n" +
				"  - {name: x, cron: '@daily', type: SOCIAL_POST, payload: {projectId: p, platform: twitter}}\n" +
				"  - {name: x, cron: '@hourly', type: SOCIAL_POST, payload: {projectId: p, platform: twitter}}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestParse_KeepsDefaultAgentsWhenOmitted(t *testing.T) {
	cfg, err := Parse([]byte("results_queue: results"))
	require.NoError(t, err)

	assert.Equal(t, queue.DefaultAgentTopics(), cfg.Agents)
}

func TestConfig_SetAgents(t *testing.T) {
	cfg := Default()

	cfg.SetAgents(nil)
	assert.Equal(t, queue.DefaultAgentTopics(), cfg.Agents)

	cfg.SetAgents(map[string]string{"leads": "leads-tasks"})
	assert.Equal(t, map[string]string{"leads": "leads-tasks"}, cfg.Agents)
}

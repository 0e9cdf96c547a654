// Package storetest holds the behaviour every persistence.StatusStore backend
// must share. Backend test files call Run with their own constructor.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) persistence.StatusStore

// Run executes the shared suite against the backend built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("create is insert if absent", func(t *testing.T) { testCreateStatus(t, factory(t)) })
	t.Run("missing records", func(t *testing.T) { testMissing(t, factory(t)) })
	t.Run("updates are forward only", func(t *testing.T) { testForwardOnly(t, factory(t)) })
	t.Run("in progress then terminal", func(t *testing.T) { testInProgress(t, factory(t)) })
	t.Run("concurrent terminal updates", func(t *testing.T) { testConcurrentUpdates(t, factory(t)) })
	t.Run("statuses by workflow", func(t *testing.T) { testStatusesByWorkflow(t, factory(t)) })
	t.Run("workflow records", func(t *testing.T) { testWorkflows(t, factory(t)) })
	t.Run("step claims", func(t *testing.T) { testClaims(t, factory(t)) })
	t.Run("health check", func(t *testing.T) { require.NoError(t, factory(t).HealthCheck(context.Background())) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// Record builds a PENDING record for tests.
func Record(taskID, workflowID string, startTime time.Time) *models.StatusRecord {
	return &models.StatusRecord{
		TaskID:     taskID,
		WorkflowID: workflowID,
		Agent:      models.AgentGithub,
		Type:       models.TaskAnalyzeRepository,
		Priority:   models.PriorityMedium,
		Payload:    json.RawMessage(`{"repoUrl":"https://github.com/dukex/conductor","projectKey":"conductor"}`),
		Status:     models.StatusPending,
		StartTime:  startTime,
	}
}

func testCreateStatus(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()
	record := Record("a1", "w1", now())
	record.StepMetadata = &models.StepMetadata{Step: 1, TotalSteps: 3}

	created, err := store.CreateStatus(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)

	again := Record("a1", "other", now())

	created, err = store.CreateStatus(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := store.Status(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "w1", stored.WorkflowID)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, models.TaskAnalyzeRepository, stored.Type)
	assert.Equal(t, models.PriorityMedium, stored.Priority)
	assert.Equal(t, &models.StepMetadata{Step: 1, TotalSteps: 3}, stored.StepMetadata)
	assert.JSONEq(t, string(record.Payload), string(stored.Payload))
	assert.WithinDuration(t, record.StartTime, stored.StartTime, time.Millisecond)
	assert.Nil(t, stored.EndTime)
}

func testMissing(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()

	_, err := store.Status(ctx, "nope")
	assert.True(t, persistence.IsStatusNotFound(err))

	_, _, err = store.ApplyUpdate(ctx, models.StatusUpdate{TaskID: "nope", Status: models.StatusCompleted, Timestamp: now()})
	assert.True(t, persistence.IsStatusNotFound(err))

	_, err = store.Workflow(ctx, "nope")
	assert.True(t, persistence.IsWorkflowNotFound(err))

	records, err := store.StatusesByWorkflow(ctx, "nope")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testForwardOnly(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()

	_, err := store.CreateStatus(ctx, Record("a1", "w1", now()))
	require.NoError(t, err)

	endTime := now().Add(time.Second)

	record, applied, err := store.ApplyUpdate(ctx, models.StatusUpdate{
		TaskID:    "a1",
		Status:    models.StatusCompleted,
		Timestamp: endTime,
		Result:    json.RawMessage(`{"score":42}`),
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusCompleted, record.Status)
	require.NotNil(t, record.EndTime)
	assert.WithinDuration(t, endTime, *record.EndTime, time.Millisecond)
	assert.JSONEq(t, `{"score":42}`, string(record.Result))

	for _, update := range []models.StatusUpdate{
		{TaskID: "a1", Status: models.StatusFailed, Timestamp: now(), Error: "late failure"},
		{TaskID: "a1", Status: models.StatusCompleted, Timestamp: now(), Result: json.RawMessage(`{"score":0}`)},
		{TaskID: "a1", Status: models.StatusInProgress, Timestamp: now()},
	} {
		record, applied, err = store.ApplyUpdate(ctx, update)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, models.StatusCompleted, record.Status)
	}

	stored, err := store.Status(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"score":42}`, string(stored.Result))
	assert.Empty(t, stored.Error)
	assert.WithinDuration(t, endTime, *stored.EndTime, time.Millisecond)
}

func testInProgress(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()

	_, err := store.CreateStatus(ctx, Record("b1", "w3", now()))
	require.NoError(t, err)

	record, applied, err := store.ApplyUpdate(ctx, models.StatusUpdate{TaskID: "b1", Status: models.StatusInProgress, Timestamp: now()})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusInProgress, record.Status)
	assert.Nil(t, record.EndTime)

	record, applied, err = store.ApplyUpdate(ctx, models.StatusUpdate{TaskID: "b1", Status: models.StatusFailed, Timestamp: now(), Error: "rate limited"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.StatusFailed, record.Status)
	assert.Equal(t, "rate limited", record.Error)
	assert.Empty(t, record.Result)
}

func testConcurrentUpdates(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()

	_, err := store.CreateStatus(ctx, Record("c1", "w4", now()))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)

	for i := range 10 {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			status := models.StatusCompleted
			if i%2 == 0 {
				status = models.StatusFailed
			}

			_, ok, err := store.ApplyUpdate(ctx, models.StatusUpdate{TaskID: "c1", Status: status, Timestamp: now(), Error: "x"})
			assert.NoError(t, err)

			if ok {
				applied.Add(1)
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
}

func testStatusesByWorkflow(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()
	start := now()

	for _, record := range []*models.StatusRecord{
		Record("t2", "w2", start.Add(2*time.Second)),
		Record("t1", "w2", start),
		Record("x1", "other", start),
	} {
		_, err := store.CreateStatus(ctx, record)
		require.NoError(t, err)
	}

	records, err := store.StatusesByWorkflow(ctx, "w2")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "t1", records[0].TaskID)
	assert.Equal(t, "t2", records[1].TaskID)
}

func testWorkflows(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()
	createdAt := now()

	require.NoError(t, store.SaveWorkflow(ctx, &models.WorkflowRecord{ID: "w1", Status: models.WorkflowStatusPending, CreatedAt: createdAt}))
	require.NoError(t, store.SaveWorkflow(ctx, &models.WorkflowRecord{ID: "w1", Status: models.WorkflowStatusPending, CreatedAt: createdAt.Add(time.Hour)}))

	workflow, err := store.Workflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPending, workflow.Status)
	assert.WithinDuration(t, createdAt, workflow.CreatedAt, time.Millisecond)

	completedAt := now().Add(time.Minute)

	completed, err := store.CompleteWorkflow(ctx, "w1", completedAt)
	require.NoError(t, err)
	assert.True(t, completed)

	completed, err = store.CompleteWorkflow(ctx, "w1", completedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, completed)

	workflow, err = store.Workflow(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, workflow.Status)
	require.NotNil(t, workflow.CompletedAt)
	assert.WithinDuration(t, completedAt, *workflow.CompletedAt, time.Millisecond)

	completed, err = store.CompleteWorkflow(ctx, "w-unseen", completedAt)
	require.NoError(t, err)
	assert.True(t, completed)

	workflow, err = store.Workflow(ctx, "w-unseen")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, workflow.Status)
}

func testClaims(t *testing.T, store persistence.StatusStore) {
	ctx := context.Background()

	claimed, err := store.ClaimStep(ctx, "w2", 2)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimStep(ctx, "w2", 2)
	require.NoError(t, err)
	assert.False(t, claimed)

	claimed, err = store.ClaimStep(ctx, "w2", 3)
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, store.ReleaseStep(ctx, "w2", 2))
	require.NoError(t, store.ReleaseStep(ctx, "w2", 7))

	claimed, err = store.ClaimStep(ctx, "w2", 2)
	require.NoError(t, err)
	assert.True(t, claimed)
}

package chain

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/conductor/pkg/channels/gochannel"
	"github.com/dukex/conductor/pkg/dispatch"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence/file"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_MilestoneChainRunsToCompletion(t *testing.T) {
	ctx := context.Background()

	pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
	defer pubSub.Close()

	addresses, err := queue.NewAddresses(queue.DefaultAgentTopics(), queue.ResultsTopic)
	require.NoError(t, err)

	store := file.NewPersistence(t.TempDir())
	dispatcher := dispatch.New(queue.NewBus(pubSub, addresses), store, testutil.Logger())
	engine := NewEngine(MilestoneChain(), dispatcher, store, testutil.Logger())

	first, err := dispatcher.Dispatch(ctx, models.AgentKarma,
		models.NewWorkItem(testutil.MilestonePayload()).WithStep(1, MilestoneSteps).WithPriority(models.PriorityHigh))
	require.NoError(t, err)

	results := []string{
		`{"milestoneId":"m-9","url":"https://karma.example/m-9"}`,
		`{"postUrl":"https://x.example/post/1"}`,
		`{"sent":true}`,
	}

	taskID := first.ID

	for step, result := range results {
		record, applied, err := store.ApplyUpdate(ctx, models.StatusUpdate{
			TaskID:    taskID,
			Status:    models.StatusCompleted,
			Timestamp: time.Now().UTC(),
			Result:    json.RawMessage(result),
		})
		require.NoError(t, err)
		require.True(t, applied)

		next, err := engine.OnCompletion(ctx, record)
		require.NoError(t, err)

		if step == len(results)-1 {
			assert.Nil(t, next)

			break
		}

		require.NotNil(t, next)
		assert.Equal(t, first.WorkflowID, next.WorkflowID)
		assert.Equal(t, step+2, next.StepMetadata.Step)

		taskID = next.ID
	}

	records, err := store.StatusesByWorkflow(ctx, first.WorkflowID)
	require.NoError(t, err)
	require.Len(t, records, 3)

	types := make([]models.TaskType, 0, len(records))
	for _, record := range records {
		assert.Equal(t, models.StatusCompleted, record.Status)
		assert.Equal(t, models.PriorityHigh, record.Priority)
		types = append(types, record.Type)
	}

	assert.ElementsMatch(t, []models.TaskType{
		models.TaskCreateMilestone,
		models.TaskAnnounceMilestone,
		models.TaskSendConfirmation,
	}, types)

	assert.Equal(t, models.AgentSocial, records[1].Agent)
}

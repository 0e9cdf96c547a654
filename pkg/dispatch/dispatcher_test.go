package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/conductor/pkg/channels/gochannel"
	"github.com/dukex/conductor/pkg/events"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/file"
	"github.com/dukex/conductor/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

type failingPublisher struct{}

func (failingPublisher) Publish(string, ...*message.Message) error { return errors.New("broker down") }
func (failingPublisher) Close() error                              { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAddresses(t *testing.T) *queue.Addresses {
	t.Helper()

	addresses, err := queue.NewAddresses(queue.DefaultAgentTopics(), queue.ResultsTopic)
	require.NoError(t, err)

	return addresses
}

func sequentialIDs(ids ...string) func() string {
	next := 0

	return func() string {
		id := ids[next%len(ids)]
		next++

		return id
	}
}

func setup(t *testing.T, publisher message.Publisher, opts ...Option) (*Dispatcher, persistence.StatusStore) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)

	return New(queue.NewBus(publisher, testAddresses(t)), store, testLogger(), opts...), store
}

func leadsItem() models.WorkItem {
	return models.NewWorkItem(models.DiscoverLeadsPayload{ProjectKey: "p1", Query: "golang"})
}

func TestDispatcher_Dispatch(t *testing.T) {
	pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
	defer pubSub.Close()

	dispatcher, store := setup(t, pubSub, WithIDGenerator(sequentialIDs("a1")))
	ctx := context.Background()

	item, err := dispatcher.Dispatch(ctx, models.AgentLeads, leadsItem())
	require.NoError(t, err)

	assert.Equal(t, "a1", item.ID)
	assert.Equal(t, "a1", item.WorkflowID)
	assert.Equal(t, models.AgentLeads, item.Agent)

	record, err := store.Status(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.Equal(t, fixedNow, record.StartTime)
	assert.Equal(t, models.TaskDiscoverLeads, record.Type)
	assert.JSONEq(t, `{"projectKey":"p1","query":"golang"}`, string(record.Payload))

	workflow, err := store.Workflow(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPending, workflow.Status)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "conductor.agent.leads")
	require.NoError(t, err)

	msg := <-messages
	msg.Ack()

	assert.Equal(t, "a1", msg.UUID)

	agentMessage, err := events.ParseAgentMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "a1", agentMessage.WorkflowID)
	assert.Equal(t, models.PriorityMedium, agentMessage.Priority)
}

func TestDispatcher_DispatchKeepsGivenWorkflow(t *testing.T) {
	pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
	defer pubSub.Close()

	dispatcher, store := setup(t, pubSub)
	ctx := context.Background()

	first, err := dispatcher.Dispatch(ctx, models.AgentLeads, leadsItem().WithWorkflow("w1"))
	require.NoError(t, err)

	second, err := dispatcher.Dispatch(ctx, models.AgentLeads, leadsItem().WithWorkflow("w1").WithPriority(models.PriorityHigh))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, models.PriorityHigh, second.Priority)

	records, err := store.StatusesByWorkflow(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDispatcher_DispatchErrors(t *testing.T) {
	invalidPayload := models.NewWorkItem(models.DiscoverLeadsPayload{ProjectKey: "p1"})
	badStep := leadsItem().WithStep(3, 2)

	tests := []struct {
		name      string
		publisher message.Publisher
		agent     string
		item      models.WorkItem
		wantErr   error
	}{
		{name: "unknown agent", agent: "astrologer", item: leadsItem(), wantErr: ErrUnknownAgent},
		{name: "invalid payload", agent: models.AgentLeads, item: invalidPayload, wantErr: ErrInvalidWorkItem},
		{name: "invalid step", agent: models.AgentLeads, item: badStep, wantErr: ErrInvalidWorkItem},
		{name: "publish failure", publisher: failingPublisher{}, agent: models.AgentLeads, item: leadsItem(), wantErr: ErrDispatchFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := tt.publisher
			if publisher == nil {
				pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
				t.Cleanup(func() { _ = pubSub.Close() })

				publisher = pubSub
			}

			dispatcher, store := setup(t, publisher, WithIDGenerator(sequentialIDs("x1")))

			_, err := dispatcher.Dispatch(context.Background(), tt.agent, tt.item)
			require.ErrorIs(t, err, tt.wantErr)

			_, err = store.Status(context.Background(), "x1")
			assert.True(t, persistence.IsStatusNotFound(err), "no record may be written")
		})
	}
}

type failingCreateStore struct {
	persistence.StatusStore
	fail bool
}

func (s *failingCreateStore) CreateStatus(ctx context.Context, record *models.StatusRecord) (bool, error) {
	if s.fail {
		return false, errors.New("disk full")
	}

	return s.StatusStore.CreateStatus(ctx, record)
}

func TestDispatcher_PublishedButNotRecorded(t *testing.T) {
	pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
	defer pubSub.Close()

	store := &failingCreateStore{StatusStore: file.NewPersistence(t.TempDir()), fail: true}
	dispatcher := New(queue.NewBus(pubSub, testAddresses(t)), store, testLogger(),
		WithClock(func() time.Time { return fixedNow }), WithIDGenerator(sequentialIDs("n1")))
	ctx := context.Background()

	item, err := dispatcher.Dispatch(ctx, models.AgentLeads, leadsItem())
	require.ErrorIs(t, err, ErrNotRecorded)
	require.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, "n1", item.ID, "the published item is returned")

	_, err = store.Status(ctx, "n1")
	assert.True(t, persistence.IsStatusNotFound(err))

	store.fail = false

	recorded, err := dispatcher.Record(ctx, models.AgentLeads, item)
	require.NoError(t, err)
	assert.Equal(t, "n1", recorded.ID)

	record, err := store.Status(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, record.Status)
	assert.Equal(t, models.AgentLeads, record.Agent)
	assert.Equal(t, models.TaskDiscoverLeads, record.Type)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, "conductor.agent.leads")
	require.NoError(t, err)

	msg := <-messages
	msg.Ack()
	assert.Equal(t, "n1", msg.UUID)

	select {
	case extra := <-messages:
		t.Fatalf("unexpected second publish %s", extra.UUID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcher_RecordErrors(t *testing.T) {
	tests := []struct {
		name    string
		agent   string
		taskID  string
		wantErr error
	}{
		{name: "missing task id", agent: models.AgentLeads, wantErr: ErrInvalidWorkItem},
		{name: "unknown agent", agent: "astrologer", taskID: "r1", wantErr: ErrUnknownAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pubSub := gochannel.CreateTestChannel(watermill.NopLogger{})
			t.Cleanup(func() { _ = pubSub.Close() })

			dispatcher, _ := setup(t, pubSub)

			item := leadsItem()
			item.ID = tt.taskID

			_, err := dispatcher.Record(context.Background(), tt.agent, item)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// completeLater simulates the listener applying a terminal update once the
// dispatcher's record exists.
func completeLater(t *testing.T, store persistence.StatusStore, update models.StatusUpdate) {
	t.Helper()

	go func() {
		ctx := context.Background()

		for range 200 {
			if _, err := store.Status(ctx, update.TaskID); err == nil {
				_, _, err := store.ApplyUpdate(ctx, update)
				assert.NoError(t, err)

				return
			}

			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestDispatcher_DispatchAndAwait(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		pubSub := gochannel.CreateChannel(watermill.NopLogger{})
		defer pubSub.Close()

		dispatcher, store := setup(t, pubSub, WithIDGenerator(sequentialIDs("r1")), WithPollInterval(10*time.Millisecond))
		completeLater(t, store, models.StatusUpdate{TaskID: "r1", Status: models.StatusCompleted, Timestamp: fixedNow, Result: json.RawMessage(`{"reply":"hello"}`)})

		outcome, err := dispatcher.DispatchAndAwait(context.Background(), models.AgentSocial,
			models.NewWorkItem(models.GenerateReplyPayload{ProjectID: "p1", Prompt: "hi"}), 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, outcome.Status)
		assert.JSONEq(t, `{"reply":"hello"}`, string(outcome.Result))
		assert.JSONEq(t, `{"reply":"hello"}`, string(ResultOrNil(outcome, err)))
	})

	t.Run("failed", func(t *testing.T) {
		pubSub := gochannel.CreateChannel(watermill.NopLogger{})
		defer pubSub.Close()

		dispatcher, store := setup(t, pubSub, WithIDGenerator(sequentialIDs("r2")), WithPollInterval(10*time.Millisecond))
		completeLater(t, store, models.StatusUpdate{TaskID: "r2", Status: models.StatusFailed, Timestamp: fixedNow, Error: "model unavailable"})

		outcome, err := dispatcher.DispatchAndAwait(context.Background(), models.AgentSocial,
			models.NewWorkItem(models.GenerateReplyPayload{ProjectID: "p1", Prompt: "hi"}), 5*time.Second)
		require.ErrorIs(t, err, ErrWorkItemFailed)
		require.NotNil(t, outcome)
		assert.Equal(t, "model unavailable", outcome.Error)
		assert.Nil(t, ResultOrNil(outcome, err))
	})

	t.Run("timeout", func(t *testing.T) {
		pubSub := gochannel.CreateChannel(watermill.NopLogger{})
		defer pubSub.Close()

		dispatcher, _ := setup(t, pubSub, WithPollInterval(10*time.Millisecond))

		started := time.Now()
		outcome, err := dispatcher.DispatchAndAwait(context.Background(), models.AgentSocial,
			models.NewWorkItem(models.GenerateReplyPayload{ProjectID: "p1", Prompt: "hi"}), 50*time.Millisecond)

		require.ErrorIs(t, err, ErrAwaitTimeout)
		assert.Nil(t, outcome)
		assert.Less(t, time.Since(started), time.Second)
		assert.Nil(t, ResultOrNil(outcome, err))
	})

	t.Run("cancelled", func(t *testing.T) {
		pubSub := gochannel.CreateChannel(watermill.NopLogger{})
		defer pubSub.Close()

		dispatcher, _ := setup(t, pubSub, WithPollInterval(10*time.Millisecond))

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(30*time.Millisecond, cancel)

		_, err := dispatcher.DispatchAndAwait(ctx, models.AgentSocial,
			models.NewWorkItem(models.GenerateReplyPayload{ProjectID: "p1", Prompt: "hi"}), 5*time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("dispatch error is returned", func(t *testing.T) {
		dispatcher, _ := setup(t, failingPublisher{})

		_, err := dispatcher.DispatchAndAwait(context.Background(), models.AgentSocial,
			models.NewWorkItem(models.GenerateReplyPayload{ProjectID: "p1", Prompt: "hi"}), time.Second)
		require.ErrorIs(t, err, ErrDispatchFailed)
	})
}

func TestDispatcher_AwaitMissingRecordIsPending(t *testing.T) {
	dispatcher, _ := setup(t, failingPublisher{}, WithPollInterval(5*time.Millisecond))

	_, err := dispatcher.Await(context.Background(), "never-dispatched", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrAwaitTimeout)
}

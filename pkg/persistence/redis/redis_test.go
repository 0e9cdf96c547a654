package redis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, testcontainers.TerminateContainer(container))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

func TestPersistence_StatusStore(t *testing.T) {
	databaseURL := setupRedis(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	storetest.Run(t, func(t *testing.T) persistence.StatusStore {
		ctx := context.Background()

		store, err := NewPersistence(ctx, logger, databaseURL)
		require.NoError(t, err)
		require.NoError(t, store.client.FlushDB(ctx).Err())

		t.Cleanup(func() { _ = store.Close(ctx) })

		return store
	})
}

func TestNewPersistence_InvalidURL(t *testing.T) {
	_, err := NewPersistence(context.Background(), slog.Default(), "not-a-url")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "conductor:status:a1", statusKey("a1"))
	assert.Equal(t, "conductor:workflow:w1", workflowKey("w1"))
	assert.Equal(t, "conductor:workflow:w1:tasks", workflowTasksKey("w1"))
	assert.Equal(t, "conductor:workflow:w1:step:2", claimKey("w1", 2))
}

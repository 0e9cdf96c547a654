package file

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func TestPersistence_StatusStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.StatusStore {
		return NewPersistence("file://" + t.TempDir())
	})
}

func TestPersistence_RejectsPathTraversal(t *testing.T) {
	store := NewPersistence(t.TempDir())
	ctx := context.Background()

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := store.Status(ctx, id)
		require.Error(t, err)
		assert.False(t, persistence.IsStatusNotFound(err), id)

		_, err = store.CreateStatus(ctx, storetest.Record(id, "w1", start))
		assert.Error(t, err, id)
	}
}

func TestPersistence_StatusesSurviveReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	_, err := NewPersistence(root).CreateStatus(ctx, storetest.Record("a1", "w1", start))
	require.NoError(t, err)

	records, err := NewPersistence(root).StatusesByWorkflow(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].TaskID)
}

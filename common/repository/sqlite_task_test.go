package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteRepo(t *testing.T) *SQLiteTaskRepository {
	t.Helper()
	repo, err := NewSQLiteTaskRepository("file:" + filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteTaskRepository_RoundTrip(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 10, 0, 0, 123456789, time.UTC)
	task := &models.Task{
		ID:        "t1",
		CanvasID:  "c1",
		NodeID:    "n1",
		Status:    models.TaskQueued,
		Context:   map[string]string{"user_id": "u1"},
		APIKey:    "secret",
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, repo.CreateTask(ctx, task))

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskQueued, got.Status)
	assert.Equal(t, "u1", got.Context["user_id"])
	assert.Empty(t, got.APIKey)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.StartedAt)

	started := created.Add(time.Second)
	task.Status = models.TaskRunning
	task.Attempt = 1
	task.StartedAt = &started
	task.UpdatedAt = started
	require.NoError(t, repo.UpdateTask(ctx, task))

	got, err = repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, got.Status)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}

func TestSQLiteTaskRepository_NotFound(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	_, err := repo.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = repo.UpdateTask(ctx, &models.Task{ID: "missing", Status: models.TaskFailed})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSQLiteTaskRepository_ListStale(t *testing.T) {
	repo := newTestSQLiteRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, st := range []models.TaskStatus{models.TaskRunning, models.TaskRunning, models.TaskQueued, models.TaskCompleted} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateTask(ctx, &models.Task{
			ID:        string(rune('a' + i)),
			CanvasID:  "c1",
			NodeID:    "n1",
			Status:    st,
			CreatedAt: at,
			UpdatedAt: at,
		}))
	}

	stale, err := repo.ListStaleTasks(ctx, models.TaskRunning, base.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)

	active, err := repo.ListTasksByStatus(ctx, models.TaskQueued, models.TaskRunning)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{active[0].ID, active[1].ID, active[2].ID})

	none, err := repo.ListTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

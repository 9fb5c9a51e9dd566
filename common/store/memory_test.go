package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCanvas() *models.CanvasEntities {
	return &models.CanvasEntities{
		Canvas: models.Canvas{ID: "c1", UserID: "u1", Name: "demo", Version: 1},
		Nodes: []*models.Node{
			{ID: "n1", CanvasID: "c1", Type: "text", Config: map[string]interface{}{"content": "hi"}},
			{ID: "n2", CanvasID: "c1", Type: "text_merger"},
		},
		Handles: []*models.Handle{
			{ID: "n1-text", CanvasID: "c1", NodeID: "n1", Key: "text", Direction: models.HandleOutput, DataTypes: []models.DataType{models.DataTypeText}},
			{ID: "n2-in-text-1", CanvasID: "c1", NodeID: "n2", Key: "text-1", Direction: models.HandleInput, DataTypes: []models.DataType{models.DataTypeText}},
		},
		Edges: []*models.Edge{
			{ID: "e1", CanvasID: "c1", SourceNodeID: "n1", SourceHandleID: "n1-text", TargetNodeID: "n2", TargetHandleID: "n2-in-text-1"},
		},
	}
}

func TestMemoryStore_SaveAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveCanvas(ctx, sampleCanvas()))

	got, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)
	assert.False(t, got.Canvas.CreatedAt.IsZero())

	// callers get copies
	got.Nodes[0].Config["content"] = "mutated"
	again, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Nodes[0].Config["content"])

	_, err = s.GetCanvasEntities(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	assert.Error(t, s.SaveCanvas(ctx, &models.CanvasEntities{}))
}

func TestMemoryStore_NodeResults(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveCanvas(ctx, sampleCanvas()))

	first := models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "a", OutputHandleID: models.HandleRef("n1-text")})
	require.NoError(t, s.ReplaceNodeResult(ctx, "c1", "n1", first, nil))

	next, err := s.UpdateNodeResult(ctx, "c1", "n1", func(cur *models.NodeResult) (*models.NodeResult, error) {
		require.NotNil(t, cur)
		return cur.WithGeneration(models.Output{Items: []models.OutputItem{
			{Type: models.DataTypeText, Data: "b", OutputHandleID: models.HandleRef("n1-text")},
		}}), nil
	})
	require.NoError(t, err)
	assert.Len(t, next.Outputs, 2)
	assert.Equal(t, 1, next.SelectedOutputIndex)

	e, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "b", e.FindNode("n1").Result.Selected().Items[0].Data)

	// a failing update leaves the result alone
	_, err = s.UpdateNodeResult(ctx, "c1", "n1", func(*models.NodeResult) (*models.NodeResult, error) {
		return nil, errors.New("nope")
	})
	assert.Error(t, err)
	e, err = s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, e.FindNode("n1").Result.Outputs, 2)

	assert.ErrorIs(t, s.ReplaceNodeResult(ctx, "c1", "nope", first, nil), models.ErrNotFound)
	assert.ErrorIs(t, s.ReplaceNodeResult(ctx, "nope", "n1", first, nil), models.ErrNotFound)
}

func TestMemoryStore_ApplyPatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveCanvas(ctx, sampleCanvas()))

	result := models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "a", OutputHandleID: models.HandleRef("n1-text")})
	require.NoError(t, s.ReplaceNodeResult(ctx, "c1", "n1", result, nil))

	next := sampleCanvas()
	next.Nodes[0].Config["content"] = "edited"
	next.Nodes[0].Result = nil
	next.Nodes = append(next.Nodes, &models.Node{ID: "n3", CanvasID: "c1", Type: "note"})

	patch := &models.Patch{ID: "p1", CanvasID: "c1", Source: models.PatchSourceUser,
		Operations: []models.Operation{{Op: models.OpReplace, Path: "/nodes/n1/config/content"}}}

	stored, err := s.ApplyPatch(ctx, patch, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Seq)

	e, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Canvas.Version)
	assert.Equal(t, "edited", e.FindNode("n1").Config["content"])
	require.NotNil(t, e.FindNode("n1").Result, "results survive structural edits")
	assert.NotNil(t, e.FindNode("n3"))

	_, err = s.ApplyPatch(ctx, &models.Patch{ID: "p2", CanvasID: "c1"}, next, 1)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	_, err = s.ApplyPatch(ctx, &models.Patch{ID: "p2", CanvasID: "c1"}, next, 2)
	require.NoError(t, err)

	all, err := s.ListPatches(ctx, "c1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, []int64{1, 2}, []int64{all[0].Seq, all[1].Seq})

	after, err := s.ListPatches(ctx, "c1", 1, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "p2", after[0].ID)

	got, err := s.GetPatch(ctx, "c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, models.PatchSourceUser, got.Source)

	_, err = s.GetPatch(ctx, "c1", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ReplaceNodeResultCheck(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveCanvas(ctx, sampleCanvas()))

	result := models.NewNodeResult(models.OutputItem{Type: models.DataTypeText, Data: "a", OutputHandleID: models.HandleRef("n1-text")})

	var seen string
	err := s.ReplaceNodeResult(ctx, "c1", "n1", result, func(current *models.CanvasEntities) error {
		seen = current.FindNode("n1").Type
		return errors.New("node moved on")
	})
	assert.EqualError(t, err, "node moved on")
	assert.Equal(t, "text", seen)

	e, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, e.FindNode("n1").Result, "a failed check writes nothing")

	require.NoError(t, s.ReplaceNodeResult(ctx, "c1", "n1", result, func(*models.CanvasEntities) error { return nil }))
	e, err = s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, e.FindNode("n1").Result)
}

func TestMemoryStore_ApplyPatchTouchesOnlyEditedNodes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	saved := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return saved }
	require.NoError(t, s.SaveCanvas(ctx, sampleCanvas()))

	edited := saved.Add(time.Hour)
	s.now = func() time.Time { return edited }

	next := sampleCanvas()
	next.Nodes[0].Config["content"] = "edited"
	_, err := s.ApplyPatch(ctx, &models.Patch{ID: "p1", CanvasID: "c1"}, next, 1)
	require.NoError(t, err)

	e, err := s.GetCanvasEntities(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, edited, e.FindNode("n1").UpdatedAt)
	assert.Equal(t, time.Time{}, e.FindNode("n2").UpdatedAt, "untouched node keeps its timestamp")
}

func TestMemoryStore_Tasks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	tasks := []*models.Task{
		{ID: "t1", CanvasID: "c1", NodeID: "n1", Status: models.TaskQueued, CreatedAt: base, UpdatedAt: base},
		{ID: "t2", CanvasID: "c1", NodeID: "n2", Status: models.TaskRunning, CreatedAt: base.Add(time.Minute), UpdatedAt: time.Now().UTC()},
		{ID: "t3", CanvasID: "c1", NodeID: "n3", Status: models.TaskCompleted, CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base},
	}
	for _, task := range tasks {
		require.NoError(t, s.CreateTask(ctx, task))
	}
	assert.Error(t, s.CreateTask(ctx, tasks[0]), "duplicate ids are rejected")

	active, err := s.ListTasksByStatus(ctx, models.TaskQueued, models.TaskRunning)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "t1", active[0].ID)
	assert.Equal(t, "t2", active[1].ID)

	stale, err := s.ListStaleTasks(ctx, models.TaskRunning, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.ListStaleTasks(ctx, models.TaskQueued, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "t1", stale[0].ID)

	upd := tasks[0].Clone()
	upd.Status = models.TaskFailed
	upd.Error = "boom"
	require.NoError(t, s.UpdateTask(ctx, upd))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Equal(t, "boom", got.Error)

	assert.ErrorIs(t, s.UpdateTask(ctx, &models.Task{ID: "nope"}), models.ErrNotFound)
	_, err = s.GetTask(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

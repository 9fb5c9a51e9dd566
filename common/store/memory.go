package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
)

type canvasState struct {
	entities *models.CanvasEntities
	patches  []*models.Patch
}

// MemoryStore implements CanvasStore and TaskStore in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	canvases map[string]*canvasState
	tasks    map[string]*models.Task
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		canvases: make(map[string]*canvasState),
		tasks:    make(map[string]*models.Task),
		now:      time.Now,
	}
}

func (s *MemoryStore) GetCanvasEntities(ctx context.Context, canvasID string) (*models.CanvasEntities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}
	return st.entities.Clone(), nil
}

func (s *MemoryStore) SaveCanvas(ctx context.Context, entities *models.CanvasEntities) error {
	if entities.Canvas.ID == "" {
		return fmt.Errorf("canvas id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := entities.Clone()
	now := s.now()
	if e.Canvas.CreatedAt.IsZero() {
		e.Canvas.CreatedAt = now
	}
	e.Canvas.UpdatedAt = now

	st, ok := s.canvases[e.Canvas.ID]
	if !ok {
		st = &canvasState{}
		s.canvases[e.Canvas.ID] = st
	}
	st.entities = e
	return nil
}

func (s *MemoryStore) ReplaceNodeResult(ctx context.Context, canvasID, nodeID string, result *models.NodeResult, check func(current *models.CanvasEntities) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.canvases[canvasID]
	if !ok {
		return fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}
	node := st.entities.FindNode(nodeID)
	if node == nil {
		return fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}
	if check != nil {
		if err := check(st.entities.Clone()); err != nil {
			return err
		}
	}

	node.Result = result.Clone()
	node.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateNodeResult(ctx context.Context, canvasID, nodeID string, fn func(current *models.NodeResult) (*models.NodeResult, error)) (*models.NodeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}
	node := st.entities.FindNode(nodeID)
	if node == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}

	next, err := fn(node.Result.Clone())
	if err != nil {
		return nil, err
	}

	// swap in a private copy; readers clone under the read lock
	node.Result = next.Clone()
	node.UpdatedAt = s.now()
	return next, nil
}

func (s *MemoryStore) ApplyPatch(ctx context.Context, patch *models.Patch, next *models.CanvasEntities, expectedVersion int64) (*models.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.canvases[patch.CanvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", patch.CanvasID, models.ErrNotFound)
	}
	if st.entities.Canvas.Version != expectedVersion {
		return nil, fmt.Errorf("canvas %s at version %d, expected %d: %w",
			patch.CanvasID, st.entities.Canvas.Version, expectedVersion, models.ErrVersionConflict)
	}

	now := s.now()
	merged := next.Clone()
	merged.Canvas = st.entities.Canvas
	merged.Canvas.Version++
	merged.Canvas.UpdatedAt = now

	for _, n := range merged.Nodes {
		if prev := st.entities.FindNode(n.ID); prev != nil {
			n.Result = nil
			if prev.Type == n.Type {
				n.Result = prev.Result.Clone()
			}
			n.CreatedAt = prev.CreatedAt
			n.UpdatedAt = prev.UpdatedAt
			if !models.SameDocument(prev, n) {
				n.UpdatedAt = now
			}
		} else {
			n.Result = nil
			n.CreatedAt = now
			n.UpdatedAt = now
		}
	}

	stored := *patch
	stored.Operations = append([]models.Operation(nil), patch.Operations...)
	stored.Seq = int64(len(st.patches)) + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	st.entities = merged
	st.patches = append(st.patches, &stored)

	out := stored
	return &out, nil
}

func (s *MemoryStore) GetPatch(ctx context.Context, canvasID, patchID string) (*models.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}
	for _, p := range st.patches {
		if p.ID == patchID {
			out := *p
			return &out, nil
		}
	}
	return nil, fmt.Errorf("patch %s: %w", patchID, models.ErrNotFound)
}

func (s *MemoryStore) ListPatches(ctx context.Context, canvasID string, afterSeq int64, limit int) ([]*models.Patch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.canvases[canvasID]
	if !ok {
		return nil, fmt.Errorf("canvas %s: %w", canvasID, models.ErrNotFound)
	}

	var out []*models.Patch
	for _, p := range st.patches {
		if p.Seq <= afterSeq {
			continue
		}
		pc := *p
		out = append(out, &pc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; !exists {
		return fmt.Errorf("task %s: %w", task.ID, models.ErrNotFound)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[models.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*models.Task
	for _, t := range s.tasks {
		if want[t.Status] {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListStaleTasks(ctx context.Context, status models.TaskStatus, cutoff time.Time) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status == status && t.UpdatedAt.Before(cutoff) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func sortTasks(ts []*models.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

package store

import (
	"context"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
)

// CanvasStore persists canvas structure, node results and the patch log.
// Every method is transactional.
type CanvasStore interface {
	GetCanvasEntities(ctx context.Context, canvasID string) (*models.CanvasEntities, error)

	// SaveCanvas creates or fully replaces a canvas
	SaveCanvas(ctx context.Context, entities *models.CanvasEntities) error

	// ReplaceNodeResult swaps a node's result in one write. check, when
	// set, sees the canvas as of the write and aborts it by returning an
	// error; no patch can land between the check and the write.
	ReplaceNodeResult(ctx context.Context, canvasID, nodeID string, result *models.NodeResult, check func(current *models.CanvasEntities) error) error

	// UpdateNodeResult reads the current result and swaps in fn's return
	// value without any other writer in between
	UpdateNodeResult(ctx context.Context, canvasID, nodeID string, fn func(current *models.NodeResult) (*models.NodeResult, error)) (*models.NodeResult, error)

	// ApplyPatch stores next as the canvas structure and appends patch to
	// the log. Fails with models.ErrVersionConflict when the canvas moved
	// past expectedVersion. Results of surviving nodes are kept from the
	// stored state, not taken from next, and dropped when a node changes type.
	ApplyPatch(ctx context.Context, patch *models.Patch, next *models.CanvasEntities, expectedVersion int64) (*models.Patch, error)

	GetPatch(ctx context.Context, canvasID, patchID string) (*models.Patch, error)
	ListPatches(ctx context.Context, canvasID string, afterSeq int64, limit int) ([]*models.Patch, error)
}

// TaskStore keeps task records durable across restarts
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	UpdateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error)

	// ListStaleTasks returns tasks in status last updated before cutoff
	ListStaleTasks(ctx context.Context, status models.TaskStatus, cutoff time.Time) ([]*models.Task, error)
}

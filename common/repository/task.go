package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/canvasgraph/common/db"
	"github.com/lyzr/canvasgraph/common/models"
)

// TaskRepository handles database operations for node tasks
type TaskRepository struct {
	db *db.DB
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(database *db.DB) *TaskRepository {
	return &TaskRepository{db: database}
}

const taskColumns = `id, canvas_id, node_id, status, attempt, error, context, created_at, updated_at, started_at, finished_at`

func encodeContext(ctx map[string]string) ([]byte, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	return json.Marshal(ctx)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	t := &models.Task{}
	var rawCtx []byte
	err := row.Scan(&t.ID, &t.CanvasID, &t.NodeID, &t.Status, &t.Attempt, &t.Error, &rawCtx,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	if len(rawCtx) > 0 {
		if err := json.Unmarshal(rawCtx, &t.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// CreateTask inserts a new task. The API key is never stored.
func (r *TaskRepository) CreateTask(ctx context.Context, t *models.Task) error {
	rawCtx, err := encodeContext(t.Context)
	if err != nil {
		return fmt.Errorf("failed to encode task context: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO canvas_task (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.CanvasID, t.NodeID, string(t.Status), t.Attempt, t.Error, rawCtx,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpdateTask writes the mutable task fields
func (r *TaskRepository) UpdateTask(ctx context.Context, t *models.Task) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE canvas_task
		SET status = $2, attempt = $3, error = $4, updated_at = $5, started_at = $6, finished_at = $7
		WHERE id = $1
	`, t.ID, string(t.Status), t.Attempt, t.Error, t.UpdatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by id
func (r *TaskRepository) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := scanTask(r.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM canvas_task WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus lists tasks in any of statuses, oldest first
func (r *TaskRepository) ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM canvas_task
		WHERE status = ANY($1)
		ORDER BY created_at, id
	`, names)
}

// ListStaleTasks lists tasks in status last updated before cutoff
func (r *TaskRepository) ListStaleTasks(ctx context.Context, status models.TaskStatus, cutoff time.Time) ([]*models.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM canvas_task
		WHERE status = $1 AND updated_at < $2
		ORDER BY created_at, id
	`, string(status), cutoff)
}

func (r *TaskRepository) list(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

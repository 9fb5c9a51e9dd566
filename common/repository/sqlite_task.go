package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/canvasgraph/common/models"

	_ "modernc.org/sqlite"
)

const sqliteTaskSchema = `
CREATE TABLE IF NOT EXISTS canvas_task (
    id          TEXT PRIMARY KEY,
    canvas_id   TEXT NOT NULL,
    node_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    context     TEXT,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    started_at  TEXT,
    finished_at TEXT
);
CREATE INDEX IF NOT EXISTS canvas_task_status_idx ON canvas_task (status, updated_at);
`

// SQLiteTaskRepository keeps tasks in a local SQLite file for single-node
// installs that run without Postgres
type SQLiteTaskRepository struct {
	db *sql.DB
}

// NewSQLiteTaskRepository opens (or creates) the task database at dsn
func NewSQLiteTaskRepository(dsn string) (*SQLiteTaskRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY under concurrent workers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteTaskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create task schema: %w", err)
	}
	return &SQLiteTaskRepository{db: db}, nil
}

// Close closes the database
func (r *SQLiteTaskRepository) Close() error {
	return r.db.Close()
}

// fixed width so stored timestamps sort as text
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a new task. The API key is never stored.
func (r *SQLiteTaskRepository) CreateTask(ctx context.Context, t *models.Task) error {
	rawCtx, err := encodeContext(t.Context)
	if err != nil {
		return fmt.Errorf("failed to encode task context: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO canvas_task (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.CanvasID, t.NodeID, string(t.Status), t.Attempt, t.Error, sql.NullString{String: string(rawCtx), Valid: rawCtx != nil},
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpdateTask writes the mutable task fields
func (r *SQLiteTaskRepository) UpdateTask(ctx context.Context, t *models.Task) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE canvas_task
		SET status = ?, attempt = ?, error = ?, updated_at = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`, string(t.Status), t.Attempt, t.Error, formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var status, created, updated string
	var rawCtx, started, finished sql.NullString
	if err := row.Scan(&t.ID, &t.CanvasID, &t.NodeID, &status, &t.Attempt, &t.Error, &rawCtx, &created, &updated, &started, &finished); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)

	var err error
	if t.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if t.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, fmt.Errorf("failed to parse finished_at: %w", err)
	}
	if rawCtx.Valid && rawCtx.String != "" {
		if err := json.Unmarshal([]byte(rawCtx.String), &t.Context); err != nil {
			return nil, fmt.Errorf("failed to decode context of task %s: %w", t.ID, err)
		}
	}
	return t, nil
}

// GetTask retrieves a task by id
func (r *SQLiteTaskRepository) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	t, err := scanSQLiteTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM canvas_task WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus lists tasks in any of statuses, oldest first
func (r *SQLiteTaskRepository) ListTasksByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM canvas_task
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at, id
	`, args...)
}

// ListStaleTasks lists tasks in status last updated before cutoff.
func (r *SQLiteTaskRepository) ListStaleTasks(ctx context.Context, status models.TaskStatus, cutoff time.Time) ([]*models.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM canvas_task
		WHERE status = ? AND updated_at < ?
		ORDER BY created_at, id
	`, string(status), formatTime(cutoff))
}

func (r *SQLiteTaskRepository) list(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

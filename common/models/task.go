package models

import (
	"time"
)

// TaskStatus is the lifecycle state of a task
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Active reports whether the task still occupies its node
func (s TaskStatus) Active() bool {
	return s == TaskQueued || s == TaskRunning
}

// Terminal reports whether the task is finished
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one queued execution attempt for a node
// Maps to: canvas_task table
type Task struct {
	ID       string     `db:"id" json:"id"`
	CanvasID string     `db:"canvas_id" json:"canvas_id"`
	NodeID   string     `db:"node_id" json:"node_id"`
	Status   TaskStatus `db:"status" json:"status"`

	// Number of processor invocations so far
	Attempt int `db:"attempt" json:"attempt"`

	// Failure reason for failed tasks
	Error string `db:"error" json:"error,omitempty"`

	// Provider credential for remote processors. Never persisted or serialized.
	APIKey string `db:"-" json:"-"`

	// Opaque processor context (e.g. provider, model)
	Context map[string]string `db:"context" json:"context,omitempty"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

// Clone returns a copy safe to hand to another goroutine
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	tc := *t
	if t.Context != nil {
		tc.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			tc.Context[k] = v
		}
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		tc.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		tc.FinishedAt = &f
	}
	return &tc
}

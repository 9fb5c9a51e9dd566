package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/orchestrator"
	"github.com/lyzr/canvasgraph/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Runner executes one attempt of a task
type Runner interface {
	Run(ctx context.Context, task *models.Task) *orchestrator.Outcome
}

// Listener observes task status changes. outcome is set only for the
// attempt that produced the change.
type Listener func(task *models.Task, outcome *orchestrator.Outcome)

// EnqueueRequest asks for one run of a node
type EnqueueRequest struct {
	CanvasID string
	NodeID   string
	APIKey   string
	Context  map[string]string
}

// Opts configures a TaskQueue
type Opts struct {
	Workers        int
	Buffer         int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *Opts) withDefaults() Opts {
	out := *o
	if out.Workers < 1 {
		out.Workers = 4
	}
	if out.Buffer < 1 {
		out.Buffer = 128
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 3
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = 500 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

type entry struct {
	task     *models.Task
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	retry    *backoff.ExponentialBackOff
	claimed  bool
	finished bool
}

// TaskQueue serializes node runs: at most one queued or running task per
// node, any number of nodes in parallel
type TaskQueue struct {
	runner Runner
	tasks  store.TaskStore
	logger Logger
	opts   Opts

	mu        sync.Mutex
	active    map[string]*entry // canvas/node -> entry
	byTask    map[string]*entry
	listeners []Listener

	ready   chan *entry
	quit    chan struct{}
	stopped bool
	wg      sync.WaitGroup

	now func() time.Time
}

// NewTaskQueue creates a queue. Call Start to launch workers.
func NewTaskQueue(runner Runner, tasks store.TaskStore, logger Logger, opts Opts) *TaskQueue {
	o := opts.withDefaults()
	return &TaskQueue{
		runner: runner,
		tasks:  tasks,
		logger: logger,
		opts:   o,
		active: make(map[string]*entry),
		byTask: make(map[string]*entry),
		ready:  make(chan *entry, o.Buffer),
		quit:   make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func nodeKey(canvasID, nodeID string) string {
	return canvasID + "/" + nodeID
}

// AddListener registers l for every status change
func (q *TaskQueue) AddListener(l Listener) {
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()
}

// Enqueue creates a task for the node. It fails with *models.NodeBusyError
// when the node already has a queued or running task.
func (q *TaskQueue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.Task, error) {
	if req.CanvasID == "" || req.NodeID == "" {
		return nil, fmt.Errorf("canvas id and node id are required")
	}

	now := q.now()
	task := &models.Task{
		ID:        uuid.NewString(),
		CanvasID:  req.CanvasID,
		NodeID:    req.NodeID,
		Status:    models.TaskQueued,
		APIKey:    req.APIKey,
		Context:   req.Context,
		CreatedAt: now,
		UpdatedAt: now,
	}

	key := nodeKey(req.CanvasID, req.NodeID)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, fmt.Errorf("task queue is stopped")
	}
	if busy, ok := q.active[key]; ok {
		q.mu.Unlock()
		return nil, &models.NodeBusyError{NodeID: req.NodeID, TaskID: busy.task.ID}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e := &entry{task: task, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	q.active[key] = e
	q.byTask[task.ID] = e
	q.mu.Unlock()

	if err := q.tasks.CreateTask(ctx, task); err != nil {
		q.release(e)
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	snapshot := q.snapshot(e)
	q.notify(snapshot, nil)

	select {
	case q.ready <- e:
	case <-ctx.Done():
		q.finish(e, models.TaskFailed, "enqueue aborted: "+ctx.Err().Error(), nil)
		return nil, ctx.Err()
	case <-q.quit:
		q.finish(e, models.TaskFailed, "task queue stopped", nil)
		return nil, fmt.Errorf("task queue is stopped")
	}

	q.logger.Debug("task enqueued", "task_id", task.ID, "canvas_id", task.CanvasID, "node_id", task.NodeID)
	return snapshot, nil
}

// Start launches the worker pool. Workers stop when ctx is done or Stop
// is called.
func (q *TaskQueue) Start(ctx context.Context) {
	q.logger.Info("task queue starting", "workers", q.opts.Workers, "max_attempts", q.opts.MaxAttempts)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Stop cancels in-flight tasks and waits for workers to exit
func (q *TaskQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, e := range q.byTask {
		e.cancel()
	}
	q.mu.Unlock()

	close(q.quit)
	q.wg.Wait()

	// anything still waiting in the buffer never ran
	for {
		select {
		case e := <-q.ready:
			q.finish(e, models.TaskFailed, "task queue stopped", nil)
		default:
			q.logger.Info("task queue stopped")
			return
		}
	}
}

func (q *TaskQueue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.quit:
			return
		case e := <-q.ready:
			q.process(e)
		}
	}
}

// process runs one attempt. A retryable failure parks the task until its
// backoff elapses and frees the worker for other nodes meanwhile.
func (q *TaskQueue) process(e *entry) {
	q.mu.Lock()
	if e.finished {
		q.mu.Unlock()
		return
	}
	e.claimed = true
	q.mu.Unlock()

	if e.ctx.Err() != nil {
		q.finish(e, models.TaskFailed, models.ErrTaskCancelled.Error(), nil)
		return
	}

	running := q.transition(e, func(t *models.Task) {
		now := q.now()
		t.Status = models.TaskRunning
		t.Attempt++
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	})
	q.notify(running, nil)

	out := q.runner.Run(e.ctx, running)
	switch {
	case out.Succeeded():
		q.finish(e, models.TaskCompleted, "", out)
	case e.ctx.Err() != nil:
		q.finish(e, models.TaskFailed, models.ErrTaskCancelled.Error(), out)
	case out.Retryable && !out.Cancelled && running.Attempt < q.opts.MaxAttempts:
		wait := q.nextBackoff(e)
		queued := q.transition(e, func(t *models.Task) {
			t.Status = models.TaskQueued
			t.Error = out.Err.Error()
		})
		q.logger.Warn("task attempt failed, retrying",
			"task_id", queued.ID, "node_id", queued.NodeID, "attempt", queued.Attempt, "retry_in", wait, "error", out.Err)
		q.notify(queued, out)
		q.scheduleRetry(e, wait)
	default:
		q.finish(e, models.TaskFailed, out.Err.Error(), out)
	}
}

func (q *TaskQueue) nextBackoff(e *entry) time.Duration {
	if e.retry == nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = q.opts.InitialBackoff
		exp.MaxInterval = q.opts.MaxBackoff
		exp.MaxElapsedTime = 0
		exp.Reset()
		e.retry = exp
	}
	return e.retry.NextBackOff()
}

// scheduleRetry puts e back on the ready channel after wait. Until then the
// task counts as queued: Cancel finishes it directly.
func (q *TaskQueue) scheduleRetry(e *entry, wait time.Duration) {
	q.mu.Lock()
	e.claimed = false
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-e.ctx.Done():
			q.finish(e, models.TaskFailed, models.ErrTaskCancelled.Error(), nil)
			return
		case <-q.quit:
			q.finish(e, models.TaskFailed, "task queue stopped", nil)
			return
		}

		select {
		case q.ready <- e:
		case <-e.ctx.Done():
			q.finish(e, models.TaskFailed, models.ErrTaskCancelled.Error(), nil)
		case <-q.quit:
			q.finish(e, models.TaskFailed, "task queue stopped", nil)
		}
	}()
}

// transition applies fn to the task under the lock, persists it and
// returns a snapshot
func (q *TaskQueue) transition(e *entry, fn func(t *models.Task)) *models.Task {
	q.mu.Lock()
	fn(e.task)
	e.task.UpdatedAt = q.now()
	snapshot := e.task.Clone()
	q.mu.Unlock()

	q.persist(snapshot)
	return snapshot
}

func (q *TaskQueue) persist(task *models.Task) {
	// store writes must outlive a cancelled task
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.tasks.UpdateTask(ctx, task); err != nil {
		q.logger.Error("failed to persist task", "task_id", task.ID, "status", task.Status, "error", err)
	}
}

// finish moves the task to a terminal state and frees its node
func (q *TaskQueue) finish(e *entry, status models.TaskStatus, reason string, outcome *orchestrator.Outcome) {
	q.mu.Lock()
	if e.finished {
		q.mu.Unlock()
		return
	}
	e.finished = true
	now := q.now()
	e.task.Status = status
	e.task.Error = reason
	e.task.FinishedAt = &now
	e.task.UpdatedAt = now
	snapshot := e.task.Clone()
	q.mu.Unlock()

	q.persist(snapshot)
	q.release(e)
	e.cancel()

	if status == models.TaskCompleted {
		q.logger.Info("task completed", "task_id", snapshot.ID, "node_id", snapshot.NodeID, "attempts", snapshot.Attempt)
	} else {
		q.logger.Warn("task failed", "task_id", snapshot.ID, "node_id", snapshot.NodeID, "attempts", snapshot.Attempt, "error", reason)
	}
	q.notify(snapshot, outcome)
	close(e.done)
}

func (q *TaskQueue) release(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := nodeKey(e.task.CanvasID, e.task.NodeID)
	if q.active[key] == e {
		delete(q.active, key)
	}
	delete(q.byTask, e.task.ID)
}

func (q *TaskQueue) snapshot(e *entry) *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return e.task.Clone()
}

func (q *TaskQueue) notify(task *models.Task, outcome *orchestrator.Outcome) {
	q.mu.Lock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	for _, l := range listeners {
		l(task, outcome)
	}
}

// Cancel aborts a queued or running task. The task ends failed with a
// cancellation reason and nothing is committed.
func (q *TaskQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	e, ok := q.byTask[taskID]
	if !ok {
		q.mu.Unlock()
		t, err := q.tasks.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is already %s: %w", taskID, t.Status, models.ErrTaskFinished)
	}
	claimed := e.claimed
	q.mu.Unlock()

	e.cancel()
	if !claimed {
		q.finish(e, models.TaskFailed, models.ErrTaskCancelled.Error(), nil)
	}
	q.logger.Info("task cancelled", "task_id", taskID)
	return nil
}

// Get returns the live task, falling back to the store for finished ones
func (q *TaskQueue) Get(ctx context.Context, taskID string) (*models.Task, error) {
	q.mu.Lock()
	if e, ok := q.byTask[taskID]; ok {
		t := e.task.Clone()
		q.mu.Unlock()
		return t, nil
	}
	q.mu.Unlock()
	return q.tasks.GetTask(ctx, taskID)
}

// Await blocks until the task finishes or ctx is done
func (q *TaskQueue) Await(ctx context.Context, taskID string) (*models.Task, error) {
	q.mu.Lock()
	e, ok := q.byTask[taskID]
	q.mu.Unlock()
	if !ok {
		return q.tasks.GetTask(ctx, taskID)
	}

	select {
	case <-e.done:
		return q.snapshot(e), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ActiveTask returns the queued or running task of a node, if any
func (q *TaskQueue) ActiveTask(canvasID, nodeID string) (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.active[nodeKey(canvasID, nodeID)]
	if !ok {
		return nil, false
	}
	return e.task.Clone(), true
}

// IsTracked reports whether this process owns the task
func (q *TaskQueue) IsTracked(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byTask[taskID]
	return ok
}

// FailOrphans fails queued or running tasks last touched before cutoff
// that this process does not own. Used at startup and by the reaper.
func (q *TaskQueue) FailOrphans(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	failed := 0
	var errs []error

	for _, status := range []models.TaskStatus{models.TaskQueued, models.TaskRunning} {
		tasks, err := q.tasks.ListStaleTasks(ctx, status, cutoff)
		if err != nil {
			return failed, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}

		for _, t := range tasks {
			if q.IsTracked(t.ID) {
				continue
			}
			now := q.now()
			t.Status = models.TaskFailed
			t.Error = reason
			t.FinishedAt = &now
			t.UpdatedAt = now
			if err := q.tasks.UpdateTask(ctx, t); err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", t.ID, err))
				continue
			}
			failed++
			q.logger.Warn("orphaned task failed", "task_id", t.ID, "node_id", t.NodeID, "reason", reason)
			q.notify(t, nil)
		}
	}

	return failed, errors.Join(errs...)
}

// Recover fails every task left queued or running by a previous process
func (q *TaskQueue) Recover(ctx context.Context) (int, error) {
	return q.FailOrphans(ctx, q.now().Add(time.Second), "interrupted by restart")
}

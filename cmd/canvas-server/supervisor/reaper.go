package supervisor

import (
	"context"
	"fmt"
	"time"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// OrphanFailer is the slice of the task queue the reaper drives
type OrphanFailer interface {
	FailOrphans(ctx context.Context, cutoff time.Time, reason string) (int, error)
}

// TaskReaper fails tasks that no live worker owns and that have made no
// progress for staleAfter
type TaskReaper struct {
	queue         OrphanFailer
	logger        Logger
	checkInterval time.Duration
	staleAfter    time.Duration
	now           func() time.Time
}

// NewTaskReaper creates a reaper
func NewTaskReaper(queue OrphanFailer, logger Logger) *TaskReaper {
	return &TaskReaper{
		queue:         queue,
		logger:        logger,
		checkInterval: 30 * time.Second,
		staleAfter:    15 * time.Minute,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithCheckInterval sets the check interval
func (r *TaskReaper) WithCheckInterval(interval time.Duration) *TaskReaper {
	r.checkInterval = interval
	return r
}

// WithStaleAfter sets the inactivity threshold
func (r *TaskReaper) WithStaleAfter(d time.Duration) *TaskReaper {
	r.staleAfter = d
	return r
}

// Start runs until ctx is done
func (r *TaskReaper) Start(ctx context.Context) error {
	r.logger.Info("task reaper starting",
		"check_interval", r.checkInterval,
		"stale_after", r.staleAfter)

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("task reaper shutting down")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("failed to reap stale tasks", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns how many tasks were failed
func (r *TaskReaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	n, err := r.queue.FailOrphans(ctx, cutoff, fmt.Sprintf("timeout: no progress for %s", r.staleAfter))
	if n > 0 {
		r.logger.Warn("reaped stale tasks", "count", n)
	}
	return n, err
}

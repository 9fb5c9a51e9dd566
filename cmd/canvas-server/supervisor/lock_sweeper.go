package supervisor

import (
	"context"
	"time"
)

// ExpiredLeaseReleaser is the slice of the lock manager the sweeper drives
type ExpiredLeaseReleaser interface {
	ReleaseExpired() int
}

// LockSweeper drops expired canvas leases so waiters wake up promptly
type LockSweeper struct {
	locks         ExpiredLeaseReleaser
	logger        Logger
	checkInterval time.Duration
}

// NewLockSweeper creates a sweeper
func NewLockSweeper(locks ExpiredLeaseReleaser, logger Logger) *LockSweeper {
	return &LockSweeper{
		locks:         locks,
		logger:        logger,
		checkInterval: 10 * time.Second,
	}
}

// WithCheckInterval sets the check interval
func (s *LockSweeper) WithCheckInterval(interval time.Duration) *LockSweeper {
	s.checkInterval = interval
	return s
}

// Start runs until ctx is done
func (s *LockSweeper) Start(ctx context.Context) error {
	s.logger.Info("lock sweeper starting", "check_interval", s.checkInterval)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("lock sweeper shutting down")
			return nil
		case <-ticker.C:
			if n := s.locks.ReleaseExpired(); n > 0 {
				s.logger.Info("released expired leases", "count", n)
			}
		}
	}
}

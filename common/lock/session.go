package lock

import (
	"context"
	"fmt"
	"time"
)

// WithSession holds the canvas lock while fn runs. The lease is renewed
// every third of its TTL and released when fn returns, fails, panics or
// ctx is cancelled. fn's ctx is cancelled if the lease is lost.
func (m *Manager) WithSession(ctx context.Context, canvasID, holder string, fn func(ctx context.Context, lease *Lease) error) (err error) {
	lease, err := m.Lock(ctx, canvasID, holder, m.defaultTTL)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})

	defer func() {
		cancel()
		<-heartbeatDone
		if uerr := m.Unlock(canvasID, lease.Token); uerr != nil {
			m.logger.Warn("session ended without its lease", "canvas_id", canvasID, "holder", holder, "error", uerr)
		}
	}()

	go m.heartbeat(sessionCtx, cancel, lease, heartbeatDone)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session on canvas %s panicked: %v", canvasID, r)
		}
	}()

	return fn(sessionCtx, lease)
}

func (m *Manager) heartbeat(ctx context.Context, cancel context.CancelFunc, lease *Lease, done chan<- struct{}) {
	defer close(done)

	interval := m.defaultTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Renew(lease.CanvasID, lease.Token, m.defaultTTL); err != nil {
				m.logger.Error("failed to renew session lease", "canvas_id", lease.CanvasID, "holder", lease.Holder, "error", err)
				cancel()
				return
			}
		}
	}
}

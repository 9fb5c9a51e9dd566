package service

import (
	"context"
	"time"

	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/models"
)

// AgentSessionService hands out canvas leases to agents. While a lease is
// held, user runs and edits on the canvas are rejected.
type AgentSessionService struct {
	locks  *lock.Manager
	canvas *CanvasService
	logger Logger
}

// NewAgentSessionService creates the session service
func NewAgentSessionService(locks *lock.Manager, canvas *CanvasService, logger Logger) *AgentSessionService {
	return &AgentSessionService{locks: locks, canvas: canvas, logger: logger}
}

// Begin takes the canvas lease for holder without waiting. ttl <= 0 uses
// the manager default.
func (s *AgentSessionService) Begin(ctx context.Context, canvasID, holder string, ttl time.Duration) (*lock.Lease, error) {
	if _, err := s.canvas.GetCanvas(ctx, canvasID); err != nil {
		return nil, err
	}
	lease, err := s.locks.TryLock(canvasID, holder, ttl)
	if err != nil {
		return nil, err
	}
	s.logger.Info("agent session started", "canvas_id", canvasID, "holder", holder, "expires_at", lease.ExpiresAt)
	return lease, nil
}

// Renew extends a held lease
func (s *AgentSessionService) Renew(canvasID, token string, ttl time.Duration) (*lock.Lease, error) {
	return s.locks.Renew(canvasID, token, ttl)
}

// End releases the lease named by token
func (s *AgentSessionService) End(canvasID, token string) error {
	if err := s.locks.Unlock(canvasID, token); err != nil {
		return err
	}
	s.logger.Info("agent session ended", "canvas_id", canvasID)
	return nil
}

// ForceEnd drops whatever lease is held on the canvas
func (s *AgentSessionService) ForceEnd(canvasID string) bool {
	released := s.locks.ForceRelease(canvasID)
	if released {
		s.logger.Warn("agent session force-released", "canvas_id", canvasID)
	}
	return released
}

// Status returns the live lease, if any
func (s *AgentSessionService) Status(canvasID string) (*lock.Lease, bool) {
	return s.locks.Lease(canvasID)
}

// Session is an in-process agent's handle on a locked canvas. Every
// mutation carries the lease token.
type Session struct {
	Lease  *lock.Lease
	canvas *CanvasService
	caller Caller
}

// ApplyPatch commits an agent patch
func (s *Session) ApplyPatch(ctx context.Context, ops []models.Operation, description string) (*ApplyPatchResult, error) {
	return s.canvas.ApplyPatch(ctx, ApplyPatchRequest{
		CanvasID:    s.Lease.CanvasID,
		Caller:      s.caller,
		Source:      models.PatchSourceAgent,
		Operations:  ops,
		Description: description,
	})
}

// RunNode queues a node run and waits for it to finish
func (s *Session) RunNode(ctx context.Context, nodeID, apiKey string, taskContext map[string]string) (*models.Task, error) {
	task, err := s.canvas.RunNode(ctx, RunNodeRequest{
		CanvasID: s.Lease.CanvasID,
		NodeID:   nodeID,
		Caller:   s.caller,
		APIKey:   apiKey,
		Context:  taskContext,
	})
	if err != nil {
		return nil, err
	}
	return s.canvas.AwaitTask(ctx, task.ID)
}

// Canvas reads the current canvas state
func (s *Session) Canvas(ctx context.Context) (*models.CanvasEntities, error) {
	return s.canvas.GetCanvas(ctx, s.Lease.CanvasID)
}

// RunSession holds the canvas for the whole of fn, waiting for the lease
// if another holder has it. The lease is renewed while fn runs and
// released on every exit path.
func (s *AgentSessionService) RunSession(ctx context.Context, canvasID, holder string, fn func(ctx context.Context, sess *Session) error) error {
	return s.locks.WithSession(ctx, canvasID, holder, func(ctx context.Context, lease *lock.Lease) error {
		s.logger.Info("agent session running", "canvas_id", canvasID, "holder", holder)
		return fn(ctx, &Session{
			Lease:  lease,
			canvas: s.canvas,
			caller: Caller{UserID: holder, LockToken: lease.Token},
		})
	})
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/orchestrator"
	"github.com/lyzr/canvasgraph/common/patch"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/lyzr/canvasgraph/common/queue"
	"github.com/lyzr/canvasgraph/common/ratelimit"
	"github.com/lyzr/canvasgraph/common/resolver"
	"github.com/lyzr/canvasgraph/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrRateLimited is matched by RateLimitError
var ErrRateLimited = errors.New("rate limited")

// RateLimitError means the caller ran too many nodes of one kind
type RateLimitError struct {
	Kind       models.ProcessorKind
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s run limit of %d reached, retry in %s", e.Kind, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// CanvasServiceOpts contains the collaborators of a CanvasService
type CanvasServiceOpts struct {
	Store        store.CanvasStore
	Queue        *queue.TaskQueue
	Locks        *lock.Manager
	Applier      *patch.Applier
	Registry     *processor.Registry
	Orchestrator *orchestrator.Orchestrator
	Logger       Logger

	// Optional; nil disables per-kind run limits
	RateLimiter *ratelimit.RateLimiter

	// Attempts at committing a patch when the canvas moves underneath it
	MaxPatchAttempts int
}

// CanvasService is the entry point for user and agent mutations: node
// runs, output selection and structural patches
type CanvasService struct {
	store        store.CanvasStore
	queue        *queue.TaskQueue
	locks        *lock.Manager
	applier      *patch.Applier
	registry     *processor.Registry
	orchestrator *orchestrator.Orchestrator
	limiter      *ratelimit.RateLimiter
	logger       Logger
	maxAttempts  int
	now          func() time.Time
}

// NewCanvasService creates a canvas service
func NewCanvasService(opts *CanvasServiceOpts) *CanvasService {
	attempts := opts.MaxPatchAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &CanvasService{
		store:        opts.Store,
		queue:        opts.Queue,
		locks:        opts.Locks,
		applier:      opts.Applier,
		registry:     opts.Registry,
		orchestrator: opts.Orchestrator,
		limiter:      opts.RateLimiter,
		logger:       opts.Logger,
		maxAttempts:  attempts,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Caller identifies who is asking. LockToken is empty for users and set
// for agents holding the canvas lease.
type Caller struct {
	UserID    string
	LockToken string
}

// RunNodeRequest asks for one run of a node
type RunNodeRequest struct {
	CanvasID string
	NodeID   string
	Caller   Caller

	// Provider credential for remote processors; never stored
	APIKey  string
	Context map[string]string
}

// RunNode queues a run. Fails with *models.LockContentionError when the
// canvas is held by someone else and with *models.NodeBusyError when the
// node already has an active task.
func (s *CanvasService) RunNode(ctx context.Context, req RunNodeRequest) (*models.Task, error) {
	if err := s.locks.CheckWritable(req.CanvasID, req.Caller.LockToken); err != nil {
		return nil, err
	}

	entities, err := s.store.GetCanvasEntities(ctx, req.CanvasID)
	if err != nil {
		return nil, err
	}
	node := entities.FindNode(req.NodeID)
	if node == nil {
		return nil, fmt.Errorf("node %s: %w", req.NodeID, models.ErrNotFound)
	}
	def, ok := s.registry.Definition(node.Type)
	if !ok {
		return nil, &models.InvalidNodeError{NodeID: node.ID, Reason: fmt.Sprintf("unknown node type %q", node.Type)}
	}

	if err := s.checkKindLimit(ctx, req.Caller.UserID, def.Kind); err != nil {
		return nil, err
	}

	task, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		CanvasID: req.CanvasID,
		NodeID:   req.NodeID,
		APIKey:   req.APIKey,
		Context:  req.Context,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("node run queued",
		"canvas_id", req.CanvasID,
		"node_id", req.NodeID,
		"task_id", task.ID,
		"kind", def.Kind,
		"user_id", req.Caller.UserID,
	)
	return task, nil
}

// checkKindLimit fails open when Redis is unreachable
func (s *CanvasService) checkKindLimit(ctx context.Context, userID string, kind models.ProcessorKind) error {
	if s.limiter == nil || userID == "" {
		return nil
	}
	res, err := s.limiter.CheckKindLimit(ctx, userID, kind)
	if err != nil {
		s.logger.Warn("rate limit check failed, allowing run", "user_id", userID, "kind", kind, "error", err)
		return nil
	}
	if !res.Allowed {
		return &RateLimitError{Kind: kind, Limit: res.Limit, RetryAfter: time.Duration(res.RetryAfterSeconds) * time.Second}
	}
	return nil
}

// NodeKind returns the processor kind of a node
func (s *CanvasService) NodeKind(ctx context.Context, canvasID, nodeID string) (models.ProcessorKind, error) {
	entities, err := s.store.GetCanvasEntities(ctx, canvasID)
	if err != nil {
		return "", err
	}
	node := entities.FindNode(nodeID)
	if node == nil {
		return "", fmt.Errorf("node %s: %w", nodeID, models.ErrNotFound)
	}
	def, ok := s.registry.Definition(node.Type)
	if !ok {
		return "", &models.InvalidNodeError{NodeID: nodeID, Reason: fmt.Sprintf("unknown node type %q", node.Type)}
	}
	return def.Kind, nil
}

// ApplyPatchRequest is a structural edit proposed by a user or an agent
type ApplyPatchRequest struct {
	CanvasID string
	Caller   Caller

	// Optional client id; resubmitting a committed id returns the stored patch
	PatchID     string
	Source      models.PatchSource
	Operations  []models.Operation
	Description string
}

// ApplyPatchResult is a committed patch and the canvas version it produced
type ApplyPatchResult struct {
	Patch   *models.Patch
	Version int64

	// True when PatchID had already been committed
	Replayed bool

	// True when the operations left the canvas as it was. Nothing is
	// stored or logged and Patch.Seq is zero.
	Unchanged bool
}

// ApplyPatch validates and commits a patch atomically. When the canvas
// moves between read and commit the patch is re-applied to the fresh
// state; test operations guard against semantic conflicts. Every attempt
// re-checks the canvas lease, and no lease can be taken between that
// check and the commit.
func (s *CanvasService) ApplyPatch(ctx context.Context, req ApplyPatchRequest) (*ApplyPatchResult, error) {
	if err := s.locks.CheckWritable(req.CanvasID, req.Caller.LockToken); err != nil {
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = models.PatchSourceUser
		if req.Caller.LockToken != "" {
			source = models.PatchSourceAgent
		}
	}

	patchID := req.PatchID
	if patchID == "" {
		patchID = uuid.NewString()
	} else if existing, err := s.store.GetPatch(ctx, req.CanvasID, patchID); err == nil {
		s.logger.Info("patch already committed", "canvas_id", req.CanvasID, "patch_id", patchID, "seq", existing.Seq)
		entities, err := s.store.GetCanvasEntities(ctx, req.CanvasID)
		if err != nil {
			return nil, err
		}
		return &ApplyPatchResult{Patch: existing, Version: entities.Canvas.Version, Replayed: true}, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up patch: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var res *ApplyPatchResult
		err := s.locks.WithWritable(req.CanvasID, req.Caller.LockToken, func() error {
			current, err := s.store.GetCanvasEntities(ctx, req.CanvasID)
			if err != nil {
				return err
			}

			p := &models.Patch{
				ID:          patchID,
				CanvasID:    req.CanvasID,
				Source:      source,
				Operations:  req.Operations,
				Description: req.Description,
				CreatedBy:   req.Caller.UserID,
				CreatedAt:   s.now(),
			}

			next, err := s.applier.Apply(current, p)
			if err != nil {
				s.logger.Warn("patch rejected",
					"canvas_id", req.CanvasID,
					"patch_id", patchID,
					"source", source,
					"error", err,
				)
				return err
			}

			if patch.Unchanged(current, next) {
				res = &ApplyPatchResult{Patch: p, Version: current.Canvas.Version, Unchanged: true}
				return nil
			}

			stored, err := s.store.ApplyPatch(ctx, p, next, current.Canvas.Version)
			if err != nil {
				return err
			}
			res = &ApplyPatchResult{Patch: stored, Version: current.Canvas.Version + 1}
			return nil
		})
		if errors.Is(err, models.ErrVersionConflict) {
			lastErr = err
			s.logger.Debug("patch raced another writer, retrying", "canvas_id", req.CanvasID, "attempt", attempt)
			continue
		}
		var contention *models.LockContentionError
		var rejected *models.PatchRejectedError
		if errors.As(err, &contention) || errors.As(err, &rejected) || errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to commit patch: %w", err)
		}

		if res.Unchanged {
			s.logger.Info("patch left canvas unchanged", "canvas_id", req.CanvasID, "patch_id", patchID, "source", source)
			return res, nil
		}

		stored := res.Patch
		s.locks.NotifyPatch(ctx, lock.PatchEvent{
			CanvasID: req.CanvasID,
			PatchID:  stored.ID,
			Seq:      stored.Seq,
			Source:   stored.Source,
			At:       stored.CreatedAt,
		})

		s.logger.Info("patch applied",
			"canvas_id", req.CanvasID,
			"patch_id", stored.ID,
			"seq", stored.Seq,
			"source", stored.Source,
			"operations", len(stored.Operations),
		)
		return res, nil
	}

	return nil, fmt.Errorf("patch not committed after %d attempts: %w", s.maxAttempts, lastErr)
}

// SelectOutput makes generation index the visible output of a node
func (s *CanvasService) SelectOutput(ctx context.Context, canvasID, nodeID string, index int, caller Caller) (*models.NodeResult, error) {
	var result *models.NodeResult
	err := s.locks.WithWritable(canvasID, caller.LockToken, func() error {
		var err error
		result, err = s.orchestrator.SelectOutput(ctx, canvasID, nodeID, index)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetCanvas returns the current canvas state
func (s *CanvasService) GetCanvas(ctx context.Context, canvasID string) (*models.CanvasEntities, error) {
	return s.store.GetCanvasEntities(ctx, canvasID)
}

// SaveCanvas creates or replaces a canvas wholesale. The result must
// satisfy the graph invariants. Results and the version are owned by the
// server: incoming results are ignored and stored ones are kept for nodes
// that keep their type.
func (s *CanvasService) SaveCanvas(ctx context.Context, entities *models.CanvasEntities, caller Caller) error {
	if entities.Canvas.ID == "" {
		entities.Canvas.ID = uuid.NewString()
	}
	if entities.Canvas.UserID == "" {
		entities.Canvas.UserID = caller.UserID
	}

	return s.locks.WithWritable(entities.Canvas.ID, caller.LockToken, func() error {
		stored, err := s.store.GetCanvasEntities(ctx, entities.Canvas.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("failed to load canvas: %w", err)
		}

		entities.Canvas.Version = 1
		if stored != nil {
			entities.Canvas.Version = stored.Canvas.Version + 1
			entities.Canvas.CreatedAt = stored.Canvas.CreatedAt
		}
		for _, n := range entities.Nodes {
			n.Result = nil
			if stored == nil {
				continue
			}
			if prev := stored.FindNode(n.ID); prev != nil && prev.Type == n.Type {
				n.Result = prev.Result.Clone()
			}
		}

		// a kept result must still fit the node's handles
		g := resolver.NewGraph(entities)
		for _, n := range entities.Nodes {
			if n.Result != nil && resolver.ValidateResult(g, n.ID, n.Result) != nil {
				n.Result = nil
			}
		}

		if err := s.applier.Validate(entities); err != nil {
			return err
		}
		return s.store.SaveCanvas(ctx, entities)
	})
}

// ListPatches returns committed patches after seq, oldest first
func (s *CanvasService) ListPatches(ctx context.Context, canvasID string, afterSeq int64, limit int) ([]*models.Patch, error) {
	return s.store.ListPatches(ctx, canvasID, afterSeq, limit)
}

// GetPatch returns one committed patch
func (s *CanvasService) GetPatch(ctx context.Context, canvasID, patchID string) (*models.Patch, error) {
	return s.store.GetPatch(ctx, canvasID, patchID)
}

// GetTask returns a task, live or finished
func (s *CanvasService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.queue.Get(ctx, taskID)
}

// AwaitTask blocks until the task finishes or ctx is done
func (s *CanvasService) AwaitTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.queue.Await(ctx, taskID)
}

// CancelTask aborts an active task and returns its state
func (s *CanvasService) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	if err := s.queue.Cancel(ctx, taskID); err != nil {
		return nil, err
	}
	return s.queue.Get(ctx, taskID)
}

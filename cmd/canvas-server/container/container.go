package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/lyzr/canvasgraph/cmd/canvas-server/service"
	"github.com/lyzr/canvasgraph/cmd/canvas-server/supervisor"
	"github.com/lyzr/canvasgraph/common/bootstrap"
	"github.com/lyzr/canvasgraph/common/clients"
	"github.com/lyzr/canvasgraph/common/events"
	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/orchestrator"
	"github.com/lyzr/canvasgraph/common/patch"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/lyzr/canvasgraph/common/queue"
	"github.com/lyzr/canvasgraph/common/ratelimit"
	"github.com/lyzr/canvasgraph/common/repository"
	"github.com/lyzr/canvasgraph/common/store"
	"github.com/lyzr/canvasgraph/common/validation"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	// Persistence
	CanvasStore store.CanvasStore
	TaskStore   store.TaskStore

	// Core
	Registry     *processor.Registry
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.TaskQueue
	Locks        *lock.Manager
	Applier      *patch.Applier

	// Nil without Redis
	Publisher   *events.Publisher
	RateLimiter *ratelimit.RateLimiter

	// Services
	CanvasService  *service.CanvasService
	SessionService *service.AgentSessionService

	// Background loops
	TaskReaper  *supervisor.TaskReaper
	LockSweeper *supervisor.LockSweeper

	closers []func() error
}

// Option overrides a collaborator, mostly for tests
type Option func(*containerOptions)

type containerOptions struct {
	images processor.ImageProvider
}

// WithImageProvider replaces the configured image backend
func WithImageProvider(p processor.ImageProvider) Option {
	return func(o *containerOptions) {
		o.images = p
	}
}

// NewContainer initializes all services once. ctx bounds the lifetime of
// background publishers.
func NewContainer(ctx context.Context, components *bootstrap.Components, opts ...Option) (*Container, error) {
	var o containerOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := components.Config
	log := components.Logger
	c := &Container{Components: components}

	if err := c.initStores(); err != nil {
		_ = c.Close()
		return nil, err
	}

	images := o.images
	if images == nil {
		images = imageProvider(log)
	}

	registry, err := processor.NewRegistry()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to create processor registry: %w", err)
	}
	if err := processor.RegisterBuiltins(registry, images); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to register processors: %w", err)
	}
	c.Registry = registry

	c.Orchestrator, err = orchestrator.NewOrchestrator(&orchestrator.OrchestratorOpts{
		Store:       c.CanvasStore,
		Registry:    registry,
		Logger:      log,
		TaskTimeout: cfg.Queue.TaskTimeout,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Queue = queue.NewTaskQueue(c.Orchestrator, c.TaskStore, log, queue.Opts{
		Workers:        cfg.Queue.Workers,
		Buffer:         cfg.Queue.Buffer,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		InitialBackoff: cfg.Queue.InitialBackoff,
		MaxBackoff:     cfg.Queue.MaxBackoff,
	})

	lockOpts := &lock.ManagerOpts{Logger: log, DefaultTTL: cfg.Lock.DefaultTTL}
	if components.Redis != nil {
		c.Publisher = events.NewPublisher(&events.PublisherOpts{
			Client: components.Redis,
			Logger: log,
		})
		lockOpts.Notifier = c.Publisher
		c.Queue.AddListener(c.Publisher.TaskListener(ctx))

		if cfg.RateLimit.Enabled {
			c.RateLimiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
		}
	}
	c.Locks = lock.NewManager(lockOpts)

	c.Applier = patch.NewApplier(registry, validation.NewPatchValidator())

	c.CanvasService = service.NewCanvasService(&service.CanvasServiceOpts{
		Store:        c.CanvasStore,
		Queue:        c.Queue,
		Locks:        c.Locks,
		Applier:      c.Applier,
		Registry:     registry,
		Orchestrator: c.Orchestrator,
		RateLimiter:  c.RateLimiter,
		Logger:       log,
	})
	c.SessionService = service.NewAgentSessionService(c.Locks, c.CanvasService, log)

	c.TaskReaper = supervisor.NewTaskReaper(c.Queue, log).
		WithCheckInterval(cfg.Queue.ReapInterval).
		WithStaleAfter(cfg.Queue.StaleTaskAfter)
	c.LockSweeper = supervisor.NewLockSweeper(c.Locks, log).
		WithCheckInterval(cfg.Lock.SweepInterval)

	log.Info("service container ready",
		"store", cfg.Store.Driver,
		"task_store", taskDriver(cfg.Store.Driver, cfg.Store.TaskDriver),
		"events", c.Publisher != nil,
		"rate_limit", c.RateLimiter != nil,
	)
	return c, nil
}

func taskDriver(storeDriver, taskDriver string) string {
	if taskDriver == "" {
		return storeDriver
	}
	return taskDriver
}

func (c *Container) initStores() error {
	cfg := c.Components.Config

	var mem *store.MemoryStore
	memory := func() *store.MemoryStore {
		if mem == nil {
			mem = store.NewMemoryStore()
		}
		return mem
	}

	switch cfg.Store.Driver {
	case "postgres":
		if c.Components.DB == nil {
			return fmt.Errorf("postgres store selected but no database is connected")
		}
		c.CanvasStore = repository.NewCanvasRepository(c.Components.DB)
	default:
		c.CanvasStore = memory()
	}

	switch taskDriver(cfg.Store.Driver, cfg.Store.TaskDriver) {
	case "postgres":
		if c.Components.DB == nil {
			return fmt.Errorf("postgres task store selected but no database is connected")
		}
		c.TaskStore = repository.NewTaskRepository(c.Components.DB)
	case "sqlite":
		repo, err := repository.NewSQLiteTaskRepository("file:" + cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open task database: %w", err)
		}
		c.TaskStore = repo
		c.closers = append(c.closers, repo.Close)
	default:
		c.TaskStore = memory()
	}
	return nil
}

func imageProvider(log clients.Logger) processor.ImageProvider {
	cc := clients.LoadClientConfig()
	if cc.ImageWebhookURL == "" {
		log.Warn("IMAGE_WEBHOOK_URL not set, image nodes return placeholders")
		return &processor.StaticImageProvider{}
	}
	return clients.NewWebhookImageProvider(cc.ImageWebhookURL, cc.Timeout, log)
}

// Close releases resources the container opened itself
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

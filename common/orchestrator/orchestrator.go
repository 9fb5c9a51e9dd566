package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/processor"
	"github.com/lyzr/canvasgraph/common/resolver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Phase is a step of one run attempt
type Phase string

const (
	PhaseResolving  Phase = "resolving"
	PhaseInvoking   Phase = "invoking"
	PhaseCommitting Phase = "committing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

const instrumentationName = "github.com/lyzr/canvasgraph/common/orchestrator"

// ResultStore is the slice of persistence the orchestrator needs
type ResultStore interface {
	GetCanvasEntities(ctx context.Context, canvasID string) (*models.CanvasEntities, error)
	ReplaceNodeResult(ctx context.Context, canvasID, nodeID string, result *models.NodeResult, check func(current *models.CanvasEntities) error) error
	UpdateNodeResult(ctx context.Context, canvasID, nodeID string, fn func(current *models.NodeResult) (*models.NodeResult, error)) (*models.NodeResult, error)
}

// Outcome is the state transition produced by one run attempt
type Outcome struct {
	TaskID   string
	CanvasID string
	NodeID   string

	// PhaseSucceeded or PhaseFailed
	Phase Phase

	// Phase the failure happened in; empty on success
	FailedIn Phase

	// Committed result; nil when nothing was written
	Result *models.NodeResult

	Err       error
	Retryable bool
	Cancelled bool

	// Nodes reading this node's output that should be re-run to pick up
	// the new result. Always empty for terminal nodes.
	StaleDependents []string

	Duration time.Duration
}

// Succeeded reports whether the run committed
func (o *Outcome) Succeeded() bool {
	return o.Phase == PhaseSucceeded
}

// OrchestratorOpts contains options for creating an orchestrator
type OrchestratorOpts struct {
	Store    ResultStore
	Registry *processor.Registry
	Logger   processor.Logger

	// Upper bound for one processor invocation
	TaskTimeout time.Duration

	// Optional; default to the global providers
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Orchestrator drives single node runs: resolve, invoke, commit
type Orchestrator struct {
	store    ResultStore
	registry *processor.Registry
	logger   processor.Logger
	timeout  time.Duration
	tracer   trace.Tracer
	metrics  *runMetrics
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(opts *OrchestratorOpts) (*Orchestrator, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Logger == nil {
		return nil, fmt.Errorf("orchestrator requires a store, a registry and a logger")
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m, err := newRunMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator metrics: %w", err)
	}

	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Orchestrator{
		store:    opts.Store,
		registry: opts.Registry,
		logger:   opts.Logger,
		timeout:  timeout,
		tracer:   tracer,
		metrics:  m,
	}, nil
}

// Run executes one attempt of task. It never panics and never returns a
// bare error: every failure ends up in the Outcome.
func (o *Orchestrator) Run(ctx context.Context, task *models.Task) *Outcome {
	start := time.Now()
	out := &Outcome{TaskID: task.ID, CanvasID: task.CanvasID, NodeID: task.NodeID}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("canvas.id", task.CanvasID),
		attribute.String("node.id", task.NodeID),
		attribute.String("task.id", task.ID),
		attribute.Int("task.attempt", task.Attempt),
	))
	defer span.End()

	nodeType := o.run(ctx, task, out)

	out.Duration = time.Since(start)
	span.SetAttributes(attribute.String("node.type", nodeType), attribute.String("run.phase", string(out.Phase)))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	o.metrics.record(ctx, nodeType, out)

	if out.Succeeded() {
		o.logger.Info("node run succeeded",
			"task_id", task.ID, "canvas_id", task.CanvasID, "node_id", task.NodeID,
			"duration_ms", out.Duration.Milliseconds(), "stale_dependents", len(out.StaleDependents))
	} else {
		o.logger.Warn("node run failed",
			"task_id", task.ID, "canvas_id", task.CanvasID, "node_id", task.NodeID,
			"phase", out.FailedIn, "retryable", out.Retryable, "cancelled", out.Cancelled, "error", out.Err)
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, task *models.Task, out *Outcome) string {
	// Resolving
	out.Phase = PhaseResolving
	entities, err := o.store.GetCanvasEntities(ctx, task.CanvasID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			o.fail(out, &models.InvalidNodeError{NodeID: task.NodeID, Reason: "canvas does not exist", Err: err})
		} else {
			o.fail(out, models.MarkTransient(fmt.Errorf("failed to load canvas: %w", err)))
		}
		return ""
	}

	g := resolver.NewGraph(entities)
	node, ok := g.Node(task.NodeID)
	if !ok {
		o.fail(out, &models.InvalidNodeError{NodeID: task.NodeID, Reason: "node does not exist", Err: models.ErrNotFound})
		return ""
	}

	p, err := o.registry.GetByType(node.Type)
	if err != nil {
		o.fail(out, &models.InvalidNodeError{NodeID: node.ID, Reason: err.Error(), Err: err})
		return node.Type
	}
	def := p.Definition()

	if err := resolver.ValidateRequiredInputs(g, node.ID); err != nil {
		o.fail(out, err)
		return node.Type
	}
	if err := o.registry.CheckConfig(def, node.Config); err != nil {
		o.fail(out, &models.InvalidNodeError{NodeID: node.ID, Reason: "invalid config: " + err.Error(), Err: err})
		return node.Type
	}

	// Invoking
	out.Phase = PhaseInvoking
	pnode := node.Clone()
	if pnode.IsTransient {
		pnode.Result = nil
	}

	cleanup := &processor.Cleanup{}
	defer cleanup.Run()

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	res, err := o.invoke(runCtx, p, &processor.Context{
		Node:    pnode,
		Graph:   g,
		Task:    task,
		Config:  processor.NewConfigView(pnode.Config),
		Cleanup: cleanup,
		Logger:  o.logger,
	})

	if ctx.Err() != nil {
		o.cancelled(out, ctx.Err())
		return node.Type
	}
	if err != nil {
		perr := &models.ProcessorError{NodeID: node.ID, NodeType: node.Type, Message: err.Error(), Transient: models.IsTransient(err)}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			perr.Message = fmt.Sprintf("timed out after %s", o.timeout)
			perr.Transient = true
		}
		var invalid *models.InvalidNodeError
		if errors.As(err, &invalid) || errors.Is(err, models.ErrMissingRequiredInput) {
			o.fail(out, err)
			return node.Type
		}
		o.fail(out, perr)
		return node.Type
	}
	if !res.Success {
		o.fail(out, &models.ProcessorError{NodeID: node.ID, NodeType: node.Type, Message: res.Error, Transient: res.Retryable})
		return node.Type
	}

	// Committing
	out.Phase = PhaseCommitting
	if res.NewResult != nil {
		if err := resolver.ValidateResult(g, node.ID, res.NewResult); err != nil {
			o.fail(out, &models.ProcessorError{NodeID: node.ID, NodeType: node.Type, Message: "invalid result: " + err.Error()})
			return node.Type
		}
		if ctx.Err() != nil {
			o.cancelled(out, ctx.Err())
			return node.Type
		}
		err := o.store.ReplaceNodeResult(ctx, task.CanvasID, node.ID, res.NewResult, func(current *models.CanvasEntities) error {
			return checkUnchanged(current, node, res.NewResult)
		})
		var invalid *models.InvalidNodeError
		if errors.As(err, &invalid) {
			o.fail(out, err)
			return node.Type
		}
		if errors.Is(err, models.ErrNotFound) {
			o.fail(out, &models.InvalidNodeError{NodeID: node.ID, Reason: "node was removed while running", Err: err})
			return node.Type
		}
		if err != nil {
			o.fail(out, models.MarkTransient(fmt.Errorf("failed to commit result: %w", err)))
			return node.Type
		}
		out.Result = res.NewResult
	}

	if !node.IsTerminal {
		out.StaleDependents = resolver.Dependents(g, node.ID)
	}
	out.Phase = PhaseSucceeded
	return node.Type
}

// checkUnchanged rejects a result when a patch changed the node's type or
// output handles while the processor ran
func checkUnchanged(current *models.CanvasEntities, ran *models.Node, result *models.NodeResult) error {
	node := current.FindNode(ran.ID)
	if node == nil {
		return &models.InvalidNodeError{NodeID: ran.ID, Reason: "node was removed while running", Err: models.ErrNotFound}
	}
	if node.Type != ran.Type {
		return &models.InvalidNodeError{NodeID: ran.ID, Reason: fmt.Sprintf("node changed type from %s to %s while running", ran.Type, node.Type)}
	}
	if err := resolver.ValidateResult(resolver.NewGraph(current), ran.ID, result); err != nil {
		return &models.InvalidNodeError{NodeID: ran.ID, Reason: "result no longer fits the node: " + err.Error(), Err: err}
	}
	return nil
}

type invocation struct {
	res *processor.Result
	err error
}

// invoke runs the processor on its own goroutine so a processor that
// ignores ctx cannot hold the run past its deadline. A late result is
// dropped.
func (o *Orchestrator) invoke(ctx context.Context, p processor.Processor, pc *processor.Context) (*processor.Result, error) {
	done := make(chan invocation, 1)

	go func() {
		var inv invocation
		defer func() {
			if r := recover(); r != nil {
				inv = invocation{err: fmt.Errorf("processor panicked: %v", r)}
			}
			done <- inv
		}()
		inv.res, inv.err = p.Process(ctx, pc)
		if inv.err == nil && inv.res == nil {
			inv.err = errors.New("processor returned no result")
		}
	}()

	select {
	case inv := <-done:
		return inv.res, inv.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) fail(out *Outcome, err error) {
	out.FailedIn = out.Phase
	out.Phase = PhaseFailed
	out.Err = err
	out.Retryable = models.IsTransient(err)
}

func (o *Orchestrator) cancelled(out *Outcome, cause error) {
	o.fail(out, fmt.Errorf("%w: %v", models.ErrTaskCancelled, cause))
	out.Cancelled = true
	out.Retryable = false
}

// SelectOutput makes generation index the live one for nodeID. Only the
// selection changes; downstream nodes see the new generation on their
// next run.
func (o *Orchestrator) SelectOutput(ctx context.Context, canvasID, nodeID string, index int) (*models.NodeResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.select_output", trace.WithAttributes(
		attribute.String("canvas.id", canvasID),
		attribute.String("node.id", nodeID),
		attribute.Int("output.index", index),
	))
	defer span.End()

	next, err := o.store.UpdateNodeResult(ctx, canvasID, nodeID, func(current *models.NodeResult) (*models.NodeResult, error) {
		sel, err := current.WithSelection(index)
		if err != nil {
			return nil, &models.InvalidNodeError{NodeID: nodeID, Reason: err.Error()}
		}
		return sel, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	o.logger.Info("output selected", "canvas_id", canvasID, "node_id", nodeID, "index", index)
	return next, nil
}

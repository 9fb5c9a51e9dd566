package processor

import (
	"context"
	"sync"

	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/resolver"
)

// Logger is the logging surface processors get
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Processor computes a node's result. Local and remote node types both
// implement it; the difference is only where they are scheduled.
type Processor interface {
	Definition() models.NodeTypeDef
	Process(ctx context.Context, pc *Context) (*Result, error)
}

// Context is everything a processor may look at. Nothing in it may be
// mutated; effects travel only through the returned Result.
type Context struct {
	// Node being run. Result is nil for transient nodes.
	Node *models.Node

	// Read-only view of the canvas for resolver calls
	Graph *resolver.Graph

	Task    *models.Task
	Config  ConfigView
	Cleanup *Cleanup
	Logger  Logger
}

// Result is what a processor hands back to the orchestrator
type Result struct {
	Success bool
	Error   string

	// Failure may succeed if tried again (rate limit, provider hiccup)
	Retryable bool

	// Full replacement result. Nil on success means nothing to commit.
	NewResult *models.NodeResult
}

// Succeeded wraps a new result
func Succeeded(r *models.NodeResult) *Result {
	return &Result{Success: true, NewResult: r}
}

// Failed reports a permanent failure
func Failed(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Retry reports a transient failure
func Retry(msg string) *Result {
	return &Result{Success: false, Error: msg, Retryable: true}
}

// Cleanup collects release funcs for transient resources a processor
// creates (staged uploads, temporary blob URLs). They run LIFO once the
// run is committed or abandoned.
type Cleanup struct {
	mu  sync.Mutex
	fns []func()
}

// Register adds fn to run at the end of the run
func (c *Cleanup) Register(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// Len returns the number of pending release funcs
func (c *Cleanup) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fns)
}

// Run calls every registered func once, newest first. A panicking func
// does not stop the others.
func (c *Cleanup) Run() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() { _ = recover() }()
			fns[i]()
		}()
	}
}

// Passthrough re-emits the node's current result. Used for nodes that do
// no computation (file imports, previews, notes) so every node runs
// through the same protocol.
type Passthrough struct {
	Def models.NodeTypeDef
}

// NewPassthrough builds a passthrough processor for def
func NewPassthrough(def models.NodeTypeDef) *Passthrough {
	def.Passthrough = true
	if def.Kind == "" {
		def.Kind = models.KindLocal
	}
	return &Passthrough{Def: def}
}

func (p *Passthrough) Definition() models.NodeTypeDef {
	return p.Def
}

func (p *Passthrough) Process(ctx context.Context, pc *Context) (*Result, error) {
	return Succeeded(pc.Node.Result.Clone()), nil
}

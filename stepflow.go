// Package stepflow embeds the workflow engine as a library. It wires the
// runner, persistence and streaming behind one constructor so a host
// application can execute workflow definitions without running the server
// binary. The caller supplies an Invoker for tool steps; everything else
// is optional.
package stepflow

import (
	"context"
	"log/slog"

	"github.com/venzel/stepflow/internal/engine"
	"github.com/venzel/stepflow/internal/runs"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/internal/streaming"
	"github.com/venzel/stepflow/pkg/schema"
)

// Invoker executes tool steps. It receives the step's resolved parameters
// and returns the tool's result value.
type Invoker = engine.Invoker

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc = engine.InvokerFunc

// BreakerConfig tunes the optional per-tool circuit breakers.
type BreakerConfig = engine.BreakerConfig

// Hub distributes live run events to subscribers.
type Hub = streaming.Hub

// RunEvent is a live event emitted while a run executes.
type RunEvent = streaming.RunEvent

// EventFilter selects which events a subscription receives.
type EventFilter = streaming.Filter

// Store is the libSQL persistence layer for run rows and event logs.
type Store = store.LibSQLStore

// Options configures an Engine. Invoker is the only required field; a nil
// store keeps execution in memory and a nil hub disables live streaming.
type Options struct {
	// Invoker executes tool steps. Without one every tool step fails.
	Invoker Invoker
	// Logger receives structured execution logs. Nil uses slog.Default.
	Logger *slog.Logger
	// Store persists run rows and the append-only event log.
	Store *Store
	// Hub receives live run events as execution progresses.
	Hub Hub
	// PoolSize bounds concurrent tool invocations when positive.
	PoolSize int
	// Breaker enables per-tool circuit breakers when non-nil.
	Breaker *BreakerConfig
}

// Engine executes workflow definitions. It is safe for concurrent use.
type Engine struct {
	runner *engine.Runner
	svc    *runs.Service
}

// New builds an Engine. With a store configured, every execution gets a run
// row and a persisted event log; events also reach the hub when one is set.
func New(opts Options) *Engine {
	var eventLog *store.EventLog
	if opts.Store != nil {
		eventLog = store.NewEventLog(opts.Store)
	}

	var sink engine.EventSink
	if eventLog != nil || opts.Hub != nil {
		sink = streaming.NewSink(eventLog, opts.Hub, opts.Logger)
	}

	runner := engine.NewRunner(engine.Options{
		Invoker:  opts.Invoker,
		Sink:     sink,
		Logger:   opts.Logger,
		PoolSize: opts.PoolSize,
		Breaker:  opts.Breaker,
	})

	e := &Engine{runner: runner}
	if opts.Store != nil {
		e.svc = runs.NewService(opts.Store, eventLog, runner, opts.Logger)
	}
	return e
}

// Execute runs a definition to completion. The error is non-nil only for an
// invalid definition; runtime failures, timeouts and cancellations are
// reported inside the result.
func (e *Engine) Execute(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*schema.WorkflowResult, error) {
	if e.svc != nil {
		return e.svc.Execute(ctx, def, vars)
	}
	return e.runner.Execute(ctx, def, engine.WithVariables(vars))
}

// ExecuteJSON decodes a JSON definition and executes it.
func (e *Engine) ExecuteJSON(ctx context.Context, raw []byte, vars map[string]any) (*schema.WorkflowResult, error) {
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, def, vars)
}

// Validate checks a definition without executing it.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.runner.Validate(def)
}

// Close cancels in-flight executions, waits for them to settle and shuts
// down the worker pool.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.svc != nil {
		err = e.svc.Shutdown(ctx)
	}
	e.runner.Close()
	return err
}

// OpenStore opens the libSQL database at dsn and applies migrations. The
// dsn is anything the libsql driver accepts, typically "file:" plus a path.
func OpenStore(ctx context.Context, dsn string) (*Store, error) {
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewMemoryHub returns an in-process Hub for single-binary embeddings.
func NewMemoryHub() Hub {
	return streaming.NewMemoryHub()
}

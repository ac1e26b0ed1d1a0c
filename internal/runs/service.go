// Package runs coordinates workflow executions against the store. It assigns
// run ids, keeps run rows in sync with execution, and tracks live runs so
// they can be cancelled from another request.
package runs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venzel/stepflow/internal/engine"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/pkg/schema"
)

// Executor is the interface the service uses to run workflows.
// Satisfied by the engine runner.
type Executor interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, opts ...engine.ExecuteOption) (*schema.WorkflowResult, error)
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Status describes one run together with the per-step state replayed from
// its event log.
type Status struct {
	Run   *store.Run                     `json:"run"`
	Steps map[string]*store.StepSnapshot `json:"steps"`
}

// Service wraps an Executor with run-row bookkeeping. Every run started
// through it gets a pending row before execution, a running flip when the
// engine takes over, and a terminal update with the marshalled result.
// Event persistence is not its job; the runner's sink handles that.
type Service struct {
	store  store.Store
	events *store.EventLog
	runner Executor
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a run service. The event log is used only by Cancel to
// record cancellations of runs no live execution owns.
func NewService(s store.Store, events *store.EventLog, runner Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		events: events,
		runner: runner,
		logger: logger,
		active: make(map[string]context.CancelFunc),
	}
}

// Execute runs a workflow synchronously and returns its result. The run is
// registered for cancellation while it executes. Invalid definitions fail
// before any row is written.
func (s *Service) Execute(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*schema.WorkflowResult, error) {
	runID, err := s.Prepare(ctx, def)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, runID, def, vars)
}

// Submit starts a workflow in the background and returns its run id
// immediately. Validation and the pending row happen synchronously, so a
// rejected definition never leaves a row behind; the run is registered
// before Submit returns, so the returned id is already cancellable.
func (s *Service) Submit(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (string, error) {
	runID, err := s.Prepare(ctx, def)
	if err != nil {
		return "", err
	}

	// The run must outlive the submitting request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.register(runID, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.run(runCtx, runID, def, vars); err != nil {
			s.logger.Error("background run failed to execute", "run_id", runID, "error", err)
		}
	}()
	return runID, nil
}

// Validate checks a definition without running it.
func (s *Service) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.runner.Validate(def)
}

// Cancel stops a run. A live execution has its context cancelled and writes
// its own terminal state on the way out. A run that exists only as a
// non-terminal row (the process died, or it was submitted by an earlier
// incarnation) is marked cancelled directly so it does not stay pending
// forever. Cancelling a finished run is a conflict.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	cancel, live := s.active[runID]
	s.mu.Unlock()
	if live {
		cancel()
		return nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already %s", runID, run.Status)
	}

	now := time.Now().UTC()
	cancelled := schema.RunCancelled
	success := false
	update := store.RunUpdate{Status: &cancelled, Success: &success, CompletedAt: &now}
	if err := s.store.UpdateRun(ctx, runID, update); err != nil {
		return err
	}
	if s.events != nil {
		err := s.events.Append(ctx, &store.RunEvent{
			RunID:   runID,
			Type:    schema.EventRunCancelled,
			Payload: json.RawMessage(`{"reason":"cancelled without a live execution"}`),
		})
		if err != nil {
			s.logger.Error("could not record cancellation", "run_id", runID, "error", err)
		}
	}
	s.logger.Info("orphaned run cancelled", "run_id", runID, "previous_status", run.Status)
	return nil
}

// Status returns a run's row and its step states replayed from the event log.
func (s *Service) Status(ctx context.Context, runID string) (*Status, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.events.Replay(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Status{Run: run, Steps: steps}, nil
}

// Active returns the ids of runs currently executing in this process.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every live run and waits for background runs to write
// their terminal state, or until ctx expires. Synchronous runs are cancelled
// too but their callers own the wait.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	n := len(s.active)
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()
	if n > 0 {
		s.logger.Info("cancelling live runs for shutdown", "count", n)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Prepare validates the definition and writes the pending row, returning the
// new run id without starting execution. Callers that need the id before the
// run starts, to bind it to a session or stream, use Prepare then Run;
// everyone else uses Execute or Submit.
func (s *Service) Prepare(ctx context.Context, def *schema.WorkflowDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if vr := s.runner.Validate(def); !vr.Valid() {
		return "", vr.ToError()
	}

	runID := uuid.NewString()
	row := &store.Run{
		ID:     runID,
		Name:   def.Name,
		Status: schema.RunPending,
	}
	if err := s.store.CreateRun(ctx, row); err != nil {
		return "", err
	}
	return runID, nil
}

// Run executes a run created by Prepare synchronously.
func (s *Service) Run(ctx context.Context, runID string, def *schema.WorkflowDefinition, vars map[string]any) (*schema.WorkflowResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s.register(runID, cancel)
	return s.run(runCtx, runID, def, vars)
}

func (s *Service) register(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()
}

// unregister removes the run and releases its context.
func (s *Service) unregister(runID string) {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	delete(s.active, runID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// run executes one registered run: flips the row to running, executes, and
// writes the terminal update. Row writes use a detached context because a
// cancelled run must still record that it was cancelled.
func (s *Service) run(ctx context.Context, runID string, def *schema.WorkflowDefinition, vars map[string]any) (*schema.WorkflowResult, error) {
	defer s.unregister(runID)

	persistCtx := context.WithoutCancel(ctx)
	started := time.Now().UTC()
	running := schema.RunRunning
	err := s.store.UpdateRun(persistCtx, runID, store.RunUpdate{Status: &running, StartedAt: &started})
	if err != nil {
		s.logger.Warn("could not mark run as running", "run_id", runID, "error", err)
	}

	result, err := s.runner.Execute(ctx, def, engine.WithRunID(runID), engine.WithVariables(vars))
	completed := time.Now().UTC()
	if err != nil {
		// Execute rejects only definitions, and ours already passed
		// validation; treat this as an engine fault and fail the row.
		failed := schema.RunFailed
		success := false
		duration := completed.Sub(started).Milliseconds()
		update := store.RunUpdate{Status: &failed, Success: &success, CompletedAt: &completed, DurationMs: &duration}
		if uerr := s.store.UpdateRun(persistCtx, runID, update); uerr != nil {
			s.logger.Error("could not record run failure", "run_id", runID, "error", uerr)
		}
		return nil, err
	}

	update := store.RunUpdate{
		Status:      &result.Status,
		Success:     &result.Success,
		Result:      marshalResult(result),
		CompletedAt: &completed,
		DurationMs:  &result.DurationMs,
	}
	if uerr := s.store.UpdateRun(persistCtx, runID, update); uerr != nil {
		s.logger.Error("could not record run completion", "run_id", runID, "error", uerr)
	}
	return result, nil
}

func marshalResult(result *schema.WorkflowResult) json.RawMessage {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return raw
}

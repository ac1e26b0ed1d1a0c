package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/internal/logging"
	"github.com/venzel/stepflow/internal/validation"
	"github.com/venzel/stepflow/pkg/schema"
)

// DefaultJoinGrace is how long the runner waits for an in-flight step to
// return after the run deadline before abandoning it.
const DefaultJoinGrace = 5 * time.Second

// Validator checks a workflow definition before execution.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
}

// Options configures a Runner.
type Options struct {
	// Invoker executes tool steps. A nil invoker fails every tool step.
	Invoker Invoker
	// Validator overrides the default definition validator.
	Validator Validator
	// Sink receives execution events. Nil discards them.
	Sink EventSink
	// Logger receives structured execution logs. Nil uses slog.Default.
	Logger *slog.Logger
	// PoolSize bounds concurrent tool invocations across the runner when
	// positive. Zero leaves invocations unbounded.
	PoolSize int
	// Breaker enables per-tool circuit breakers when non-nil.
	Breaker *BreakerConfig
	// JoinGrace overrides DefaultJoinGrace when positive.
	JoinGrace time.Duration
}

// Runner executes workflow definitions. A Runner is safe for concurrent use;
// each Execute call keeps its own scope, tracker and result.
type Runner struct {
	invoker   Invoker
	validator Validator
	sink      EventSink
	log       *slog.Logger
	pool      *WorkerPool
	breakers  *BreakerRegistry
	grace     time.Duration
	resolver  *expressions.Resolver
	eval      *expressions.Evaluator
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a runner from options, wiring the worker pool and
// circuit breakers around the invoker when configured.
func NewRunner(opts Options) *Runner {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = discardSink{}
	}

	r := &Runner{
		validator: opts.Validator,
		sink:      sink,
		log:       log,
		grace:     opts.JoinGrace,
		resolver:  expressions.NewResolver(),
		sleep:     Sleep,
	}
	if r.grace <= 0 {
		r.grace = DefaultJoinGrace
	}

	r.eval = expressions.NewEvaluator(r.resolver)
	r.eval.RegisterEngine(expressions.NewExprEngine())
	r.eval.RegisterEngine(expressions.NewGoJQEngine())
	if cel, err := expressions.NewCELEngine(); err == nil {
		r.eval.RegisterEngine(cel)
	} else {
		log.Warn("cel engine unavailable", "error", err)
	}

	// Sharing the evaluator lets validation-time compiles warm the caches
	// the run will hit.
	if r.validator == nil {
		r.validator = validation.NewWorkflowValidator(validation.WithEvaluator(r.eval))
	}

	invoker := opts.Invoker
	if invoker != nil {
		if opts.PoolSize > 0 {
			r.pool = NewWorkerPool(opts.PoolSize)
			invoker = &boundInvoker{pool: r.pool, next: invoker}
		}
		if opts.Breaker != nil {
			r.breakers = NewBreakerRegistry(*opts.Breaker)
			invoker = &breakerInvoker{reg: r.breakers, next: invoker}
		}
	}
	r.invoker = invoker
	return r
}

// Validate runs the configured validator against a definition.
func (r *Runner) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		vr := &schema.ValidationResult{}
		vr.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return vr
	}
	return r.validator.Validate(def)
}

// Pool returns the shared worker pool, or nil when unbounded.
func (r *Runner) Pool() *WorkerPool { return r.pool }

// Breakers returns the circuit breaker registry, or nil when disabled.
func (r *Runner) Breakers() *BreakerRegistry { return r.breakers }

// Close shuts down the worker pool, waiting for in-flight tool invocations.
func (r *Runner) Close() {
	if r.pool != nil {
		r.pool.Shutdown()
	}
}

type executeConfig struct {
	runID     string
	variables map[string]any
}

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeConfig)

// WithRunID pins the run identifier instead of generating one.
func WithRunID(id string) ExecuteOption {
	return func(c *executeConfig) { c.runID = id }
}

// WithVariables overlays variables on top of the definition's declared
// defaults for this run.
func WithVariables(vars map[string]any) ExecuteOption {
	return func(c *executeConfig) { c.variables = vars }
}

// Execute runs a workflow definition to completion and returns its result.
// The returned error is non-nil only for a nil or invalid definition; every
// runtime failure, timeout or cancellation is reported inside the result.
func (r *Runner) Execute(ctx context.Context, def *schema.WorkflowDefinition, opts ...ExecuteOption) (*schema.WorkflowResult, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if vr := r.Validate(def); !vr.Valid() {
		return nil, vr.ToError()
	}

	var cfg executeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	runID := cfg.runID
	if runID == "" {
		runID = uuid.NewString()
	}

	vars := make(map[string]any, len(def.Variables)+len(cfg.variables))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range cfg.variables {
		vars[k] = v
	}

	runCtx, cancel := context.WithTimeout(ctx, def.EffectiveTimeout())
	defer cancel()
	runCtx = logging.WithRunID(runCtx, runID)

	scope := expressions.NewScope(vars, expressions.OSEnviron())
	tracker := NewTracker(def)
	policy := def.Policy()
	result := schema.NewWorkflowResult(runID)
	started := time.Now()
	log := r.log.With("run_id", runID, "workflow", def.Name)

	ex := &execution{
		runner:  r,
		runID:   runID,
		policy:  policy,
		tracker: tracker,
		log:     log,
	}
	ex.retry = NewRetryController(policy, func(ctx context.Context, stepID string, attempt int, delay time.Duration, err error) {
		ex.emit(ctx, stepID, schema.EventStepRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		log.Debug("retrying step", "step_id", stepID, "attempt", attempt, "delay", delay)
	})
	ex.retry.sleep = r.sleep

	if err := tracker.TransitionRun(schema.RunRunning); err != nil {
		return nil, err
	}
	ex.emit(runCtx, "", schema.EventRunStarted, map[string]any{
		"workflow":        def.Name,
		"steps":           len(def.Steps),
		"timeout_seconds": def.EffectiveTimeout().Seconds(),
	})
	log.Info("workflow run started", "steps", len(def.Steps))

	sawDeadline := false
	for _, st := range def.Steps {
		if runCtx.Err() != nil {
			if ctx.Err() == nil {
				sawDeadline = true
			}
			break
		}
		res, abandoned := ex.runGuarded(runCtx, st, scope)
		if abandoned {
			sawDeadline = true
		}
		result.Results[res.StepID] = res
		if err := scope.AddStepResult(res); err != nil {
			log.Warn("could not record step result in scope", "step_id", res.StepID, "error", err)
		}
		if !res.Success && !res.Skipped && !policy.ContinueOnError {
			log.Warn("aborting run after step failure", "step_id", res.StepID, "error", res.Error)
			break
		}
	}

	result.DurationMs = time.Since(started).Milliseconds()
	result.Timestamp = time.Now().UTC()
	result.StepStatus = tracker.Snapshot()

	anyFailed := false
	failedSteps := make([]string, 0)
	for id, res := range result.Results {
		if !res.Success && !res.Skipped {
			anyFailed = true
			failedSteps = append(failedSteps, id)
		}
	}

	callerDone := ctx.Err() != nil
	deadlineHit := !callerDone && runCtx.Err() != nil

	switch {
	case callerDone:
		r.mustTransitionRun(tracker, schema.RunCancelled, log)
		ex.emit(runCtx, "", schema.EventRunCancelled, map[string]any{
			"duration_ms": result.DurationMs,
		})
		log.Warn("workflow run cancelled", "duration_ms", result.DurationMs)
	case deadlineHit && (sawDeadline || anyFailed):
		result.TimedOut = true
		r.mustTransitionRun(tracker, schema.RunTimedOut, log)
		ex.emit(runCtx, "", schema.EventRunTimedOut, map[string]any{
			"duration_ms":     result.DurationMs,
			"timeout_seconds": def.EffectiveTimeout().Seconds(),
		})
		log.Warn("workflow run timed out", "duration_ms", result.DurationMs)
	case anyFailed:
		r.mustTransitionRun(tracker, schema.RunFailed, log)
		ex.emit(runCtx, "", schema.EventRunFailed, map[string]any{
			"duration_ms":  result.DurationMs,
			"failed_steps": failedSteps,
		})
		log.Warn("workflow run failed", "failed_steps", failedSteps, "duration_ms", result.DurationMs)
	default:
		result.Success = true
		r.mustTransitionRun(tracker, schema.RunSucceeded, log)
		ex.emit(runCtx, "", schema.EventRunSucceeded, map[string]any{
			"duration_ms": result.DurationMs,
		})
		log.Info("workflow run succeeded", "duration_ms", result.DurationMs)
	}
	result.Status = tracker.RunStatus()

	return result, nil
}

func (r *Runner) mustTransitionRun(tracker *Tracker, to schema.RunStatus, log *slog.Logger) {
	if err := tracker.TransitionRun(to); err != nil {
		log.Warn("run transition rejected", "to", to, "error", err)
	}
}

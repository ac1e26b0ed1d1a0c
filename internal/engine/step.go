package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/internal/logging"
	"github.com/venzel/stepflow/pkg/schema"
)

// execution carries the per-run state shared by all step executions of one
// Execute call.
type execution struct {
	runner  *Runner
	runID   string
	policy  schema.Policy
	tracker *Tracker
	retry   *RetryController
	log     *slog.Logger
}

func (ex *execution) emit(ctx context.Context, stepID, typ string, payload map[string]any) {
	ex.runner.sink.Emit(ctx, Event{RunID: ex.runID, StepID: stepID, Type: typ, Payload: payload})
}

// transition applies a step transition, logging violations instead of
// propagating them so a bookkeeping bug cannot abort a run.
func (ex *execution) transition(id string, to schema.StepStatus) {
	if err := ex.tracker.TransitionStep(id, to); err != nil {
		ex.log.Warn("step transition rejected", "step_id", id, "to", to, "error", err)
	}
}

// runGuarded executes a top-level step on its own goroutine so the runner
// can abandon it if it outlives the run deadline by more than the join
// grace. The second return is true when the step was abandoned.
func (ex *execution) runGuarded(ctx context.Context, st *schema.Step, scope *expressions.Scope) (*schema.StepResult, bool) {
	resCh := make(chan *schema.StepResult, 1)
	go func() {
		resCh <- ex.executeStep(ctx, st, scope, 1)
	}()

	select {
	case res := <-resCh:
		return res, false
	case <-ctx.Done():
	}

	grace := time.NewTimer(ex.runner.grace)
	defer grace.Stop()
	select {
	case res := <-resCh:
		return res, true
	case <-grace.C:
	}

	ex.tracker.AbandonTree(st)
	res := &schema.StepResult{
		StepID: st.ID,
		Error:  "step abandoned at run deadline",
	}
	ex.emit(ctx, st.ID, schema.EventStepFailed, map[string]any{"error": res.Error})
	ex.log.Warn("step abandoned at run deadline", "step_id", st.ID)
	return res, true
}

// executeStep runs one step of any kind, handling the skip guard, status
// transitions and lifecycle events around the type-specific execution.
func (ex *execution) executeStep(ctx context.Context, st *schema.Step, scope *expressions.Scope, depth int) *schema.StepResult {
	ctx = logging.WithStepID(ctx, st.ID)
	started := time.Now()

	if depth > schema.MaxNestingDepth {
		return ex.failStep(ctx, st.ID, started, schema.NewErrorf(schema.ErrCodeValidation,
			"step nesting exceeds %d levels", schema.MaxNestingDepth).WithStep(st.ID))
	}

	kind := st.Kind()

	// A condition on a non-condition step is a skip guard.
	if kind != schema.StepTypeCondition && st.Condition != "" {
		ok, err := ex.runner.eval.Evaluate(ctx, st.Condition, scope)
		if err != nil {
			return ex.failStep(ctx, st.ID, started, err)
		}
		ex.emit(ctx, st.ID, schema.EventConditionEvaluated, map[string]any{
			"condition": st.Condition,
			"result":    ok,
		})
		if !ok {
			ex.transition(st.ID, schema.StepSkipped)
			res := schema.SkippedResult(st.ID)
			res.DurationMs = time.Since(started).Milliseconds()
			ex.emit(ctx, st.ID, schema.EventStepSkipped, map[string]any{"condition": st.Condition})
			ex.log.Debug("step skipped by condition", "step_id", st.ID)
			return res
		}
	}

	ex.transition(st.ID, schema.StepRunning)
	startPayload := map[string]any{"type": string(kind)}
	if kind == schema.StepTypeTool {
		startPayload["tool"] = st.Tool
	}
	ex.emit(ctx, st.ID, schema.EventStepStarted, startPayload)
	ex.log.Debug("step started", "step_id", st.ID, "type", kind)

	var res *schema.StepResult
	switch kind {
	case schema.StepTypeTool:
		res = ex.executeTool(ctx, st, scope)
	case schema.StepTypeCondition:
		res = ex.executeCondition(ctx, st, scope, depth)
	case schema.StepTypeForeach:
		res = ex.executeForeach(ctx, st, scope, depth)
	case schema.StepTypeParallel:
		res = ex.executeParallel(ctx, st, scope, depth)
	default:
		res = &schema.StepResult{
			StepID: st.ID,
			Error: schema.NewErrorf(schema.ErrCodeValidation,
				"unknown step type %q", kind).WithStep(st.ID).Error(),
		}
	}
	res.DurationMs = time.Since(started).Milliseconds()

	switch {
	case res.Skipped:
		ex.transition(st.ID, schema.StepSkipped)
		ex.emit(ctx, st.ID, schema.EventStepSkipped, nil)
		ex.log.Debug("step skipped", "step_id", st.ID)
	case res.Success:
		ex.transition(st.ID, schema.StepSucceeded)
		ex.emit(ctx, st.ID, schema.EventStepSucceeded, map[string]any{
			"duration_ms": res.DurationMs,
			"attempts":    res.Attempts,
		})
		ex.log.Debug("step succeeded", "step_id", st.ID, "duration_ms", res.DurationMs)
	default:
		ex.transition(st.ID, schema.StepFailed)
		ex.emit(ctx, st.ID, schema.EventStepFailed, map[string]any{
			"error":       res.Error,
			"duration_ms": res.DurationMs,
		})
		ex.log.Warn("step failed", "step_id", st.ID, "error", res.Error)
	}
	return res
}

// failStep records a failure that happened before the step's own execution
// produced a result, such as a guard evaluation error or a depth violation.
func (ex *execution) failStep(ctx context.Context, stepID string, started time.Time, err error) *schema.StepResult {
	ex.transition(stepID, schema.StepRunning)
	ex.transition(stepID, schema.StepFailed)
	res := &schema.StepResult{
		StepID:     stepID,
		Error:      err.Error(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	ex.emit(ctx, stepID, schema.EventStepFailed, map[string]any{"error": res.Error})
	ex.log.Warn("step failed", "step_id", stepID, "error", res.Error)
	return res
}

// executeTool resolves the step's params once and invokes the tool through
// the retry controller. The params snapshot from the first successful
// resolution is reused by every retry so all attempts see identical input.
func (ex *execution) executeTool(ctx context.Context, st *schema.Step, scope *expressions.Scope) *schema.StepResult {
	if ex.runner.invoker == nil {
		return &schema.StepResult{
			StepID: st.ID,
			Error: schema.NewError(schema.ErrCodeStepExecution,
				"no tool invoker configured").WithStep(st.ID).Error(),
		}
	}

	var resolved map[string]any
	out, attempts, err := ex.retry.Do(ctx, st.ID, func(ctx context.Context) (any, error) {
		if resolved == nil {
			params, rerr := ex.runner.resolver.ResolveParams(st.Params, scope)
			if rerr != nil {
				return nil, rerr
			}
			resolved = params
		}
		return ex.runner.invoker.Invoke(ctx, st.Tool, resolved)
	})
	if err != nil {
		return &schema.StepResult{
			StepID:   st.ID,
			Error:    err.Error(),
			Attempts: attempts,
		}
	}
	return &schema.StepResult{
		StepID:   st.ID,
		Success:  true,
		Result:   out,
		Attempts: attempts,
	}
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/pkg/schema"
)

// executeCondition evaluates the branch selector and runs the chosen branch.
// The outcome is recorded under the condition step's own id, mirroring the
// branch result, with the full branch record attached as a child.
func (ex *execution) executeCondition(ctx context.Context, st *schema.Step, scope *expressions.Scope, depth int) *schema.StepResult {
	ok, err := ex.runner.eval.Evaluate(ctx, st.Condition, scope)
	if err != nil {
		return &schema.StepResult{StepID: st.ID, Error: err.Error()}
	}
	ex.emit(ctx, st.ID, schema.EventConditionEvaluated, map[string]any{
		"condition": st.Condition,
		"result":    ok,
	})

	branch := st.Then
	if !ok {
		branch = st.Else
	}
	if branch == nil {
		return schema.SkippedResult(st.ID)
	}

	child := ex.executeStep(ctx, branch, scope, depth+1)
	return &schema.StepResult{
		StepID:   st.ID,
		Success:  child.Success,
		Result:   child.Result,
		Error:    child.Error,
		Skipped:  child.Skipped,
		Attempts: child.Attempts,
		Children: []*schema.StepResult{child},
	}
}

// executeForeach resolves the items expression and runs the body once per
// element, sequentially and in order. Each iteration sees the item and index
// bindings in its scope and runs against a fresh clone of the body. The
// first failed iteration stops the loop; skipped iterations contribute a nil
// placeholder so result values stay aligned with the input array.
func (ex *execution) executeForeach(ctx context.Context, st *schema.Step, scope *expressions.Scope, depth int) *schema.StepResult {
	raw, err := ex.runner.resolver.ResolveString(st.Items, scope)
	if err != nil {
		return &schema.StepResult{StepID: st.ID, Error: err.Error()}
	}
	items, ok := raw.([]any)
	if !ok {
		return &schema.StepResult{
			StepID: st.ID,
			Error: schema.NewErrorf(schema.ErrCodeValidation,
				"items expression %q must resolve to an array, got %T", st.Items, raw).WithStep(st.ID).Error(),
		}
	}

	values := make([]any, 0, len(items))
	children := make([]*schema.StepResult, 0, len(items))
	var failed *schema.StepResult

	for i, item := range items {
		if cerr := ctx.Err(); cerr != nil {
			return &schema.StepResult{
				StepID:   st.ID,
				Result:   values,
				Error:    fmt.Sprintf("foreach interrupted at iteration %d: %v", i, cerr),
				Children: children,
			}
		}
		if i > 0 {
			ex.tracker.RearmTree(st.Step)
		}
		ex.emit(ctx, st.ID, schema.EventForeachIteration, map[string]any{
			"index": i,
			"total": len(items),
		})

		iterScope := scope.WithIteration(item, i)
		body := st.Step.Clone()
		child := ex.executeStep(ctx, body, iterScope, depth+1)
		children = append(children, child)

		if child.Skipped {
			values = append(values, nil)
			continue
		}
		values = append(values, child.Result)
		if !child.Success {
			failed = child
			break
		}
	}

	res := &schema.StepResult{
		StepID:   st.ID,
		Result:   values,
		Children: children,
	}
	if failed != nil {
		res.Error = fmt.Sprintf("iteration %d failed: %s", len(children)-1, failed.Error)
	} else {
		res.Success = true
	}
	return res
}

type parallelSlot struct {
	index int
	res   *schema.StepResult
}

// executeParallel runs every branch on its own goroutine against a deep
// snapshot of the current scope, so branches never observe each other's
// writes. Results join in declared order. When the run deadline interrupts
// the join, branches still missing after the grace window are abandoned and
// recorded as failed.
func (ex *execution) executeParallel(ctx context.Context, st *schema.Step, scope *expressions.Scope, depth int) *schema.StepResult {
	n := len(st.Steps)
	ex.emit(ctx, st.ID, schema.EventParallelStarted, map[string]any{"children": n})

	ch := make(chan parallelSlot, n)
	for i, child := range st.Steps {
		snap := scope.Snapshot()
		go func(i int, child *schema.Step, snap *expressions.Scope) {
			ch <- parallelSlot{index: i, res: ex.executeStep(ctx, child, snap, depth+1)}
		}(i, child, snap)
	}

	slots := make([]*schema.StepResult, n)
	received := 0
	for received < n {
		select {
		case s := <-ch:
			slots[s.index] = s.res
			received++
			continue
		case <-ctx.Done():
		}
		break
	}

	if received < n {
		grace := time.NewTimer(ex.runner.grace)
		defer grace.Stop()
	drain:
		for received < n {
			select {
			case s := <-ch:
				slots[s.index] = s.res
				received++
			case <-grace.C:
				break drain
			}
		}
	}

	values := make([]any, n)
	failedCount := 0
	for i, slot := range slots {
		if slot == nil {
			child := st.Steps[i]
			ex.tracker.AbandonTree(child)
			slot = &schema.StepResult{
				StepID: child.ID,
				Error:  "branch abandoned at run deadline",
			}
			slots[i] = slot
			ex.emit(ctx, child.ID, schema.EventStepFailed, map[string]any{"error": slot.Error})
			ex.log.Warn("parallel branch abandoned", "step_id", child.ID)
		}
		if !slot.Skipped {
			values[i] = slot.Result
		}
		if !slot.Success && !slot.Skipped {
			failedCount++
		}
	}
	ex.emit(ctx, st.ID, schema.EventParallelJoined, map[string]any{
		"children": n,
		"failed":   failedCount,
	})

	res := &schema.StepResult{
		StepID:   st.ID,
		Result:   values,
		Children: slots,
	}
	if failedCount > 0 {
		res.Error = fmt.Sprintf("%d of %d parallel branches failed", failedCount, n)
	} else {
		res.Success = true
	}
	return res
}

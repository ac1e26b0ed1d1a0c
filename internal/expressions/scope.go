package expressions

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/venzel/stepflow/pkg/schema"
)

// Scope is the variable environment one step resolves against.
// It enforces:
//   - Workflow variables are immutable after seeding (frozen on construction).
//   - Step results are append-only and frozen on insert.
//   - Iteration bindings (item, index) are scoped to a single foreach pass.
//   - Parallel branches resolve against an isolated snapshot; branch-local
//     completions never leak to siblings.
type Scope struct {
	mu    sync.RWMutex
	vars  map[string]any
	steps map[string]any // step ID -> {"result": ..., "success": ..., "skipped": ..., "error": ...}
	env   map[string]any
	iter  *Iteration
}

// Iteration holds the bindings for a single foreach pass.
type Iteration struct {
	Item  any
	Index int
}

// NewScope creates a Scope seeded with workflow variables and an environment
// snapshot. Both are deep-copied so later external mutation cannot be observed.
func NewScope(vars map[string]any, env map[string]string) *Scope {
	envAny := make(map[string]any, len(env))
	for k, v := range env {
		envAny[k] = v
	}
	return &Scope{
		vars:  deepCopyMap(vars),
		steps: make(map[string]any),
		env:   envAny,
	}
}

// OSEnviron captures the process environment as a map for NewScope.
func OSEnviron() map[string]string {
	environ := os.Environ()
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// AddStepResult registers a completed step's outcome. The result value is
// frozen (deep-copied) at insertion. Re-registering a step ID is rejected;
// step results are immutable once recorded.
func (s *Scope) AddStepResult(res *schema.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[res.StepID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q result already recorded; step results are immutable", res.StepID)
	}

	s.steps[res.StepID] = map[string]any{
		"result":  deepCopyAny(res.Result),
		"success": res.Success,
		"skipped": res.Skipped,
		"error":   res.Error,
	}
	return nil
}

// WithIteration returns a child Scope for one foreach pass. Variables and step
// results are shared with the parent (append-only, sequential iteration), but
// the child owns its item and index bindings.
func (s *Scope) WithIteration(item any, index int) *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Scope{
		vars:  s.vars,
		steps: s.steps,
		env:   s.env,
		iter: &Iteration{
			Item:  deepCopyAny(item),
			Index: index,
		},
	}
}

// Snapshot returns an isolated deep copy for a parallel branch. The branch
// sees variables, step results, and any iteration bindings exactly as they
// were when the parallel step began; nothing it records flows back.
func (s *Scope) Snapshot() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Scope{
		vars:  deepCopyMap(s.vars),
		steps: deepCopyMap(s.steps),
		env:   s.env, // immutable after construction
	}
	if s.iter != nil {
		snap.iter = &Iteration{
			Item:  deepCopyAny(s.iter.Item),
			Index: s.iter.Index,
		}
	}
	return snap
}

// HasStep reports whether a step result is recorded under the given ID.
func (s *Scope) HasStep(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.steps[stepID]
	return ok
}

// Activation builds the evaluation environment handed to expression engines.
// All mutable data is deep-copied; engines never observe later scope writes.
// Outside a foreach pass, item is nil and index is -1.
func (s *Scope) Activation() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	activation := map[string]any{
		"vars":  deepCopyMap(s.vars),
		"steps": deepCopyMap(s.steps),
		"env":   s.env,
		"item":  nil,
		"index": -1,
	}
	if s.iter != nil {
		activation["item"] = deepCopyAny(s.iter.Item)
		activation["index"] = s.iter.Index
	}
	return activation
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}

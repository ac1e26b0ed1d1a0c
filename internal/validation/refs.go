package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/pkg/schema"
)

// checkReferences analyzes ${steps.<id>} usage across the tree. Results are
// recorded under top-level step ids as the run advances, so a reference only
// resolves when it names a top-level step declared earlier. Everything here
// is a warning: an unresolvable path at run time is an interpolation error
// on the referencing step, and a guard may legitimately shield a reference
// this pass cannot reason about.
func checkReferences(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	topIndex := make(map[string]int, len(def.Steps))
	for i, st := range def.Steps {
		if st != nil && st.ID != "" {
			topIndex[st.ID] = i
		}
	}
	nested := make(map[string]bool)
	for _, st := range def.Steps {
		collectNestedIDs(st, false, nested)
	}

	for i, st := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		walkRefs(st, path, func(refPath, id string) {
			j, top := topIndex[id]
			switch {
			case top && j < i:
				// Declared earlier; resolvable by the time this step runs.
			case top && j == i:
				result.AddWarning(refPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references its own result, which is recorded only after it completes", id))
			case top:
				result.AddWarning(refPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q runs later; top-level steps execute in declared order", id))
			case nested[id]:
				result.AddWarning(refPath, schema.ErrCodeValidation,
					fmt.Sprintf("step %q is nested; its result is recorded under the enclosing top-level step", id))
			default:
				result.AddWarning(refPath, schema.ErrCodeValidation,
					fmt.Sprintf("reference to undeclared step %q", id))
			}
		})
	}
	return result
}

// walkRefs visits every expression-bearing field in a step subtree and
// reports each ${steps.<id>...} reference found.
func walkRefs(st *schema.Step, path string, report func(refPath, id string)) {
	if st == nil {
		return
	}
	if st.Condition != "" {
		emitStepRefs(st.Condition, path+".condition", report)
	}
	if st.Items != "" {
		emitStepRefs(st.Items, path+".items", report)
	}
	if len(st.Params) > 0 {
		walkParamRefs(st.Params, path+".params", report)
	}

	walkRefs(st.Step, path+".step", report)
	for i, child := range st.Steps {
		walkRefs(child, fmt.Sprintf("%s.steps[%d]", path, i), report)
	}
	walkRefs(st.Then, path+".then", report)
	walkRefs(st.Else, path+".else", report)
}

// walkParamRefs descends a params value in deterministic key order, so
// repeated validation of one definition yields identical issue lists.
func walkParamRefs(v any, path string, report func(refPath, id string)) {
	switch val := v.(type) {
	case string:
		emitStepRefs(val, path, report)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkParamRefs(val[k], path+"."+k, report)
		}
	case []any:
		for i, item := range val {
			walkParamRefs(item, fmt.Sprintf("%s[%d]", path, i), report)
		}
	}
}

// emitStepRefs reports the step id of every steps-rooted marker in s.
func emitStepRefs(s, path string, report func(refPath, id string)) {
	for _, marker := range expressions.Markers(s) {
		if id := stepRef(marker); id != "" {
			report(path, id)
		}
	}
}

// stepRef extracts the step id from a marker path rooted at steps, or ""
// for any other root.
func stepRef(marker string) string {
	rest, ok := strings.CutPrefix(marker, "steps.")
	if !ok {
		return ""
	}
	if end := strings.IndexAny(rest, ".["); end != -1 {
		return rest[:end]
	}
	return rest
}

// collectNestedIDs gathers ids declared below the top level.
func collectNestedIDs(st *schema.Step, nested bool, out map[string]bool) {
	if st == nil {
		return
	}
	if nested && st.ID != "" {
		out[st.ID] = true
	}
	collectNestedIDs(st.Step, true, out)
	for _, child := range st.Steps {
		collectNestedIDs(child, true, out)
	}
	collectNestedIDs(st.Then, true, out)
	collectNestedIDs(st.Else, true, out)
}

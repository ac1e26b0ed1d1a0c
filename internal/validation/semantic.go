package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/pkg/schema"
)

// allowedFields maps each step kind to the optional fields it may carry.
// id and type are always legal; everything else outside this set is an
// error, which is what rejects a guard condition on a parallel step.
var allowedFields = map[schema.StepType]map[string]bool{
	schema.StepTypeTool:      {"tool": true, "params": true, "condition": true},
	schema.StepTypeForeach:   {"items": true, "step": true, "condition": true},
	schema.StepTypeParallel:  {"steps": true},
	schema.StepTypeCondition: {"condition": true, "then": true, "else": true},
}

// validateSemantic walks the whole step tree checking the rules the wire
// schema cannot express: tree-wide unique ids, per-type field shape, nesting
// depth, and condition syntax. Workflow-level policy fields produce warnings
// when legal but suspicious.
func validateSemantic(def *schema.WorkflowDefinition, eval *expressions.Evaluator, tools func() []string) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	w := &stepWalker{
		result: result,
		eval:   eval,
		seen:   make(map[string]string),
	}
	if tools != nil {
		w.known = make(map[string]bool)
		for _, name := range tools() {
			w.known[name] = true
		}
	}

	if len(def.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
	}
	for i, st := range def.Steps {
		w.check(st, fmt.Sprintf("steps[%d]", i), 1)
	}

	if eh := def.ErrorHandling; eh != nil && eh.MaxRetries != nil && *eh.MaxRetries > 10 {
		result.AddWarning("error_handling.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *eh.MaxRetries))
	}
	if def.Timeout > 86400 {
		result.AddWarning("timeout", schema.ErrCodeValidation,
			fmt.Sprintf("timeout of %.0fs exceeds one day", def.Timeout))
	}

	return result
}

// stepWalker carries the shared state of one semantic pass.
type stepWalker struct {
	result *schema.ValidationResult
	eval   *expressions.Evaluator
	known  map[string]bool   // registered tool names; nil disables the check
	seen   map[string]string // step id -> path of first declaration
}

func (w *stepWalker) check(st *schema.Step, path string, depth int) {
	if st == nil {
		w.result.AddError(path, schema.ErrCodeValidation, "step is null")
		return
	}
	if depth > schema.MaxNestingDepth {
		w.result.AddErrorf(path, schema.ErrCodeValidation,
			"step nesting exceeds %d levels", schema.MaxNestingDepth)
		return
	}

	if st.ID == "" {
		w.result.AddError(path+".id", schema.ErrCodeValidation, "step id is required")
	} else if prev, dup := w.seen[st.ID]; dup {
		w.result.AddErrorf(path+".id", schema.ErrCodeValidation,
			"duplicate step id %q (first declared at %s)", st.ID, prev)
	} else {
		w.seen[st.ID] = path
	}

	switch st.Type {
	case "", schema.StepTypeTool, schema.StepTypeForeach, schema.StepTypeParallel, schema.StepTypeCondition:
	default:
		w.result.AddErrorf(path+".type", schema.ErrCodeValidation,
			"unknown step type %q", st.Type)
		return
	}

	kind := st.Kind()
	w.forbidStray(st, path, kind)
	if st.Condition != "" && allowedFields[kind]["condition"] {
		w.checkCondition(st.Condition, path+".condition")
	}

	switch kind {
	case schema.StepTypeTool:
		w.checkTool(st, path)
	case schema.StepTypeForeach:
		w.checkForeach(st, path, depth)
	case schema.StepTypeParallel:
		w.checkParallel(st, path, depth)
	case schema.StepTypeCondition:
		w.checkConditionStep(st, path, depth)
	}
}

// forbidStray rejects fields that do not belong to the step's kind.
func (w *stepWalker) forbidStray(st *schema.Step, path string, kind schema.StepType) {
	fields := []struct {
		name string
		set  bool
	}{
		{"tool", st.Tool != ""},
		{"params", len(st.Params) > 0},
		{"condition", st.Condition != ""},
		{"items", st.Items != ""},
		{"step", st.Step != nil},
		{"steps", len(st.Steps) > 0},
		{"then", st.Then != nil},
		{"else", st.Else != nil},
	}
	allowed := allowedFields[kind]
	for _, f := range fields {
		if f.set && !allowed[f.name] {
			w.result.AddErrorf(path+"."+f.name, schema.ErrCodeValidation,
				"%s step does not take %q", kind, f.name)
		}
	}
}

func (w *stepWalker) checkTool(st *schema.Step, path string) {
	if st.Tool == "" {
		w.result.AddError(path+".tool", schema.ErrCodeValidation,
			"tool step requires a tool name")
		return
	}
	if len(st.Params) == 0 {
		w.result.AddWarning(path+".params", schema.ErrCodeValidation,
			fmt.Sprintf("tool step %q has no params", st.ID))
	}
	if w.known != nil && !w.known[st.Tool] {
		w.result.AddWarning(path+".tool", schema.ErrCodeToolNotFound,
			fmt.Sprintf("tool %q is not registered", st.Tool))
	}
}

func (w *stepWalker) checkForeach(st *schema.Step, path string, depth int) {
	if st.Items == "" {
		w.result.AddError(path+".items", schema.ErrCodeValidation,
			"foreach step requires an items expression")
	}
	if st.Step == nil {
		w.result.AddError(path+".step", schema.ErrCodeValidation,
			"foreach step requires a body step")
		return
	}
	w.check(st.Step, path+".step", depth+1)
}

func (w *stepWalker) checkParallel(st *schema.Step, path string, depth int) {
	if len(st.Steps) == 0 {
		w.result.AddError(path+".steps", schema.ErrCodeValidation,
			"parallel step requires at least one branch")
		return
	}
	for i, child := range st.Steps {
		w.check(child, fmt.Sprintf("%s.steps[%d]", path, i), depth+1)
	}
}

func (w *stepWalker) checkConditionStep(st *schema.Step, path string, depth int) {
	if st.Condition == "" {
		w.result.AddError(path+".condition", schema.ErrCodeValidation,
			"condition step requires a condition expression")
	}
	if st.Then == nil {
		w.result.AddError(path+".then", schema.ErrCodeValidation,
			"condition step requires a then branch")
	} else {
		w.check(st.Then, path+".then", depth+1)
	}
	if st.Else != nil {
		w.check(st.Else, path+".else", depth+1)
	}
}

// checkCondition verifies the static syntax of a condition and warns about
// prefixes that look like an engine selector but match none.
func (w *stepWalker) checkCondition(cond, path string) {
	if err := w.eval.CheckSyntax(cond); err != nil {
		w.result.AddError(path, schema.ErrCodeValidation, flowMessage(err))
		return
	}

	head, _, found := strings.Cut(strings.TrimSpace(cond), ":")
	if !found || !isBareWord(head) {
		return
	}
	names := w.eval.EngineNames()
	for _, name := range names {
		if head == name {
			return
		}
	}
	w.result.AddWarning(path, schema.ErrCodeValidation,
		fmt.Sprintf("condition prefix %q matches no expression engine (registered: %s); it will evaluate as a plain expression",
			head, strings.Join(names, ", ")))
}

// isBareWord reports whether s looks like an engine selector: a short
// lowercase identifier.
func isBareWord(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_':
		default:
			return false
		}
	}
	return s[0] >= 'a' && s[0] <= 'z'
}

// flowMessage unwraps a FlowError message for embedding in a validation
// issue; the code prefix would be redundant there.
func flowMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

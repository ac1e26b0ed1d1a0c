package schema

import (
	"encoding/json"
	"time"
)

// Defaults applied when the definition leaves a field unset.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 1800 * time.Second

	// MaxNestingDepth bounds foreach/parallel/condition recursion.
	MaxNestingDepth = 20
)

// WorkflowDefinition is the JSON-serializable workflow format.
// Immutable once validated; one definition drives exactly one execution.
type WorkflowDefinition struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Steps         []*Step        `json:"steps"`
	ErrorHandling *ErrorHandling `json:"error_handling,omitempty"`
	Timeout       float64        `json:"timeout,omitempty"` // seconds
}

// Step is the tagged union of workflow step variants, discriminated by Type.
// A step with no type is a tool step. Variant fields:
//
//	tool:      Tool, Params, Condition?
//	foreach:   Items, Step, Condition?
//	parallel:  Steps
//	condition: Condition, Then, Else?
type Step struct {
	ID        string         `json:"id"`
	Type      StepType       `json:"type,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Items     string         `json:"items,omitempty"` // expression producing an array
	Step      *Step          `json:"step,omitempty"`  // foreach body
	Steps     []*Step        `json:"steps,omitempty"` // parallel branches
	Then      *Step          `json:"then,omitempty"`
	Else      *Step          `json:"else,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTool      StepType = "tool"
	StepTypeForeach   StepType = "foreach"
	StepTypeParallel  StepType = "parallel"
	StepTypeCondition StepType = "condition"
)

// Kind returns the step's type with the tool default applied.
func (s *Step) Kind() StepType {
	if s.Type == "" {
		return StepTypeTool
	}
	return s.Type
}

// Children returns the nested steps of a composite step, nil for tool steps.
func (s *Step) Children() []*Step {
	switch s.Kind() {
	case StepTypeForeach:
		if s.Step == nil {
			return nil
		}
		return []*Step{s.Step}
	case StepTypeParallel:
		return s.Steps
	case StepTypeCondition:
		children := make([]*Step, 0, 2)
		if s.Then != nil {
			children = append(children, s.Then)
		}
		if s.Else != nil {
			children = append(children, s.Else)
		}
		return children
	default:
		return nil
	}
}

// Clone returns a deep copy of the step tree. Foreach iterations execute
// against a fresh copy of the body so no iteration observes another's state.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	dup := &Step{
		ID:        s.ID,
		Type:      s.Type,
		Tool:      s.Tool,
		Condition: s.Condition,
		Items:     s.Items,
		Step:      s.Step.Clone(),
		Then:      s.Then.Clone(),
		Else:      s.Else.Clone(),
	}
	if s.Params != nil {
		dup.Params = deepCopyMap(s.Params)
	}
	if s.Steps != nil {
		dup.Steps = make([]*Step, len(s.Steps))
		for i, child := range s.Steps {
			dup.Steps[i] = child.Clone()
		}
	}
	return dup
}

// Clone returns a deep copy of the definition, including the step tree and
// error-handling pointers.
func (d *WorkflowDefinition) Clone() *WorkflowDefinition {
	if d == nil {
		return nil
	}
	dup := &WorkflowDefinition{
		Name:        d.Name,
		Description: d.Description,
		Timeout:     d.Timeout,
	}
	if d.Variables != nil {
		dup.Variables = deepCopyMap(d.Variables)
	}
	if d.Steps != nil {
		dup.Steps = make([]*Step, len(d.Steps))
		for i, s := range d.Steps {
			dup.Steps[i] = s.Clone()
		}
	}
	if d.ErrorHandling != nil {
		eh := &ErrorHandling{}
		if v := d.ErrorHandling.RetryOnFailure; v != nil {
			b := *v
			eh.RetryOnFailure = &b
		}
		if v := d.ErrorHandling.MaxRetries; v != nil {
			n := *v
			eh.MaxRetries = &n
		}
		if v := d.ErrorHandling.ContinueOnError; v != nil {
			b := *v
			eh.ContinueOnError = &b
		}
		dup.ErrorHandling = eh
	}
	return dup
}

// ErrorHandling is the workflow-level retry and failure policy.
// Pointer fields distinguish "absent" from explicit false/zero.
type ErrorHandling struct {
	RetryOnFailure  *bool `json:"retry_on_failure,omitempty"`
	MaxRetries      *int  `json:"max_retries,omitempty"`
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
}

// Policy is ErrorHandling with defaults applied, as consumed by the runner.
type Policy struct {
	RetryOnFailure  bool
	MaxRetries      int
	ContinueOnError bool
}

// Policy resolves the definition's error handling with defaults:
// retry on failure, three retries, abort on first failure.
func (d *WorkflowDefinition) Policy() Policy {
	p := Policy{RetryOnFailure: true, MaxRetries: DefaultMaxRetries}
	eh := d.ErrorHandling
	if eh == nil {
		return p
	}
	if eh.RetryOnFailure != nil {
		p.RetryOnFailure = *eh.RetryOnFailure
	}
	if eh.MaxRetries != nil && *eh.MaxRetries >= 0 {
		p.MaxRetries = *eh.MaxRetries
	}
	if eh.ContinueOnError != nil {
		p.ContinueOnError = *eh.ContinueOnError
	}
	return p
}

// EffectiveTimeout returns the global deadline for one execution.
func (d *WorkflowDefinition) EffectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(d.Timeout * float64(time.Second))
}

// ParseDefinition decodes a workflow definition from JSON.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid workflow JSON: %v", err)
	}
	return &def, nil
}

// deepCopyMap recursively copies a JSON-like map.
func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

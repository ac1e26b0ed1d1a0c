package validation

import (
	"encoding/json"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
//  1. Structural: the embedded workflow JSON Schema (wire format, field-exact)
//  2. Semantic: tree-wide rules the schema cannot express (unique ids,
//     per-type field shape, nesting depth, condition syntax)
//  3. References: ${steps.<id>} usage analysis, warnings only
//
// Structural errors short-circuit: a document that fails the schema has no
// reliable shape for the later stages to walk.
type WorkflowValidator struct {
	eval  *expressions.Evaluator
	tools func() []string
}

// Option configures a WorkflowValidator.
type Option func(*WorkflowValidator)

// WithEvaluator shares a condition evaluator with the validator, so
// validation-time compiles land in the same caches execution reads.
func WithEvaluator(eval *expressions.Evaluator) Option {
	return func(v *WorkflowValidator) { v.eval = eval }
}

// WithToolLister enables unknown-tool warnings. The lister is consulted once
// per Validate call; tool steps naming anything outside the returned set get
// a warning, never an error, since invokers may route unlisted tools.
func WithToolLister(list func() []string) Option {
	return func(v *WorkflowValidator) { v.tools = list }
}

// NewWorkflowValidator creates a WorkflowValidator. Without WithEvaluator it
// builds its own engine set matching the runner's defaults.
func NewWorkflowValidator(opts ...Option) *WorkflowValidator {
	v := &WorkflowValidator{}
	for _, opt := range opts {
		opt(v)
	}
	if v.eval == nil {
		v.eval = defaultEvaluator()
	}
	return v
}

func defaultEvaluator() *expressions.Evaluator {
	ev := expressions.NewEvaluator(expressions.NewResolver())
	ev.RegisterEngine(expressions.NewExprEngine())
	ev.RegisterEngine(expressions.NewGoJQEngine())
	if cel, err := expressions.NewCELEngine(); err == nil {
		ev.RegisterEngine(cel)
	}
	return ev
}

// Validate checks an in-memory definition. The definition is round-tripped
// through its wire encoding first so programmatic and parsed workflows obey
// the same structural rules.
func (v *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		result := &schema.ValidationResult{}
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	raw, err := json.Marshal(def)
	if err != nil {
		result := &schema.ValidationResult{}
		result.AddErrorf("/", schema.ErrCodeValidation, "workflow definition is not encodable: %v", err)
		return result
	}

	result := validateStructural(raw)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.eval, v.tools))

	// References need a semantically sound tree; duplicate ids would make
	// the order analysis lie.
	if result.Valid() {
		result.Merge(checkReferences(def))
	}
	return result
}

// ValidateJSON checks a raw wire-format document and returns the decoded
// definition when it is usable. Unknown fields are structural errors here;
// decoding into the struct first would silently drop them.
func (v *WorkflowValidator) ValidateJSON(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := validateStructural(raw)
	if !result.Valid() {
		return nil, result
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		result.AddErrorf("/", schema.ErrCodeValidation, "decode workflow definition: %v", err)
		return nil, result
	}

	result.Merge(validateSemantic(&def, v.eval, v.tools))
	if result.Valid() {
		result.Merge(checkReferences(&def))
	}
	return &def, result
}

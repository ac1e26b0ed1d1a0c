package expressions

import "context"

// Engine evaluates expressions against a step scope activation.
// Three implementations: CEL (guard conditions), GoJQ (transforms),
// Expr (general logic). Conditions select an engine with a name prefix.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without
// evaluating it. Validation uses it to reject broken conditions up front;
// compiled programs stay cached for the eventual evaluation.
type Compiler interface {
	Compile(expression string) error
}

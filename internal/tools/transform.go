package tools

import (
	"context"

	"github.com/venzel/stepflow/internal/expressions"
	"github.com/venzel/stepflow/pkg/schema"
)

// TransformTools returns the data transformation tools.
func TransformTools() []Tool {
	return []Tool{
		&transformJQTool{engine: expressions.NewGoJQEngine()},
		&exprEvalTool{engine: expressions.NewExprEngine()},
	}
}

// --- transform.jq ---

type transformJQTool struct {
	engine *expressions.GoJQEngine
}

func (a *transformJQTool) Name() string { return "transform.jq" }

func (a *transformJQTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Apply a jq query to reshape, filter, or aggregate JSON data",
	}
}

func (a *transformJQTool) Validate(params map[string]any) error {
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq requires non-empty 'query' string parameter")
	}
	if data, ok := params["data"]; ok {
		if _, isMap := data.(map[string]any); !isMap {
			return schema.NewError(schema.ErrCodeValidation, "transform.jq 'data' parameter must be an object")
		}
	}
	return nil
}

func (a *transformJQTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	query, _ := input.Params["query"].(string)

	data, _ := input.Params["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	result, err := a.engine.Evaluate(ctx, query, data)
	if err != nil {
		return nil, err
	}

	return marshalOutput(map[string]any{"result": result})
}

// --- expr.eval ---

type exprEvalTool struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalTool) Name() string { return "expr.eval" }

func (a *exprEvalTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate an Expr expression against explicit data or the run context",
	}
}

func (a *exprEvalTool) Validate(params map[string]any) error {
	expression, ok := params["expression"].(string)
	if !ok || expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	expression, _ := input.Params["expression"].(string)

	scope := make(map[string]any)

	// Explicit data, when provided, becomes the primary scope entry.
	if data, ok := input.Params["data"]; ok {
		scope["data"] = data
	}

	// Run correlation context (run_id, step_id) is visible to expressions.
	for k, v := range input.Context {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	return marshalOutput(map[string]any{"result": result})
}

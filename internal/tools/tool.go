package tools

import (
	"context"
	"encoding/json"

	"github.com/venzel/stepflow/pkg/schema"
)

// Tool is an invocable unit of work referenced by a workflow step.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Validate(params map[string]any) error
	Execute(ctx context.Context, input ToolInput) (*ToolOutput, error)
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInput is the data handed to a tool at execution time. Params are the
// step's fully resolved parameters; Context carries run-scoped metadata
// such as run_id and step_id.
type ToolInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// ToolOutput is the result of a tool execution.
type ToolOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// marshalOutput encodes a result map into a ToolOutput.
func marshalOutput(result map[string]any) (*ToolOutput, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "failed to marshal output: %v", err)
	}
	return &ToolOutput{Data: json.RawMessage(data)}, nil
}

package plugins

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/venzel/stepflow/internal/tools"
	"github.com/venzel/stepflow/pkg/schema"
)

// remoteTool proxies a tool discovered on an MCP plugin. It holds the
// plugin name rather than a connection so calls made after a restart go
// through the fresh subprocess.
type remoteTool struct {
	name        string
	description string
	inputSchema json.RawMessage
	manager     *Manager
	plugin      string
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Schema() tools.ToolSchema {
	return tools.ToolSchema{
		InputSchema: t.inputSchema,
		Description: t.description,
	}
}

// Validate is a no-op: plugins own their argument schemas and reject bad
// input server-side.
func (t *remoteTool) Validate(_ map[string]any) error { return nil }

func (t *remoteTool) Execute(ctx context.Context, input tools.ToolInput) (*tools.ToolOutput, error) {
	c, err := t.manager.clientFor(t.plugin)
	if err != nil {
		return nil, err
	}

	result, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.name,
			Arguments: input.Params,
		},
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePlugin, "plugin %q tool %q: %v", t.plugin, t.name, err)
	}

	text := joinTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "plugin %q tool %q: %s", t.plugin, t.name, text)
	}

	return toolOutput(text)
}

// joinTextContent flattens a result's text parts. Non-text content such
// as images is dropped; workflow steps consume structured text.
func joinTextContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toolOutput converts an MCP text result into a tool output. Servers that
// return JSON pass through untouched; plain text becomes a JSON string.
func toolOutput(text string) (*tools.ToolOutput, error) {
	raw := []byte(text)
	if json.Valid(raw) {
		return &tools.ToolOutput{Data: json.RawMessage(raw)}, nil
	}
	data, err := json.Marshal(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "encode tool output: %v", err)
	}
	return &tools.ToolOutput{Data: data}, nil
}

// schemaBytes extracts a tool's input schema, preferring the raw form the
// server sent over the decoded struct.
func schemaBytes(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return append(json.RawMessage(nil), t.RawInputSchema...)
	}
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil
	}
	return data
}

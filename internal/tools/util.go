package tools

import (
	"bytes"
	"context"
	"text/template"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// UtilTools returns the small general-purpose tools.
func UtilTools() []Tool {
	return []Tool{
		&echoTool{},
		&timeNowTool{},
		&timeSleepTool{},
		&templateRenderTool{},
	}
}

// --- echo ---

type echoTool struct{}

func (a *echoTool) Name() string { return "echo" }

func (a *echoTool) Schema() ToolSchema {
	return ToolSchema{Description: "Return the resolved params unchanged"}
}

func (a *echoTool) Validate(_ map[string]any) error { return nil }

func (a *echoTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	return marshalOutput(params)
}

// --- time.now ---

type timeNowTool struct{}

func (a *timeNowTool) Name() string { return "time.now" }

func (a *timeNowTool) Schema() ToolSchema {
	return ToolSchema{Description: "Return the current UTC time as ISO-8601, unix seconds, and unix milliseconds"}
}

func (a *timeNowTool) Validate(_ map[string]any) error { return nil }

func (a *timeNowTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	now := time.Now().UTC()
	result := map[string]any{
		"iso":     now.Format(time.RFC3339),
		"unix":    now.Unix(),
		"unix_ms": now.UnixMilli(),
	}
	if layout := stringParam(params, "format", ""); layout != "" {
		result["formatted"] = now.Format(layout)
	}
	return marshalOutput(result)
}

// --- time.sleep ---

type timeSleepTool struct{}

func (a *timeSleepTool) Name() string { return "time.sleep" }

func (a *timeSleepTool) Schema() ToolSchema {
	return ToolSchema{Description: "Sleep for the given duration (e.g. \"250ms\"), honoring cancellation"}
}

func (a *timeSleepTool) Validate(params map[string]any) error {
	ds := stringParam(params, "duration", "")
	if ds == "" {
		return schema.NewError(schema.ErrCodeValidation, "time.sleep: missing required param 'duration'")
	}
	if _, err := time.ParseDuration(ds); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "time.sleep: invalid duration %q", ds)
	}
	return nil
}

func (a *timeSleepTool) Execute(ctx context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	d, _ := time.ParseDuration(stringParam(params, "duration", ""))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return marshalOutput(map[string]any{"slept_ms": d.Milliseconds()})
}

// --- template.render ---

type templateRenderTool struct{}

func (a *templateRenderTool) Name() string { return "template.render" }

func (a *templateRenderTool) Schema() ToolSchema {
	return ToolSchema{Description: "Render a Go text/template with the given data"}
}

func (a *templateRenderTool) Validate(params map[string]any) error {
	if _, ok := params["template"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "template.render: missing required param 'template'")
	}
	return nil
}

func (a *templateRenderTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	text, _ := params["template"].(string)
	tmpl, err := template.New("render").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template.render: parse: %v", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params["data"]); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "template.render: %v", err).WithCause(err)
	}

	return marshalOutput(map[string]any{"rendered": buf.String()})
}

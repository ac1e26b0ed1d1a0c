package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/venzel/stepflow/internal/validation"
	"github.com/venzel/stepflow/pkg/schema"
)

// AssertTools returns the assertion tools.
func AssertTools(validator *validation.JSONSchemaValidator) []Tool {
	return []Tool{
		&assertEqualsTool{},
		&assertContainsTool{},
		&assertMatchesTool{},
		&assertSchemaTool{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 so deep-equal works
// across JSON decoding boundaries (which always produce float64).
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = func() json.RawMessage {
	b, _ := json.Marshal(map[string]any{"pass": true})
	return b
}()

// --- assert.equals ---

type assertEqualsTool struct{}

func (a *assertEqualsTool) Name() string { return "assert.equals" }

func (a *assertEqualsTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that two values are deeply equal"}
}

func (a *assertEqualsTool) Validate(params map[string]any) error {
	if _, ok := params["expected"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}
	return nil
}

func (a *assertEqualsTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	expected := normalizeJSON(input.Params["expected"])
	actual := normalizeJSON(input.Params["actual"])

	if reflect.DeepEqual(expected, actual) {
		return &ToolOutput{Data: passResult}, nil
	}

	msg := "assertion failed: values are not equal"
	if m, ok := input.Params["message"].(string); ok && m != "" {
		msg = m
	}

	return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
		WithDetails(map[string]any{"expected": input.Params["expected"], "actual": input.Params["actual"]})
}

// --- assert.contains ---

type assertContainsTool struct{}

func (a *assertContainsTool) Name() string { return "assert.contains" }

func (a *assertContainsTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that a string or array contains a value"}
}

func (a *assertContainsTool) Validate(params map[string]any) error {
	if _, ok := params["haystack"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}
	return nil
}

func (a *assertContainsTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	haystack := input.Params["haystack"]
	needle := input.Params["needle"]

	msg := "assertion failed: value not found"
	if m, ok := input.Params["message"].(string); ok && m != "" {
		msg = m
	}

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return &ToolOutput{Data: passResult}, nil
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return &ToolOutput{Data: passResult}, nil
			}
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"haystack": haystack, "needle": needle})
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}
}

// --- assert.matches ---

type assertMatchesTool struct{}

func (a *assertMatchesTool) Name() string { return "assert.matches" }

func (a *assertMatchesTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that a string matches a regular expression"}
}

func (a *assertMatchesTool) Validate(params map[string]any) error {
	if _, ok := params["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	if _, ok := params["pattern"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	return nil
}

func (a *assertMatchesTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	value, _ := input.Params["value"].(string)
	pattern, _ := input.Params["pattern"].(string)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}

	if !re.MatchString(value) {
		msg := "assertion failed: value does not match pattern"
		if m, ok := input.Params["message"].(string); ok && m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).
			WithDetails(map[string]any{"value": value, "pattern": pattern})
	}

	out, _ := json.Marshal(map[string]any{"pass": true, "matches": re.FindString(value)})
	return &ToolOutput{Data: out}, nil
}

// --- assert.schema ---

type assertSchemaTool struct {
	validator *validation.JSONSchemaValidator
}

func (a *assertSchemaTool) Name() string { return "assert.schema" }

func (a *assertSchemaTool) Schema() ToolSchema {
	return ToolSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (a *assertSchemaTool) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	if _, ok := params["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema requires 'schema' parameter")
	}
	return nil
}

func (a *assertSchemaTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize schema: %s", err)
	}

	dataMap, ok := input.Params["data"].(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be an object")
	}

	if err := a.validator.ValidateInput(dataMap, schemaBytes); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := input.Params["message"].(string); ok && m != "" {
			msg = m
		}
		details := map[string]any{"error": err.Error()}
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Details != nil {
			details["violations"] = flowErr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, msg).WithDetails(details)
	}

	return &ToolOutput{Data: passResult}, nil
}

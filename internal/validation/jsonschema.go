package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/venzel/stepflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for the workflow wire format.
// Embedded as a constant to avoid filesystem dependencies. Fields are exact:
// unknown keys are rejected, and per-type required fields are enforced with
// conditionals keyed on the step type discriminator.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "variables": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "error_handling": { "$ref": "#/$defs/error_handling" },
    "timeout": {
      "type": "number",
      "exclusiveMinimum": 0
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["tool", "foreach", "parallel", "condition"]
        },
        "tool": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "condition": { "type": "string" },
        "items": { "type": "string", "minLength": 1 },
        "step": { "$ref": "#/$defs/step" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "then": { "$ref": "#/$defs/step" },
        "else": { "$ref": "#/$defs/step" }
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": {
            "anyOf": [
              { "not": { "required": ["type"] } },
              { "properties": { "type": { "const": "tool" } }, "required": ["type"] }
            ]
          },
          "then": { "required": ["tool"] }
        },
        {
          "if": { "properties": { "type": { "const": "foreach" } }, "required": ["type"] },
          "then": { "required": ["items", "step"] }
        },
        {
          "if": { "properties": { "type": { "const": "parallel" } }, "required": ["type"] },
          "then": { "required": ["steps"] }
        },
        {
          "if": { "properties": { "type": { "const": "condition" } }, "required": ["type"] },
          "then": { "required": ["condition", "then"] }
        }
      ]
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "retry_on_failure": { "type": "boolean" },
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "continue_on_error": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

const workflowSchemaURL = "https://stepflow.dev/schemas/workflow.json"

// workflowSchema is compiled once at package load. The schema is a build
// constant; failing to compile it is a programming error, not a runtime
// condition.
var workflowSchema = mustCompileWorkflowSchema()

func mustCompileWorkflowSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("validation: unmarshal workflow schema: %v", err))
	}

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("validation: add workflow schema resource: %v", err))
	}

	compiled, err := c.Compile(workflowSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("validation: compile workflow schema: %v", err))
	}
	return compiled
}

// validateStructural checks a raw wire-format document against the embedded
// workflow schema.
func validateStructural(raw []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		result.AddErrorf("/", schema.ErrCodeValidation, "workflow is not valid JSON: %v", err)
		return result
	}

	err = workflowSchema.Validate(doc)
	if err == nil {
		return result
	}

	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, v := range collectViolations(verr) {
		result.AddError(v.path, schema.ErrCodeValidation, v.message)
	}
	return result
}

// violation is one leaf of a jsonschema ValidationError tree.
type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		path := "/"
		if len(verr.InstanceLocation) > 0 {
			path = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: path, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}

// JSONSchemaValidator validates arbitrary data against caller-supplied JSON
// Schemas (Draft 2020-12). Compiled schemas are cached by their source text.
// It is safe for concurrent use; the assert.schema tool shares one instance
// across parallel branches.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with an empty cache.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// ValidateInput validates input data against a JSON Schema provided as raw
// bytes. An empty schema validates everything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Round-trip so numbers arrive as json.Number, which the library requires.
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions; a fresh
	// compiler keeps one bad schema from poisoning the rest.
	url := fmt.Sprintf("stepflow://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding so numeric values
// become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// Details carry every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	flat := make([]string, len(violations))
	for i, v := range violations {
		flat[i] = fmt.Sprintf("%s: %s", v.path, v.message)
	}

	msg := flat[0]
	if len(flat) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(flat))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": flat})
}

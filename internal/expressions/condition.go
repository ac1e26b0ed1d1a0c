package expressions

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/venzel/stepflow/pkg/schema"
)

// Evaluator decides whether a step condition holds.
//
// Two native forms are recognized:
//  1. A bare expression, truthy when resolution yields boolean true, a
//     non-empty string, a non-zero number, or a non-empty collection.
//  2. A comparison "<lhs> <op> <rhs>" with op in {>, <, >=, <=, ==, !=}.
//     Both operands are resolved independently; ordering operators require
//     both sides to coerce to numbers, equality is strict with no coercion
//     across types (a number never equals its string form).
//
// A condition may also be routed to a registered expression engine with a
// "<engine>:" prefix, e.g. "cel: size(steps.fetch.result) > 0". The engine
// result is reduced to a boolean with the same truthiness rules.
type Evaluator struct {
	resolver *Resolver
	engines  map[string]Engine
}

// NewEvaluator creates an Evaluator. Engines are optional; register them
// with RegisterEngine to enable prefixed conditions.
func NewEvaluator(resolver *Resolver) *Evaluator {
	return &Evaluator{
		resolver: resolver,
		engines:  make(map[string]Engine),
	}
}

// RegisterEngine makes an expression engine addressable by its name prefix.
func (e *Evaluator) RegisterEngine(eng Engine) {
	e.engines[eng.Name()] = eng
}

// EngineNames returns the registered engine prefixes, sorted.
func (e *Evaluator) EngineNames() []string {
	names := make([]string, 0, len(e.engines))
	for name := range e.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckSyntax performs the static part of Evaluate: engine-prefixed
// conditions are compiled, native comparisons are checked for operator shape.
// Operand values are not resolved; those depend on the run-time scope.
func (e *Evaluator) CheckSyntax(condition string) error {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	for name, eng := range e.engines {
		if body, ok := strings.CutPrefix(condition, name+":"); ok {
			compiler, can := eng.(Compiler)
			if !can {
				return nil
			}
			return compiler.Compile(strings.TrimSpace(body))
		}
	}

	fields := strings.Fields(condition)
	opIdx := -1
	for i, f := range fields {
		if !isOperatorToken(f) {
			continue
		}
		if !isComparisonOp(f) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"malformed operator %q in condition %q; supported: >, <, >=, <=, ==, !=", f, condition).
				WithDetails(map[string]any{"condition": condition})
		}
		if opIdx != -1 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"multiple operators in condition %q", condition).
				WithDetails(map[string]any{"condition": condition})
		}
		opIdx = i
	}

	if opIdx == 0 || (opIdx != -1 && opIdx == len(fields)-1) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q is missing an operand", condition).
			WithDetails(map[string]any{"condition": condition})
	}

	return nil
}

// Evaluate resolves and evaluates a condition against the scope.
// Malformed comparisons raise a validation error at evaluation time; the
// operands may depend on prior step results, so there is no earlier moment
// to reject them.
func (e *Evaluator) Evaluate(ctx context.Context, condition string, scope *Scope) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	for name, eng := range e.engines {
		if body, ok := strings.CutPrefix(condition, name+":"); ok {
			val, err := eng.Evaluate(ctx, strings.TrimSpace(body), scope.Activation())
			if err != nil {
				return false, err
			}
			return Truthy(val), nil
		}
	}

	fields := strings.Fields(condition)
	opIdx := -1
	for i, f := range fields {
		if !isOperatorToken(f) {
			continue
		}
		if !isComparisonOp(f) {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"malformed operator %q in condition %q; supported: >, <, >=, <=, ==, !=", f, condition).
				WithDetails(map[string]any{"condition": condition})
		}
		if opIdx != -1 {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"multiple operators in condition %q", condition).
				WithDetails(map[string]any{"condition": condition})
		}
		opIdx = i
	}

	if opIdx == -1 {
		val, err := e.resolveOperand(condition, scope)
		if err != nil {
			return false, err
		}
		return Truthy(val), nil
	}

	if opIdx == 0 || opIdx == len(fields)-1 {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q is missing an operand", condition).
			WithDetails(map[string]any{"condition": condition})
	}

	op := fields[opIdx]
	lhs, err := e.resolveOperand(strings.Join(fields[:opIdx], " "), scope)
	if err != nil {
		return false, err
	}
	rhs, err := e.resolveOperand(strings.Join(fields[opIdx+1:], " "), scope)
	if err != nil {
		return false, err
	}

	return compare(lhs, op, rhs, condition)
}

// resolveOperand resolves one side of a comparison. Operands containing
// ${...} markers go through the Resolver; anything else is parsed as a JSON
// literal, falling back to a plain string.
func (e *Evaluator) resolveOperand(s string, scope *Scope) (any, error) {
	if HasMarker(s) {
		return e.resolver.ResolveString(s, scope)
	}
	return parseLiteral(s), nil
}

// parseLiteral types a bare operand: numbers, booleans, null, and quoted
// strings decode as JSON; everything else stays a string.
func parseLiteral(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func compare(lhs any, op string, rhs any, condition string) (bool, error) {
	switch op {
	case "==":
		return valueEquals(lhs, rhs), nil
	case "!=":
		return !valueEquals(lhs, rhs), nil
	}

	ln, lok := coerceNumber(lhs)
	rn, rok := coerceNumber(rhs)
	if !lok || !rok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"operator %q in condition %q requires numeric operands (got %s and %s)",
			op, condition, typeName(lhs), typeName(rhs)).
			WithDetails(map[string]any{"condition": condition})
	}

	switch op {
	case ">":
		return ln > rn, nil
	case "<":
		return ln < rn, nil
	case ">=":
		return ln >= rn, nil
	case "<=":
		return ln <= rn, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation,
		"unsupported operator %q in condition %q", op, condition)
}

// valueEquals compares resolved values without coercing across types.
// Numeric types are normalized so an int index equals a JSON float.
func valueEquals(a, b any) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// asNumber accepts only genuine numeric types, never strings.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// coerceNumber additionally parses numeric strings, for ordering operators.
func coerceNumber(v any) (float64, bool) {
	if f, ok := asNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func isOperatorToken(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch c {
		case '<', '>', '=', '!':
		default:
			return false
		}
	}
	return true
}

func isComparisonOp(s string) bool {
	switch s {
	case ">", "<", ">=", "<=", "==", "!=":
		return true
	}
	return false
}

// Truthy reduces a resolved value to a boolean: true for boolean true,
// non-empty strings, non-zero numbers, and non-empty collections.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case float32:
		return val != 0
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case json.Number:
		f, err := val.Float64()
		return err == nil && f != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/venzel/stepflow/pkg/schema"
)

// Resolver resolves ${...} references in workflow strings and params.
//
// Grammar: substrings matching ${<path>} are replaced. A string that is
// exactly one marker resolves to the typed underlying value; a marker with
// surrounding text resolves to a string concatenation. Path roots are
// vars.<name>, steps.<id>.result, steps.<id>.success, env.<NAME>, and the
// foreach bindings item and index. Continuations support dotted field
// access, numeric index [N], and wildcard [*] which maps the remaining
// path over every element of an array.
//
// A path that does not resolve is a hard error, never a silent null.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveParams interpolates a step's params depth-first. Nested maps and
// arrays are rebuilt; non-string leaves pass through unresolved.
func (r *Resolver) ResolveParams(params map[string]any, scope *Scope) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := r.ResolveValue(params, scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ResolveValue interpolates a single JSON-like value depth-first.
func (r *Resolver) ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString interpolates one string. A string that is exactly one
// ${...} marker returns the typed value; otherwise every marker is
// stringified into the surrounding text.
func (r *Resolver) ResolveString(s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	// Whole-string marker: keep the native type of the resolved value.
	if strings.HasPrefix(s, "${") {
		if end := strings.IndexByte(s, '}'); end == len(s)-1 {
			return r.resolvePath(strings.TrimSpace(s[2:end]), scope)
		}
	}

	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}

		result.WriteString(s[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"unclosed ${ marker in %q", s)
		}
		end += start

		val, err := r.resolvePath(strings.TrimSpace(s[start:end]), scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(inlineString(val))

		i = end + 1 // skip "}"
	}

	return result.String(), nil
}

// resolvePath resolves a single dotted path like "steps.fetch.result[0].url".
func (r *Resolver) resolvePath(path string, scope *Scope) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${}")
	}
	if strings.Contains(path, "${") {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"nested interpolation not allowed in ${%s}", path)
	}

	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	root := segs[0]
	if root.kind != segField {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference ${%s}: path must start with a root name", path)
	}

	scope.mu.RLock()
	defer scope.mu.RUnlock()

	var current any
	rest := segs[1:]

	switch root.field {
	case "vars":
		if len(rest) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid reference ${%s}: expected vars.<name>", path)
		}
		current = scope.vars
	case "steps":
		if len(rest) == 0 || rest[0].kind != segField {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid reference ${%s}: expected steps.<id>.result or steps.<id>.success", path)
		}
		stepID := rest[0].field
		entry, ok := scope.steps[stepID]
		if !ok {
			available := mapKeys(scope.steps)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"step %q not found in ${%s}; available steps: [%s]", stepID, path, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": path, "available_steps": available})
		}
		current = entry
		rest = rest[1:]
	case "env":
		if len(rest) == 0 || rest[0].kind != segField {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"invalid reference ${%s}: expected env.<NAME>", path)
		}
		name := rest[0].field
		val, ok := scope.env[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"environment variable %q not set in ${%s}", name, path).
				WithDetails(map[string]any{"expression": path})
		}
		current = val
		rest = rest[1:]
	case "item":
		if scope.iter == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"item referenced outside a foreach iteration in ${%s}", path)
		}
		current = scope.iter.Item
	case "index":
		if scope.iter == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"index referenced outside a foreach iteration in ${%s}", path)
		}
		current = scope.iter.Index
	default:
		available := []string{"vars", "steps", "env", "item", "index"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown root %q in ${%s}; available: %s", root.field, path, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": path, "available_roots": available})
	}

	resolved, err := traverse(current, rest, path)
	if err != nil {
		return nil, err
	}
	return deepCopyAny(resolved), nil
}

// traverse walks the remaining segments from a resolved root value.
func traverse(current any, segs []pathSegment, path string) (any, error) {
	for i, seg := range segs {
		switch seg.kind {
		case segField:
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot access field %q in ${%s}: value is %s, not an object", seg.field, path, typeName(current)).
					WithDetails(map[string]any{"expression": path})
			}
			val, ok := obj[seg.field]
			if !ok {
				available := mapKeys(obj)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in ${%s}; available: [%s]", seg.field, path, strings.Join(available, ", ")).
					WithDetails(map[string]any{"expression": path, "available_fields": available})
			}
			current = val
		case segIndex:
			arr, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot index [%d] in ${%s}: value is %s, not an array", seg.index, path, typeName(current)).
					WithDetails(map[string]any{"expression": path})
			}
			if seg.index < 0 || seg.index >= len(arr) {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"index %d out of range in ${%s}: array has %d elements", seg.index, path, len(arr)).
					WithDetails(map[string]any{"expression": path, "length": len(arr)})
			}
			current = arr[seg.index]
		case segWildcard:
			arr, ok := current.([]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"cannot project [*] in ${%s}: value is %s, not an array", path, typeName(current)).
					WithDetails(map[string]any{"expression": path})
			}
			projected := make([]any, len(arr))
			for j, elem := range arr {
				val, err := traverse(elem, segs[i+1:], path)
				if err != nil {
					return nil, err
				}
				projected[j] = val
			}
			return projected, nil
		}
	}
	return current, nil
}

type segKind int

const (
	segField segKind = iota
	segIndex
	segWildcard
)

type pathSegment struct {
	kind  segKind
	field string
	index int
}

// parsePath splits "steps.fetch.result[0].urls[*]" into segments.
func parsePath(path string) ([]pathSegment, error) {
	var segs []pathSegment
	i := 0
	expectField := true

	for i < len(path) {
		switch {
		case path[i] == '.':
			if expectField {
				return nil, malformedPath(path, "empty field segment")
			}
			i++
			expectField = true
		case path[i] == '[':
			if expectField {
				return nil, malformedPath(path, "index must follow a field")
			}
			closing := strings.IndexByte(path[i:], ']')
			if closing == -1 {
				return nil, malformedPath(path, "unterminated [ index")
			}
			inner := path[i+1 : i+closing]
			if inner == "*" {
				segs = append(segs, pathSegment{kind: segWildcard})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, malformedPath(path, fmt.Sprintf("invalid index %q", inner))
				}
				segs = append(segs, pathSegment{kind: segIndex, index: n})
			}
			i += closing + 1
		default:
			end := i
			for end < len(path) && path[end] != '.' && path[end] != '[' {
				end++
			}
			if !expectField {
				return nil, malformedPath(path, fmt.Sprintf("unexpected segment %q", path[i:end]))
			}
			segs = append(segs, pathSegment{kind: segField, field: path[i:end]})
			expectField = false
			i = end
		}
	}

	if expectField {
		return nil, malformedPath(path, "path ends with a dot")
	}
	return segs, nil
}

func malformedPath(path, reason string) error {
	return schema.NewErrorf(schema.ErrCodeInterpolation,
		"malformed reference ${%s}: %s", path, reason).
		WithDetails(map[string]any{"expression": path})
}

// inlineString converts a resolved value into text for embedding inside a
// larger string. Complex values are JSON-encoded.
func inlineString(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// typeName describes a value's JSON type for error messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64, int, int64:
		return "a number"
	case map[string]any:
		return "an object"
	case []any:
		return "an array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasMarker reports whether a string contains any ${...} reference.
func HasMarker(s string) bool {
	return strings.Contains(s, "${")
}

// Markers extracts the path inside every closed ${...} marker in s, in
// order of appearance. An unclosed trailing marker is ignored; resolution
// reports that error with scope context.
func Markers(s string) []string {
	var paths []string
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${")
		if idx == -1 {
			break
		}
		start := i + idx + 2
		end := strings.IndexByte(s[start:], '}')
		if end == -1 {
			break
		}
		end += start
		paths = append(paths, strings.TrimSpace(s[start:end]))
		i = end + 1
	}
	return paths
}

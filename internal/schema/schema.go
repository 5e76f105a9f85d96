// Package schema validates JSON-shaped values against a conservative
// JSON-Schema subset: type (object/array/string/number/boolean), enum,
// required, properties, additionalProperties:false, items, minItems,
// maxItems, anyOf.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Reason identifies which check failed.
type Reason string

const (
	ReasonType                 Reason = "type"
	ReasonEnum                 Reason = "enum"
	ReasonAnyOf                Reason = "anyOf"
	ReasonMinItems             Reason = "minItems"
	ReasonMaxItems             Reason = "maxItems"
	ReasonRequired             Reason = "required"
	ReasonAdditionalProperties Reason = "additionalProperties"
)

// Details carries machine-readable failure context.
type Details struct {
	Expected   any      `json:"expected,omitempty"`
	Actual     any      `json:"actual,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// Error is a single structured validation failure.
type Error struct {
	Path    string  `json:"path"`
	Reason  Reason  `json:"reason"`
	Message string  `json:"message"`
	Details Details `json:"details"`
}

func (e *Error) Error() string {
	return e.Message
}

// Validate checks value against schema and returns the first failure, or
// nil if the value validates. Object checks run required, then per-property
// recursion, then additionalProperties; array checks run minItems, maxItems,
// then per-element recursion.
func Validate(schema map[string]any, value any) *Error {
	return validate(schema, value, "")
}

func validate(schema map[string]any, value any, path string) *Error {
	if schema == nil {
		return nil
	}

	if anyOf, ok := schema["anyOf"].([]any); ok {
		return validateAnyOf(anyOf, value, path)
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return typeError(path, "object", value)
		}
		return validateObject(schema, obj, path)
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return typeError(path, "array", value)
		}
		return validateArray(schema, arr, path)
	case "string":
		if _, ok := value.(string); !ok {
			return typeError(path, "string", value)
		}
	case "number":
		if !isNumber(value) {
			return typeError(path, "number", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return typeError(path, "boolean", value)
		}
	case "":
		// No type constraint; fall through to enum.
	default:
		return typeError(path, typ, value)
	}

	if enum, ok := schema["enum"].([]any); ok {
		return validateEnum(enum, value, path)
	}
	return nil
}

func validateObject(schema map[string]any, obj map[string]any, path string) *Error {
	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			key, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := obj[key]; !present {
				p := joinPath(path, key)
				return &Error{
					Path:    p,
					Reason:  ReasonRequired,
					Message: fmt.Sprintf("%s is required", displayPath(p)),
					Details: Details{Expected: key},
				}
			}
		}
	}

	for key, sub := range props {
		subSchema, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		val, present := obj[key]
		if !present {
			continue
		}
		if err := validate(subSchema, val, joinPath(path, key)); err != nil {
			return err
		}
	}

	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		var extras []string
		for key := range obj {
			if _, known := props[key]; !known {
				extras = append(extras, key)
			}
		}
		if len(extras) > 0 {
			sort.Strings(extras)
			p := joinPath(path, extras[0])
			return &Error{
				Path:    p,
				Reason:  ReasonAdditionalProperties,
				Message: fmt.Sprintf("%s is not an allowed property", displayPath(p)),
				Details: Details{Actual: extras},
			}
		}
	}
	return nil
}

func validateArray(schema map[string]any, arr []any, path string) *Error {
	if min, ok := schemaInt(schema["minItems"]); ok && len(arr) < min {
		return &Error{
			Path:    path,
			Reason:  ReasonMinItems,
			Message: fmt.Sprintf("%s must have at least %d items", displayPath(path), min),
			Details: Details{Expected: min, Actual: len(arr)},
		}
	}
	if max, ok := schemaInt(schema["maxItems"]); ok && len(arr) > max {
		return &Error{
			Path:    path,
			Reason:  ReasonMaxItems,
			Message: fmt.Sprintf("%s must have at most %d items", displayPath(path), max),
			Details: Details{Expected: max, Actual: len(arr)},
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		for i, elem := range arr {
			if err := validate(items, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateEnum(enum []any, value any, path string) *Error {
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) {
			return nil
		}
		// JSON numbers arrive as float64; tolerate int-authored enums.
		if isNumber(candidate) && isNumber(value) && toFloat(candidate) == toFloat(value) {
			return nil
		}
	}
	return &Error{
		Path:    path,
		Reason:  ReasonEnum,
		Message: fmt.Sprintf("%s must be one of the allowed values", displayPath(path)),
		Details: Details{Expected: enum, Actual: value},
	}
}

// validateAnyOf succeeds if any candidate schema validates. On failure the
// error's details list the distinguishing required keys of each branch.
func validateAnyOf(anyOf []any, value any, path string) *Error {
	candidates := make([]string, 0, len(anyOf))
	for _, raw := range anyOf {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if validate(sub, value, path) == nil {
			return nil
		}
		candidates = append(candidates, describeBranch(sub))
	}
	return &Error{
		Path:    path,
		Reason:  ReasonAnyOf,
		Message: fmt.Sprintf("%s must match one of the expected shapes", displayPath(path)),
		Details: Details{Candidates: candidates},
	}
}

// describeBranch summarizes a branch by its required keys, falling back to
// its declared type.
func describeBranch(sub map[string]any) string {
	if required, ok := sub["required"].([]any); ok && len(required) > 0 {
		keys := make([]string, 0, len(required))
		for _, r := range required {
			if s, ok := r.(string); ok {
				keys = append(keys, s)
			}
		}
		return "requires " + strings.Join(keys, ", ")
	}
	if typ, ok := sub["type"].(string); ok {
		return typ
	}
	return "unspecified"
}

func typeError(path, expected string, actual any) *Error {
	return &Error{
		Path:    path,
		Reason:  ReasonType,
		Message: fmt.Sprintf("%s must be %s", displayPath(path), expected),
		Details: Details{Expected: expected, Actual: typeName(actual)},
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64, float32, int, int32, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func schemaInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func displayPath(path string) string {
	if path == "" {
		return "value"
	}
	return path
}

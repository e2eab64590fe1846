// Package contracts is the single place arbitrary LM JSON gets turned into
// the engine's canonical shapes. Every other package downstream works
// against the normalized, validated structs here — never against raw maps.
package contracts

import (
	"fmt"
)

// Schema names the four contracts the engine understands.
type Schema string

const (
	SchemaPlanJSON      Schema = "plan_json_v1"
	SchemaXiaoboAction  Schema = "xiaobo_action_v1"
	SchemaXiaojingReview Schema = "xiaojing_review_v1"
)

// ValidatorError is the structured failure a contract returns instead of a
// bare error string: it names the offending field, what was expected, and
// carries a minimal example so a retry prompt can show the caller the fix.
type ValidatorError struct {
	Schema   Schema
	Path     string // JSON-path-ish locator, e.g. "nodes[2].node_type"
	Expected string // human description of the expected shape/values
	Got      any
	Example  string
}

func (e *ValidatorError) Error() string {
	if e.Example != "" {
		return fmt.Sprintf("%s: %s: expected %s, got %v (example: %s)", e.Schema, e.Path, e.Expected, e.Got, e.Example)
	}
	return fmt.Sprintf("%s: %s: expected %s, got %v", e.Schema, e.Path, e.Expected, e.Got)
}

// Normalizer reshapes a raw decoded JSON value (map[string]any or
// []any) into the shape Validate expects, without altering semantic
// content (scores, enum decisions, suggestion text are never rewritten,
// only keys, wrappers and containers).
type Normalizer func(raw map[string]any) map[string]any

// aliasKeys renames any key in m found in aliases to its canonical name,
// in place. Canonical keys already present win over aliases.
func aliasKeys(m map[string]any, aliases map[string]string) {
	for from, to := range aliases {
		v, ok := m[from]
		if !ok {
			continue
		}
		if _, exists := m[to]; !exists {
			m[to] = v
		}
		delete(m, from)
	}
}

// peelWrapper unwraps m at the first of the given wrapper keys, in argument
// order, whose value is itself an object; otherwise returns m unchanged.
func peelWrapper(m map[string]any, wrapperKeys ...string) map[string]any {
	for _, key := range wrapperKeys {
		if inner, ok := m[key]; ok {
			if innerMap, ok := inner.(map[string]any); ok {
				return innerMap
			}
		}
	}
	return m
}

// asObjectSlice filters non-object items out of a raw array-ish value,
// returning only map[string]any entries.
func asObjectSlice(raw any) []map[string]any {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asStringSlice(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

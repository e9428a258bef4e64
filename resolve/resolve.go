// Package resolve implements the Parameter Resolver: just-in-time
// substitution of {{stepN.path.to.field}} placeholders in a step's
// parameter map, using completed steps' results from the same workflow.
//
// Parameter maps are treated as plain JSON values decoded by
// encoding/json (map[string]interface{}, []interface{}, string,
// float64, bool, nil) rather than a custom typed tree, since the
// placeholder grammar only ever needs dotted-field access and numeric
// array indexing over that shape.
package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowforge/conductor/core"
)

// StepResult names one completed step's JSON result, addressable by
// either its declaration ordinal ("step1", 1-based) or its step name.
type StepResult struct {
	Name   string
	Result interface{}
}

// Resolve walks raw, a step's unresolved parameter map, and replaces
// any string leaf matching the {{stepN.path...}} grammar with the value
// found at that path inside the referenced step's result. completed
// indexes every step this workflow has finished, by both ordinal name
// ("step1", "step2", ...) and declared step name.
func Resolve(raw map[string]interface{}, completed map[string]StepResult) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		resolved, err := resolveValue(v, completed)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, completed map[string]StepResult) (interface{}, error) {
	switch val := v.(type) {
	case string:
		ref, ok := parsePlaceholder(val)
		if !ok {
			return val, nil
		}
		return resolveRef(ref, completed)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			r, err := resolveValue(e, completed)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			r, err := resolveValue(e, completed)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

// placeholderRef is a parsed {{stepRef.path.to.field}} expression.
type placeholderRef struct {
	stepRef string
	path    []string
}

func parsePlaceholder(s string) (placeholderRef, bool) {
	const prefix = "{{"
	const suffix = "}}"
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) || len(s) <= len(prefix)+len(suffix) {
		return placeholderRef{}, false
	}
	inner := s[len(prefix) : len(s)-len(suffix)]
	// A "params.*" placeholder belongs to the Template Expander's
	// top-level substitution pass; if it survives to here it had no
	// matching user parameter and is returned unchanged by resolveValue's
	// string case.
	if strings.HasPrefix(inner, "params.") {
		return placeholderRef{}, false
	}
	parts := strings.Split(inner, ".")
	if len(parts) < 1 || parts[0] == "" {
		return placeholderRef{}, false
	}
	return placeholderRef{stepRef: parts[0], path: parts[1:]}, true
}

func resolveRef(ref placeholderRef, completed map[string]StepResult) (interface{}, error) {
	step, ok := completed[ref.stepRef]
	if !ok {
		return nil, core.NewFrameworkError("resolve.Resolve", core.KindValidation,
			fmt.Errorf("reference to unknown or not-yet-completed step %q", ref.stepRef))
	}

	cur := step.Result
	for _, segment := range ref.path {
		next, err := descend(cur, segment)
		if err != nil {
			return nil, core.NewFrameworkError("resolve.Resolve", core.KindValidation,
				fmt.Errorf("unresolvable path %q on step %q: %w", strings.Join(ref.path, "."), ref.stepRef, err))
		}
		cur = next
	}
	return cur, nil
}

// descend applies one path segment to cur: a numeric segment indexes
// into a []interface{}, anything else looks up a map[string]interface{}
// key.
func descend(cur interface{}, segment string) (interface{}, error) {
	if idx, err := strconv.Atoi(segment); err == nil {
		arr, ok := cur.([]interface{})
		if !ok {
			return nil, fmt.Errorf("segment %q: not an array", segment)
		}
		if idx < 0 || idx >= len(arr) {
			return nil, fmt.Errorf("segment %q: index out of range", segment)
		}
		return arr[idx], nil
	}

	obj, ok := cur.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("segment %q: not an object", segment)
	}
	val, ok := obj[segment]
	if !ok {
		return nil, fmt.Errorf("segment %q: field not found", segment)
	}
	return val, nil
}

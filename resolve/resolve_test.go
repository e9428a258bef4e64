package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/core"
)

func TestResolveDottedPathAndArrayIndex(t *testing.T) {
	completed := map[string]StepResult{
		"step1": {Name: "research", Result: map[string]interface{}{
			"meta": map[string]interface{}{
				"keywords": []interface{}{"alpha", "beta", "gamma"},
			},
		}},
	}

	raw := map[string]interface{}{
		"keyword": "{{step1.meta.keywords.0}}",
		"literal": 42.0,
	}

	out, err := Resolve(raw, completed)
	require.NoError(t, err)
	assert.Equal(t, "alpha", out["keyword"])
	assert.Equal(t, 42.0, out["literal"])
}

func TestResolveByStepName(t *testing.T) {
	completed := map[string]StepResult{
		"step1":    {Name: "research", Result: map[string]interface{}{"title": "hello"}},
		"research": {Name: "research", Result: map[string]interface{}{"title": "hello"}},
	}
	raw := map[string]interface{}{"t": "{{research.title}}"}

	out, err := Resolve(raw, completed)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["t"])
}

func TestResolveMissingStepIsValidationError(t *testing.T) {
	raw := map[string]interface{}{"x": "{{step9.field}}"}
	_, err := Resolve(raw, map[string]StepResult{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestResolveUnresolvablePathIsValidationError(t *testing.T) {
	completed := map[string]StepResult{
		"step1": {Result: map[string]interface{}{"a": 1.0}},
	}
	raw := map[string]interface{}{"x": "{{step1.b}}"}
	_, err := Resolve(raw, completed)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestResolveNestedStructures(t *testing.T) {
	completed := map[string]StepResult{
		"step1": {Result: map[string]interface{}{"url": "http://img"}},
	}
	raw := map[string]interface{}{
		"nested": map[string]interface{}{
			"list": []interface{}{"{{step1.url}}", "literal"},
		},
	}
	out, err := Resolve(raw, completed)
	require.NoError(t, err)
	nested := out["nested"].(map[string]interface{})
	list := nested["list"].([]interface{})
	assert.Equal(t, "http://img", list[0])
	assert.Equal(t, "literal", list[1])
}

func TestResolvePassesThroughNonPlaceholderStrings(t *testing.T) {
	raw := map[string]interface{}{"x": "just a string"}
	out, err := Resolve(raw, map[string]StepResult{})
	require.NoError(t, err)
	assert.Equal(t, "just a string", out["x"])
}

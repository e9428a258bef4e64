package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/conductor/core"
)

func simpleTemplate() WorkflowTemplate {
	return WorkflowTemplate{
		Name:           "simple",
		RequiredParams: []string{"topic"},
		Steps: []StepTemplate{
			{StepName: "a", Capability: "content", Endpoint: "/x", ParameterTemplate: map[string]interface{}{"topic": "{{params.topic}}"}},
			{StepName: "b", Capability: "content", Endpoint: "/y", DependsOn: []int{0}, ParameterTemplate: map[string]interface{}{"from": "{{step1.result}}"}},
		},
	}
}

func TestExpandProducesFreshIDsAndResolvedDeps(t *testing.T) {
	cat, err := NewCatalog([]WorkflowTemplate{simpleTemplate()})
	require.NoError(t, err)

	dag, err := cat.Expand("simple", map[string]interface{}{"topic": "go"})
	require.NoError(t, err)
	require.Len(t, dag.Steps, 2)

	assert.NotEmpty(t, dag.Steps[0].ID)
	assert.NotEqual(t, dag.Steps[0].ID, dag.Steps[1].ID)
	assert.Equal(t, []string{dag.Steps[0].ID}, dag.Steps[1].DependsOn)
	assert.Equal(t, "go", dag.Steps[0].Parameters["topic"])

	// Step-output placeholder must survive expansion unresolved.
	assert.Equal(t, "{{step1.result}}", dag.Steps[1].Parameters["from"])
}

func TestExpandUnknownTemplate(t *testing.T) {
	cat, err := NewCatalog(nil)
	require.NoError(t, err)

	_, err = cat.Expand("nonexistent", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestExpandMissingRequiredParam(t *testing.T) {
	cat, err := NewCatalog([]WorkflowTemplate{simpleTemplate()})
	require.NoError(t, err)

	_, err = cat.Expand("simple", map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestCyclicTemplateRejectedAtRegistration(t *testing.T) {
	cyclic := WorkflowTemplate{
		Name: "cyclic",
		Steps: []StepTemplate{
			{StepName: "a", DependsOn: []int{1}},
			{StepName: "b", DependsOn: []int{0}},
		},
	}
	_, err := NewCatalog([]WorkflowTemplate{cyclic})
	require.Error(t, err)
}

func TestOutOfRangeDependencyRejected(t *testing.T) {
	bad := WorkflowTemplate{
		Name: "bad",
		Steps: []StepTemplate{
			{StepName: "a", DependsOn: []int{5}},
		},
	}
	_, err := NewCatalog([]WorkflowTemplate{bad})
	require.Error(t, err)
}

func TestBuiltinCatalogLoadsAndValidates(t *testing.T) {
	cat, err := NewBuiltinCatalog()
	require.NoError(t, err)

	dag, err := cat.Expand("blog_post_campaign", map[string]interface{}{"topic": "observability"})
	require.NoError(t, err)
	assert.Len(t, dag.Steps, 4)

	_, err = cat.Expand("content_analysis", map[string]interface{}{"content": "some text"})
	require.NoError(t, err)
}

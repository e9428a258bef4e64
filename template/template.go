// Package template implements the Template Expander: turns a named
// WorkflowTemplate and caller parameters into a concrete step DAG with
// fresh step IDs, resolved dependency edges, and top-level parameter
// substitution applied. References to other steps' outputs are left
// unresolved for the Parameter Resolver to fill in at dispatch time.
package template

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowforge/conductor/core"
)

// StepTemplate is one static step declaration within a WorkflowTemplate.
type StepTemplate struct {
	StepName      string                 `yaml:"step_name"`
	Capability    string                 `yaml:"capability"`
	Endpoint      string                 `yaml:"endpoint"`
	ParameterTemplate map[string]interface{} `yaml:"parameter_template"`
	DependsOn     []int                  `yaml:"depends_on"`
	Priority      int                    `yaml:"priority"`
	MaxRetries    int                    `yaml:"max_retries"`
	TimeoutSeconds int                   `yaml:"timeout_seconds"`
}

// WorkflowTemplate is a static, named DAG blueprint.
type WorkflowTemplate struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	RequiredParams   []string       `yaml:"required_params"`
	Steps            []StepTemplate `yaml:"steps"`
}

// Step is one concrete, expanded step: fresh ID, resolved dependency
// step IDs (not indices), and parameters that may still carry
// {{stepN.field}} placeholders for the Parameter Resolver.
type Step struct {
	ID         string
	Name       string
	Capability string
	Endpoint   string
	Parameters map[string]interface{}
	DependsOn  []string
	Priority   int
	MaxRetries int
	Timeout    int // seconds, 0 means caller default
}

// DAG is the Template Expander's output: a concrete, validated step list
// ready to hand to a Workflow Orchestrator.
type DAG struct {
	TemplateName string
	Steps        []Step
}

// Catalog holds registered WorkflowTemplates, keyed by name.
type Catalog struct {
	templates map[string]WorkflowTemplate
}

// NewCatalog builds a Catalog from a set of templates, validating each
// one's DAG shape (acyclic, all depends_on indices in range) up front so
// a malformed template is caught at registration, not at expand time.
func NewCatalog(templates []WorkflowTemplate) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]WorkflowTemplate, len(templates))}
	for _, t := range templates {
		if err := validateShape(t); err != nil {
			return nil, fmt.Errorf("template %q: %w", t.Name, err)
		}
		c.templates[t.Name] = t
	}
	return c, nil
}

func validateShape(t WorkflowTemplate) error {
	n := len(t.Steps)
	for i, st := range t.Steps {
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= n || dep == i {
				return core.NewFrameworkError("template.validateShape", core.KindValidation,
					fmt.Errorf("step %d declares out-of-range or self dependency %d", i, dep))
			}
		}
	}
	if hasCycle(t.Steps) {
		return core.NewFrameworkError("template.validateShape", core.KindValidation, core.ErrCycleDetected)
	}
	return nil
}

// hasCycle runs the same visited/recursion-stack DFS shape used to
// detect circular dependencies in a step-index dependency graph: white
// (unvisited), gray (on the current DFS path), black (fully explored).
func hasCycle(steps []StepTemplate) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(steps))

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, dep := range steps[i].DependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[i] = black
		return false
	}

	for i := range steps {
		if color[i] == white {
			if visit(i) {
				return true
			}
		}
	}
	return false
}

// Expand produces a concrete DAG for templateName, substituting params
// into each step's top-level parameter_template. Unknown template name
// yields a KindValidation error wrapping a plain "unknown template"
// error; no dedicated sentinel exists for it in the taxonomy.
func (c *Catalog) Expand(templateName string, params map[string]interface{}) (*DAG, error) {
	tmpl, ok := c.templates[templateName]
	if !ok {
		return nil, core.NewFrameworkError("template.Expand", core.KindValidation,
			fmt.Errorf("unknown template %q", templateName))
	}

	for _, required := range tmpl.RequiredParams {
		if _, present := params[required]; !present {
			return nil, core.NewFrameworkError("template.Expand", core.KindValidation,
				fmt.Errorf("missing required parameter %q", required))
		}
	}

	ids := make([]string, len(tmpl.Steps))
	for i := range tmpl.Steps {
		ids[i] = uuid.NewString()
	}

	steps := make([]Step, len(tmpl.Steps))
	for i, st := range tmpl.Steps {
		dependsOn := make([]string, len(st.DependsOn))
		for j, dep := range st.DependsOn {
			dependsOn[j] = ids[dep]
		}
		steps[i] = Step{
			ID:         ids[i],
			Name:       st.StepName,
			Capability: st.Capability,
			Endpoint:   st.Endpoint,
			Parameters: substituteTopLevel(st.ParameterTemplate, params),
			DependsOn:  dependsOn,
			Priority:   st.Priority,
			MaxRetries: st.MaxRetries,
			Timeout:    st.TimeoutSeconds,
		}
	}

	return &DAG{TemplateName: templateName, Steps: steps}, nil
}

// substituteTopLevel walks tmpl and replaces any string value equal to
// exactly "{{params.key}}" with params[key]. Step-output placeholders
// ({{stepN...}}) are left untouched; those are the Parameter Resolver's
// job, applied only once the referenced step has completed.
func substituteTopLevel(tmpl map[string]interface{}, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(tmpl))
	for k, v := range tmpl {
		out[k] = substituteValue(v, params)
	}
	return out
}

func substituteValue(v interface{}, params map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if key, ok := paramPlaceholder(val); ok {
			if resolved, present := params[key]; present {
				return resolved
			}
			return val
		}
		return val
	case map[string]interface{}:
		return substituteTopLevel(val, params)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = substituteValue(e, params)
		}
		return out
	default:
		return val
	}
}

// paramPlaceholder reports whether s has the form "{{params.KEY}}" and,
// if so, returns KEY. Step-output references ("{{step1...}}") never
// match this prefix and pass through unchanged.
func paramPlaceholder(s string) (string, bool) {
	const prefix = "{{params."
	const suffix = "}}"
	if len(s) < len(prefix)+len(suffix) {
		return "", false
	}
	if s[:len(prefix)] != prefix || s[len(s)-len(suffix):] != suffix {
		return "", false
	}
	return s[len(prefix) : len(s)-len(suffix)], true
}

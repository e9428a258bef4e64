package template

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed templates/blog_post_campaign.yaml
var blogPostCampaignYAML []byte

//go:embed templates/content_analysis.yaml
var contentAnalysisYAML []byte

// BuiltinTemplates parses the embedded reference templates. These
// mirror the two hard-coded workflows the teacher's orchestrator
// recognized by name, expressed here as pure data rather than baked
// into control flow.
func BuiltinTemplates() ([]WorkflowTemplate, error) {
	raw := [][]byte{blogPostCampaignYAML, contentAnalysisYAML}
	out := make([]WorkflowTemplate, 0, len(raw))
	for _, r := range raw {
		var t WorkflowTemplate
		if err := yaml.Unmarshal(r, &t); err != nil {
			return nil, fmt.Errorf("parsing builtin template: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// NewBuiltinCatalog builds a Catalog pre-loaded with the builtin
// templates, for callers that don't need to supply their own set.
func NewBuiltinCatalog() (*Catalog, error) {
	templates, err := BuiltinTemplates()
	if err != nil {
		return nil, err
	}
	return NewCatalog(templates)
}

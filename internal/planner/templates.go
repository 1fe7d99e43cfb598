package planner

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opsflow/guardian/internal/plan"
)

//go:embed templates/*.yaml
var templateFS embed.FS

const genericSummaryLimit = 50

// TemplateOracle answers from built-in plan templates chosen by keyword. It
// needs no network access and is used when no model endpoint is configured.
type TemplateOracle struct {
	available map[string]bool
}

// NewTemplateOracle returns a template oracle. When tools are given, template
// steps naming an integration outside that set use the internal tool instead.
func NewTemplateOracle(tools ...string) *TemplateOracle {
	o := &TemplateOracle{}
	if len(tools) > 0 {
		o.available = make(map[string]bool, len(tools))
		for _, t := range tools {
			o.available[t] = true
		}
	}
	return o
}

func (*TemplateOracle) Name() string { return "template" }

// TemplateFor returns the template name a description maps to.
func TemplateFor(description string) string {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "vendor") && strings.Contains(d, "onboard"):
		return "vendor_onboarding"
	case strings.Contains(d, "employee") || (strings.Contains(d, "onboard") && strings.Contains(d, "engineer")):
		return "employee_onboarding"
	case strings.Contains(d, "incident") || strings.Contains(d, "outage") || strings.Contains(d, "critical"):
		return "incident_response"
	default:
		return "generic"
	}
}

// GeneratePlan renders the template as a fenced YAML block, the same shape a
// chatty model answer would have.
func (o *TemplateOracle) GeneratePlan(ctx context.Context, description string, _ map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := TemplateFor(description)
	raw, err := templateFS.ReadFile("templates/" + name + ".yaml")
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	o.mapTools(doc)
	if _, ok := doc["plan_summary"]; !ok {
		summary := description
		if r := []rune(summary); len(r) > genericSummaryLimit {
			summary = string(r[:genericSummaryLimit]) + "..."
		}
		doc["plan_summary"] = "Automated Workflow: " + summary
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return fmt.Sprintf("Plan generated from the %s template.\n```yaml\n%s```\n", name, out), nil
}

func (o *TemplateOracle) mapTools(doc map[string]any) {
	if o.available == nil {
		return
	}
	steps, _ := doc["steps"].([]any)
	for _, raw := range steps {
		st, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tools, _ := st["tool_integrations"].([]any)
		mapped := make([]any, 0, len(tools))
		seen := make(map[string]bool, len(tools))
		for _, t := range tools {
			name, _ := t.(string)
			if !o.available[name] {
				name = plan.DefaultTool
			}
			if !seen[name] {
				seen[name] = true
				mapped = append(mapped, name)
			}
		}
		st["tool_integrations"] = mapped
	}
}

package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultStepDuration     = 10
	DefaultTool             = "internal"
	DefaultSuccessCriterion = "step completes without error."
	DefaultRollback         = "Reverse any changes made in this step."
	FallbackMainStepName    = "Execute Main Task"
)

// Request is the automation request a plan is generated for.
type Request struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	OrgID       string         `json:"org_id,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Warning is a recoverable data-quality problem found while normalizing.
type Warning struct {
	Step    int    `json:"step,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Step > 0 {
		return fmt.Sprintf("step %d %s: %s", w.Step, w.Field, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

var stepRefPattern = regexp.MustCompile(`\d+`)

type candidateStep struct {
	declared int
	raw      map[string]any
}

// Normalize turns an untrusted candidate (decoded JSON or YAML) into a fully
// populated plan. Missing fields get deterministic defaults, bad dependency
// edges are dropped and reported, and derived plan fields are recomputed. A
// candidate without usable steps yields the generic fallback steps.
//
// The returned plan has no ID, timestamps or status; callers own those.
func Normalize(raw map[string]any, req Request) (*Plan, []Warning) {
	var warnings []Warning
	p := &Plan{
		RequestID:   req.ID,
		OrgID:       req.OrgID,
		RequestedBy: req.RequestedBy,
		Priority:    req.Priority,
		Source:      SourceOracle,
		Metadata:    map[string]string{},
	}

	p.Summary = firstString(raw, "plan_summary", "summary")
	if p.Summary == "" {
		p.Summary = "Automated workflow for: " + req.Description
	}
	p.ApprovalCheckpoints = stringList(firstValue(raw, "approval_checkpoints"))
	if c, ok := firstValue(raw, "contingency_plans", "contingency").(map[string]any); ok {
		p.Contingency.FailureScenarios = stringList(c["failure_scenarios"])
		p.Contingency.MitigationStrategies = stringList(c["mitigation_strategies"])
	}

	var candidates []candidateStep
	rawSteps, _ := firstValue(raw, "steps").([]any)
	for i, rs := range rawSteps {
		m, ok := asMap(rs)
		if !ok {
			warnings = append(warnings, Warning{Field: "steps", Message: fmt.Sprintf("entry %d is not an object, ignored", i+1)})
			continue
		}
		declared, ok := toInt(firstValue(m, "step_number", "ordinal", "order", "step"))
		if !ok || declared <= 0 {
			declared = i + 1
		}
		candidates = append(candidates, candidateStep{declared: declared, raw: m})
	}

	if len(candidates) == 0 {
		p.Steps = FallbackSteps(req.Description)
		p.Source = SourceFallback
		if len(p.Contingency.FailureScenarios) == 0 {
			p.Contingency = fallbackContingency()
		}
		p.Recompute()
		return p, warnings
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].declared < candidates[j].declared })

	renumber := make(map[int]int, len(candidates))
	for i, c := range candidates {
		if _, seen := renumber[c.declared]; !seen {
			renumber[c.declared] = i + 1
		}
	}

	p.Steps = make([]Step, 0, len(candidates))
	for i, c := range candidates {
		s, ws, defaulted, dropped := normalizeStep(c.raw, i+1, renumber)
		warnings = append(warnings, ws...)
		p.Quality.DefaultedFields += defaulted
		p.Quality.DroppedDependencies += dropped
		p.Steps = append(p.Steps, s)
	}

	p.Recompute()
	return p, warnings
}

func normalizeStep(m map[string]any, ordinal int, renumber map[int]int) (Step, []Warning, int, int) {
	var warnings []Warning
	defaulted := 0
	s := Step{Ordinal: ordinal, Status: StepPending}

	s.Name = firstString(m, "name", "title")
	if s.Name == "" {
		s.Name = fmt.Sprintf("Step %d", ordinal)
		defaulted++
	}
	s.Description = firstString(m, "description")
	if s.Description == "" {
		s.Description = s.Name
	}

	s.Tools = stringList(firstValue(m, "tool_integrations", "tools"))
	if len(s.Tools) == 0 {
		s.Tools = []string{DefaultTool}
		defaulted++
	}

	riskRaw := firstString(m, "risk_level", "risk")
	risk, ok := ParseRisk(riskRaw)
	if !ok {
		if riskRaw != "" {
			warnings = append(warnings, Warning{Step: ordinal, Field: "risk_level", Message: fmt.Sprintf("unknown risk %q, using medium", riskRaw)})
		}
		risk = RiskMedium
		defaulted++
	}
	s.Risk = risk

	if v, ok := firstValue(m, "requires_approval").(bool); ok {
		s.RequestedApproval = v
		s.RequiresApproval = v || risk == RiskHigh
	} else {
		s.RequiresApproval = risk == RiskHigh
	}
	s.Optional, _ = firstValue(m, "optional").(bool)

	d, ok := toInt(firstValue(m, "estimated_duration", "duration"))
	if !ok || d <= 0 {
		d = DefaultStepDuration
		defaulted++
	}
	s.EstimatedDuration = d

	s.SuccessCriterion = firstString(m, "success_criteria", "success_criterion")
	if s.SuccessCriterion == "" {
		s.SuccessCriterion = DefaultSuccessCriterion
		defaulted++
	}
	s.Rollback = firstString(m, "rollback_procedure", "rollback")
	if s.Rollback == "" {
		s.Rollback = DefaultRollback
		defaulted++
	}

	depsRaw := firstValue(m, "dependencies", "depends_on")
	if depsRaw == nil {
		// No list means no edges: the step only waits for what it names.
		s.Dependencies = []int{}
		return s, warnings, defaulted, 0
	}

	deps, ws, dropped := resolveDependencies(depsRaw, ordinal, renumber)
	s.Dependencies = deps
	warnings = append(warnings, ws...)
	return s, warnings, defaulted, dropped
}

func resolveDependencies(v any, ordinal int, renumber map[int]int) ([]int, []Warning, int) {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []int:
		for _, n := range t {
			items = append(items, n)
		}
	default:
		items = []any{t}
	}

	deps := []int{}
	seen := make(map[int]bool)
	var warnings []Warning
	dropped := 0
	for _, item := range items {
		ref, ok := toStepRef(item)
		if !ok {
			warnings = append(warnings, Warning{Step: ordinal, Field: "dependencies", Message: fmt.Sprintf("unparseable reference %v dropped", item)})
			dropped++
			continue
		}
		target, ok := renumber[ref]
		if !ok {
			warnings = append(warnings, Warning{Step: ordinal, Field: "dependencies", Message: fmt.Sprintf("reference to unknown step %d dropped", ref)})
			dropped++
			continue
		}
		if target >= ordinal {
			warnings = append(warnings, Warning{Step: ordinal, Field: "dependencies", Message: fmt.Sprintf("forward or self reference to step %d dropped", target)})
			dropped++
			continue
		}
		if seen[target] {
			continue
		}
		seen[target] = true
		deps = append(deps, target)
	}
	sort.Ints(deps)
	return deps, warnings, dropped
}

// FallbackSteps is the generic initialize → execute → finalize plan used
// whenever no usable steps could be recovered.
func FallbackSteps(description string) []Step {
	if strings.TrimSpace(description) == "" {
		description = "Perform the requested automation"
	}
	return []Step{
		{
			Ordinal:           1,
			Name:              "Initialize Workflow",
			Description:       "Set up workflow environment and validate inputs",
			Tools:             []string{DefaultTool},
			Risk:              RiskLow,
			EstimatedDuration: 5,
			Dependencies:      []int{},
			SuccessCriterion:  "Workflow environment ready",
			Rollback:          "Clean up any initialized resources",
			Status:            StepPending,
		},
		{
			Ordinal:           2,
			Name:              FallbackMainStepName,
			Description:       description,
			Tools:             []string{DefaultTool},
			Risk:              RiskMedium,
			RequiresApproval:  true,
			RequestedApproval: true,
			EstimatedDuration: 20,
			Dependencies:      []int{1},
			SuccessCriterion:  "Main task completed successfully",
			Rollback:          "Undo main task changes",
			Status:            StepPending,
		},
		{
			Ordinal:           3,
			Name:              "Finalize and Report",
			Description:       "Complete workflow and notify stakeholders",
			Tools:             []string{DefaultTool},
			Risk:              RiskLow,
			EstimatedDuration: 5,
			Dependencies:      []int{2},
			SuccessCriterion:  "Notifications sent successfully",
			Rollback:          "Send error notification if needed",
			Status:            StepPending,
		},
	}
}

func fallbackContingency() Contingency {
	return Contingency{
		FailureScenarios:     []string{"API failures", "Permission errors", "Data validation errors"},
		MitigationStrategies: []string{"Retry with backoff", "Verify permissions", "Validate data before processing"},
	}
}

func firstValue(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s := strings.TrimSpace(fmt.Sprint(item))
			if item != nil && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(math.Round(t)), true
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return int(math.Round(n)), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// toStepRef accepts numbers and strings such as "2" or "Step 2: Review".
func toStepRef(v any) (int, bool) {
	if s, ok := v.(string); ok {
		m := stepRefPattern.FindString(s)
		if m == "" {
			return 0, false
		}
		n, err := strconv.Atoi(m)
		return n, err == nil
	}
	return toInt(v)
}

package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/policy"
)

type fakeOracle struct {
	mu       sync.Mutex
	output   string
	err      error
	panicMsg string
	calls    []string
	ctxSeen  map[string]any
}

func (f *fakeOracle) Name() string { return "fake" }

func (f *fakeOracle) GeneratePlan(_ context.Context, description string, reqContext map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, description)
	f.ctxSeen = reqContext
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.output, f.err
}

func fixedClock() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

func TestGenerateValidated(t *testing.T) {
	oracle := &fakeOracle{output: "Here you go:\n```json\n" + `{
		"plan_summary": "Send contract",
		"steps": [{"step_number": 1, "name": "Send contract", "risk_level": "high", "tool_integrations": ["docusign"]}]
	}` + "\n```"}
	g := NewGenerator(oracle, WithClock(fixedClock))

	out := g.Generate(context.Background(), plan.Request{
		Description: "send contract to vendor",
		RequestedBy: "alice",
		Priority:    "high",
		Context:     map[string]any{"vendor": "acme"},
	})
	require.NotNil(t, out.Plan)
	assert.Equal(t, Validated, out.Kind)
	assert.NoError(t, out.Cause)

	p := out.Plan
	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.RequestID)
	assert.Equal(t, fixedClock(), p.CreatedAt)
	assert.Equal(t, plan.SourceOracle, p.Source)
	assert.True(t, p.Steps[0].RequiresApproval)
	assert.True(t, p.RequiresHumanApproval)
	assert.Equal(t, plan.RiskHigh, p.OverallRisk)
	assert.Equal(t, "fake", p.Metadata[MetaOracle])
	assert.Equal(t, "send contract to vendor", p.Metadata[MetaRequest])
	assert.Contains(t, p.Metadata[MetaRawOutput], "Send contract")

	assert.Equal(t, "acme", oracle.ctxSeen["vendor"])
	assert.Equal(t, "alice", oracle.ctxSeen["requested_by"])
}

func TestGenerateFallbacks(t *testing.T) {
	tests := []struct {
		name          string
		oracle        *fakeOracle
		oracleFailure bool
	}{
		{"transport error", &fakeOracle{err: errors.New("dial tcp: i/o timeout")}, true},
		{"auth error", &fakeOracle{err: context.DeadlineExceeded}, true},
		{"unparsable text", &fakeOracle{output: "I could not come up with a plan, sorry."}, false},
		{"no steps", &fakeOracle{output: `{"plan_summary": "empty", "steps": []}`}, false},
		{"panic", &fakeOracle{panicMsg: "boom"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := NewGenerator(tc.oracle).Generate(context.Background(), plan.Request{Description: "archive old tickets"})
			require.NotNil(t, out.Plan)
			assert.Equal(t, Fallback, out.Kind)
			assert.Error(t, out.Cause)
			assert.Equal(t, tc.oracleFailure, IsOracleFailure(out.Cause))

			p := out.Plan
			require.Len(t, p.Steps, 3)
			assert.Equal(t, plan.FallbackMainStepName, p.Steps[1].Name)
			assert.Equal(t, "archive old tickets", p.Steps[1].Description)
			assert.Contains(t, []plan.Risk{plan.RiskLow, plan.RiskMedium}, p.OverallRisk)
			for _, s := range p.Steps {
				for _, d := range s.Dependencies {
					assert.Less(t, d, s.Ordinal)
				}
			}
		})
	}
}

func TestGenerateNilOracle(t *testing.T) {
	out := NewGenerator(nil).Generate(context.Background(), plan.Request{Description: "x"})
	assert.Equal(t, Fallback, out.Kind)
	assert.Equal(t, "none", out.Plan.Metadata[MetaOracle])
}

func TestGenerateAppliesOrgPolicy(t *testing.T) {
	oracle := &fakeOracle{output: `{"steps": [{"name": "Post update", "risk_level": "medium", "dependencies": [],
		"tool_integrations": ["slack"], "estimated_duration": 5, "success_criteria": "posted", "rollback_procedure": "delete"}]}`}
	policies := policy.NewStatic(map[string]policy.OrgConfig{
		"cautious": {RiskTolerance: "low"},
		"relaxed":  {Industry: "technology"},
	})
	g := NewGenerator(oracle, WithPolicies(policies))

	cautious := g.Generate(context.Background(), plan.Request{Description: "post", OrgID: "cautious"})
	assert.InDelta(t, 0.95, cautious.Plan.Confidence, 1e-9)
	assert.True(t, cautious.Plan.Steps[0].RequiresApproval)

	relaxed := g.Generate(context.Background(), plan.Request{Description: "post", OrgID: "relaxed"})
	assert.False(t, relaxed.Plan.Steps[0].RequiresApproval)
}

func TestGenerateReportsWarnings(t *testing.T) {
	oracle := &fakeOracle{output: `{"steps": [{"name": "a"}, {"name": "b", "dependencies": [7]}]}`}
	out := NewGenerator(oracle).Generate(context.Background(), plan.Request{Description: "x"})
	assert.Equal(t, Validated, out.Kind)
	require.Len(t, out.Warnings, 1)
	assert.Equal(t, 1, out.Plan.Quality.DroppedDependencies)
}

func TestGenerateWithTemplateOracle(t *testing.T) {
	out := NewGenerator(NewTemplateOracle()).Generate(context.Background(),
		plan.Request{Description: "Onboard new vendor Acme Corp"})
	require.Equal(t, Validated, out.Kind, "cause: %v", out.Cause)
	p := out.Plan
	assert.Equal(t, "Automated Vendor Onboarding Workflow", p.Summary)
	require.Len(t, p.Steps, 3)
	assert.Equal(t, []int{1}, p.Steps[2].Dependencies)
	assert.True(t, p.Steps[2].RequiresApproval)
	assert.Equal(t, plan.RiskHigh, p.OverallRisk)
	assert.Equal(t, 45, p.EstimatedDuration)
	assert.Equal(t, "template", p.Metadata[MetaOracle])
}

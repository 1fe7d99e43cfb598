// Package policy maps step risk, plan confidence and organization
// configuration to approval requirements. Every function here is pure: the
// same inputs always give the same answer, so a plan can be re-evaluated
// when an organization changes its policy before approval.
package policy

import (
	"math"
	"strings"

	"github.com/opsflow/guardian/internal/plan"
)

// Tolerance is an organization's appetite for unattended risk.
type Tolerance string

const (
	ToleranceVeryLow Tolerance = "very_low"
	ToleranceLow     Tolerance = "low"
	ToleranceMedium  Tolerance = "medium"
	ToleranceHigh    Tolerance = "high"
)

func (t Tolerance) IsValid() bool {
	switch t {
	case ToleranceVeryLow, ToleranceLow, ToleranceMedium, ToleranceHigh:
		return true
	default:
		return false
	}
}

// Conservative reports whether the organization wants every step reviewed.
func (t Tolerance) Conservative() bool {
	return t == ToleranceLow || t == ToleranceVeryLow
}

func ParseTolerance(s string) (Tolerance, bool) {
	t := Tolerance(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	return t, t.IsValid()
}

const (
	DefaultConfidenceThreshold = 0.8
	DefaultTolerance           = ToleranceMedium
)

type OrgPolicy struct {
	ConfidenceThreshold float64   `json:"confidence_threshold" yaml:"confidence_threshold"`
	RiskTolerance       Tolerance `json:"risk_tolerance" yaml:"risk_tolerance"`
}

// Default is the conservative policy used when an organization has none.
func Default() OrgPolicy {
	return OrgPolicy{ConfidenceThreshold: DefaultConfidenceThreshold, RiskTolerance: DefaultTolerance}
}

// Sanitize clamps the threshold to [0,1] and replaces an unknown tolerance
// with the default.
func (p OrgPolicy) Sanitize() OrgPolicy {
	if math.IsNaN(p.ConfidenceThreshold) {
		p.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	p.ConfidenceThreshold = math.Max(0, math.Min(1, p.ConfidenceThreshold))
	if !p.RiskTolerance.IsValid() {
		p.RiskTolerance = DefaultTolerance
	}
	return p
}

// Classify decides whether a step needs human sign-off. A step requires
// approval when its risk is high, when it is medium risk and the plan's
// confidence is below the organization threshold, or when the organization
// is conservative regardless of step risk.
func Classify(step plan.Step, confidence float64, pol OrgPolicy) (plan.Risk, bool) {
	risk := step.Risk
	if !risk.IsValid() {
		risk = plan.RiskMedium
	}
	switch {
	case risk == plan.RiskHigh:
		return risk, true
	case risk == plan.RiskMedium && confidence < pol.ConfidenceThreshold:
		return risk, true
	case pol.RiskTolerance.Conservative():
		return risk, true
	default:
		return risk, false
	}
}

// Aggregate returns the highest step risk; an empty list is low risk.
func Aggregate(steps []plan.Step) plan.Risk {
	risk := plan.RiskLow
	for _, s := range steps {
		risk = risk.Max(s.Risk)
	}
	return risk
}

// Penalties used by Confidence.
const (
	highStepPenalty       = 0.15
	mediumStepPenalty     = 0.05
	fallbackPenalty       = 0.30
	droppedEdgePenalty    = 0.05
	defaultedFieldPenalty = 0.01
)

// Confidence scores how much the generated plan can be trusted to run
// without review, from 0 to 1. It depends only on step risks and on how much
// repair the validator had to do, never on approval flags, so it can feed
// Classify without circularity.
func Confidence(p *plan.Plan) float64 {
	score := 1.0
	for _, s := range p.Steps {
		switch s.Risk {
		case plan.RiskHigh:
			score -= highStepPenalty
		case plan.RiskMedium:
			score -= mediumStepPenalty
		}
	}
	if p.Source == plan.SourceFallback {
		score -= fallbackPenalty
	}
	score -= droppedEdgePenalty * float64(p.Quality.DroppedDependencies)
	score -= defaultedFieldPenalty * float64(p.Quality.DefaultedFields)
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*100) / 100
}

// Apply scores the plan, classifies every step against the policy and
// recomputes the derived plan fields. An explicit approval request from the
// oracle is always honoured.
func Apply(p *plan.Plan, pol OrgPolicy) {
	pol = pol.Sanitize()
	p.Confidence = Confidence(p)
	for i := range p.Steps {
		risk, required := Classify(p.Steps[i], p.Confidence, pol)
		p.Steps[i].Risk = risk
		p.Steps[i].RequiresApproval = required || p.Steps[i].RequestedApproval
	}
	p.Recompute()
}

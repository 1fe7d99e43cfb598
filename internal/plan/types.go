// Package plan defines the workflow plan and step model, its status
// transition tables and the validator that turns untrusted candidate data
// into a complete plan.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Rank orders risks low < medium < high. Unknown values rank below low.
func (r Risk) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

func (r Risk) IsValid() bool { return r.Rank() > 0 }

// Max returns the higher of two risks.
func (r Risk) Max(other Risk) Risk {
	if other.Rank() > r.Rank() {
		return other
	}
	return r
}

// ParseRisk accepts any casing and surrounding whitespace.
func ParseRisk(s string) (Risk, bool) {
	r := Risk(strings.ToLower(strings.TrimSpace(s)))
	return r, r.IsValid()
}

// Status is the lifecycle state of a plan.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether a plan may move from s to target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPendingApproval:
		// running: resumed on the strength of step-level grants
		return target == StatusApproved || target == StatusRunning || target == StatusCancelled
	case StatusApproved:
		// pending_approval: policy re-evaluation before anything ran
		return target == StatusRunning || target == StatusPendingApproval || target == StatusCancelled
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed ||
			target == StatusPendingApproval || target == StatusCancelled
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) String() string { return string(s) }

func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	switch s {
	case StepPending:
		return target == StepRunning || target == StepSkipped
	case StepRunning:
		// back to pending when the engine stopped mid-dispatch
		return target == StepCompleted || target == StepFailed || target == StepPending
	default:
		return false
	}
}

// ErrInvalidTransition is returned for any status change outside the
// transition tables.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError describes a rejected status change.
type TransitionError struct {
	Resource string
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot transition from %s to %s", e.Resource, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Source records whether a plan came from oracle output or the fallback path.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Grant is a human approval decision.
type Grant struct {
	Approver  string    `json:"approver"`
	Notes     string    `json:"notes,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// Quality counts the repairs the validator had to make. It feeds the
// confidence score.
type Quality struct {
	DefaultedFields     int `json:"defaulted_fields"`
	DroppedDependencies int `json:"dropped_dependencies"`
}

type Contingency struct {
	FailureScenarios     []string `json:"failure_scenarios,omitempty"`
	MitigationStrategies []string `json:"mitigation_strategies,omitempty"`
}

type Step struct {
	Ordinal           int            `json:"ordinal"`
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	Tools             []string       `json:"tools"`
	Risk              Risk           `json:"risk"`
	RequiresApproval  bool           `json:"requires_approval"`
	RequestedApproval bool           `json:"requested_approval,omitempty"`
	Optional          bool           `json:"optional,omitempty"`
	EstimatedDuration int            `json:"estimated_duration"`
	Dependencies      []int          `json:"dependencies"`
	SuccessCriterion  string         `json:"success_criterion"`
	Rollback          string         `json:"rollback"`
	Status            StepStatus     `json:"status"`
	Result            map[string]any `json:"result,omitempty"`
	Error             string         `json:"error,omitempty"`
	Attempts          int            `json:"attempts,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// DependsOn reports whether ordinal is a direct dependency of the step.
func (s *Step) DependsOn(ordinal int) bool {
	for _, d := range s.Dependencies {
		if d == ordinal {
			return true
		}
	}
	return false
}

type Plan struct {
	ID                    string            `json:"id"`
	RequestID             string            `json:"request_id"`
	OrgID                 string            `json:"org_id,omitempty"`
	RequestedBy           string            `json:"requested_by,omitempty"`
	Priority              string            `json:"priority,omitempty"`
	Summary               string            `json:"summary"`
	OverallRisk           Risk              `json:"overall_risk"`
	EstimatedDuration     int               `json:"estimated_duration"`
	Steps                 []Step            `json:"steps"`
	RequiresHumanApproval bool              `json:"requires_human_approval"`
	Status                Status            `json:"status"`
	Source                Source            `json:"source"`
	Confidence            float64           `json:"confidence"`
	Quality               Quality           `json:"quality"`
	Approval              *Grant            `json:"approval,omitempty"`
	StepApprovals         map[int]Grant     `json:"step_approvals,omitempty"`
	ApprovalCheckpoints   []string          `json:"approval_checkpoints,omitempty"`
	Contingency           Contingency       `json:"contingency"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	CancelReason          string            `json:"cancel_reason,omitempty"`
	StaleSince            *time.Time        `json:"stale_since,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	FinishedAt            *time.Time        `json:"finished_at,omitempty"`
	Duration              time.Duration     `json:"duration,omitempty"`
}

// Step returns the step with the given ordinal.
func (p *Plan) Step(ordinal int) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].Ordinal == ordinal {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Recompute derives the plan-level fields from the steps. Candidate values
// for these fields are never trusted.
func (p *Plan) Recompute() {
	total := 0
	risk := RiskLow
	approval := false
	for _, s := range p.Steps {
		total += s.EstimatedDuration
		risk = risk.Max(s.Risk)
		approval = approval || s.RequiresApproval
	}
	p.EstimatedDuration = total
	p.OverallRisk = risk
	p.RequiresHumanApproval = approval
}

// StepApproved reports whether the step may run with respect to approvals:
// either it needs none, the whole plan was approved, or the step itself was.
func (p *Plan) StepApproved(ordinal int) bool {
	s, ok := p.Step(ordinal)
	if !ok {
		return false
	}
	if !s.RequiresApproval || p.Approval != nil {
		return true
	}
	_, ok = p.StepApprovals[ordinal]
	return ok
}

// SetStatus applies a plan status change if the transition table allows it.
func (p *Plan) SetStatus(target Status, now time.Time) error {
	if p.Status == target {
		return nil
	}
	if !p.Status.CanTransitionTo(target) {
		return &TransitionError{Resource: "plan " + p.ID, From: string(p.Status), To: string(target)}
	}
	p.Status = target
	p.UpdatedAt = now
	return nil
}

// SetStepStatus applies a step status change if the transition table allows
// it and stamps start/finish times.
func (p *Plan) SetStepStatus(ordinal int, target StepStatus, now time.Time) error {
	s, ok := p.Step(ordinal)
	if !ok {
		return fmt.Errorf("plan %s: step %d not found", p.ID, ordinal)
	}
	if !s.Status.CanTransitionTo(target) {
		return &TransitionError{
			Resource: fmt.Sprintf("plan %s step %d", p.ID, ordinal),
			From:     string(s.Status),
			To:       string(target),
		}
	}
	s.Status = target
	t := now
	switch target {
	case StepRunning:
		s.StartedAt = &t
	case StepPending:
		s.StartedAt = nil
	}
	if target.IsTerminal() {
		s.FinishedAt = &t
	}
	p.UpdatedAt = now
	return nil
}

// Progress is the share of steps that reached a terminal status, 0-100.
func (p *Plan) Progress() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	done := 0
	for _, s := range p.Steps {
		if s.Status.IsTerminal() {
			done++
		}
	}
	return float64(done) * 100 / float64(len(p.Steps))
}

// Clone returns a deep copy so snapshots never alias live engine state.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.Tools = append([]string(nil), s.Tools...)
		if s.Dependencies != nil {
			s.Dependencies = append(make([]int, 0, len(s.Dependencies)), s.Dependencies...)
		}
		if s.Result != nil {
			r := make(map[string]any, len(s.Result))
			for k, v := range s.Result {
				r[k] = v
			}
			s.Result = r
		}
		s.StartedAt = cloneTime(s.StartedAt)
		s.FinishedAt = cloneTime(s.FinishedAt)
		c.Steps[i] = s
	}
	if p.Approval != nil {
		g := *p.Approval
		c.Approval = &g
	}
	if p.StepApprovals != nil {
		c.StepApprovals = make(map[int]Grant, len(p.StepApprovals))
		for k, v := range p.StepApprovals {
			c.StepApprovals[k] = v
		}
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ApprovalCheckpoints = append([]string(nil), p.ApprovalCheckpoints...)
	c.Contingency.FailureScenarios = append([]string(nil), p.Contingency.FailureScenarios...)
	c.Contingency.MitigationStrategies = append([]string(nil), p.Contingency.MitigationStrategies...)
	c.StaleSince = cloneTime(p.StaleSince)
	c.StartedAt = cloneTime(p.StartedAt)
	c.FinishedAt = cloneTime(p.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

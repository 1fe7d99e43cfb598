package engine

import (
	"context"
	"time"

	"github.com/opsflow/guardian/internal/plan"
)

// StepState is the per-step view returned by GetPlanStatus.
type StepState struct {
	Ordinal          int             `json:"ordinal"`
	Name             string          `json:"name"`
	Status           plan.StepStatus `json:"status"`
	Risk             plan.Risk       `json:"risk"`
	RequiresApproval bool            `json:"requires_approval"`
	Approved         bool            `json:"approved"`
	Attempts         int             `json:"attempts,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// PlanStatus summarizes execution progress for callers that do not need the
// whole plan document.
type PlanStatus struct {
	PlanID           string      `json:"plan_id"`
	Status           plan.Status `json:"status"`
	Progress         float64     `json:"progress"`
	Steps            []StepState `json:"steps"`
	AwaitingApproval []int       `json:"awaiting_approval,omitempty"`
	Stale            bool        `json:"stale"`
	CancelReason     string      `json:"cancel_reason,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (e *Engine) GetPlanStatus(ctx context.Context, id string) (*PlanStatus, error) {
	p, err := e.Plan(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &PlanStatus{
		PlanID:       p.ID,
		Status:       p.Status,
		Progress:     p.Progress(),
		Steps:        make([]StepState, 0, len(p.Steps)),
		Stale:        p.StaleSince != nil,
		CancelReason: p.CancelReason,
		UpdatedAt:    p.UpdatedAt,
	}
	for _, s := range p.Steps {
		st.Steps = append(st.Steps, StepState{
			Ordinal:          s.Ordinal,
			Name:             s.Name,
			Status:           s.Status,
			Risk:             s.Risk,
			RequiresApproval: s.RequiresApproval,
			Approved:         s.RequiresApproval && p.StepApproved(s.Ordinal),
			Attempts:         s.Attempts,
			Error:            s.Error,
		})
	}
	if !p.Status.IsTerminal() {
		if waiting := ungranted(p); len(waiting) > 0 {
			st.AwaitingApproval = waiting
		}
	}
	return st, nil
}

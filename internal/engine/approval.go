package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/opsflow/guardian/internal/actor"
	"github.com/opsflow/guardian/internal/audit"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/policy"
)

// authorize returns the deciding actor, or ErrNotAuthorized when an
// approver list is configured and the actor is not on it.
func (e *Engine) authorize(ctx context.Context) (string, error) {
	who := actor.OrSystem(ctx)
	if len(e.approvers) > 0 && !e.approvers[actor.Actor(ctx)] {
		return who, ErrNotAuthorized
	}
	return who, nil
}

// Approve grants plan-level approval, which satisfies every gated step.
// Approving an already approved plan is a no-op.
func (e *Engine) Approve(ctx context.Context, id, notes string) (*plan.Plan, error) {
	who, err := e.authorize(ctx)
	if err != nil {
		return nil, err
	}
	p, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		switch p.Status {
		case plan.StatusPendingApproval, plan.StatusApproved, plan.StatusRunning:
		default:
			return &plan.TransitionError{Resource: "plan " + id, From: string(p.Status), To: string(plan.StatusApproved)}
		}
		if p.Approval != nil {
			return errUnchanged
		}
		from := p.Status
		p.Approval = &plan.Grant{Approver: who, Notes: notes, GrantedAt: c.now}
		p.StaleSince = nil
		p.UpdatedAt = c.now
		if p.Status == plan.StatusPendingApproval && p.StartedAt == nil {
			if err := p.SetStatus(plan.StatusApproved, c.now); err != nil {
				return err
			}
		}
		ev := planEvent(p, audit.ApprovalGranted, who, "plan approved")
		ev.OldValues = map[string]any{"status": string(from)}
		ev.NewValues = map[string]any{"status": string(p.Status), "approver": who}
		if notes != "" {
			ev.NewValues["notes"] = notes
		}
		c.emit(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan approved", "plan_id", id, "approver", who)
	e.resume(ctx, p)
	return p, nil
}

// ApproveStep grants approval for one pending step only.
func (e *Engine) ApproveStep(ctx context.Context, id string, ordinal int, notes string) (*plan.Plan, error) {
	who, err := e.authorize(ctx)
	if err != nil {
		return nil, err
	}
	p, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		if p.Status.IsTerminal() {
			return &plan.TransitionError{Resource: "plan " + id, From: string(p.Status), To: string(plan.StatusRunning)}
		}
		s, ok := p.Step(ordinal)
		if !ok {
			return fmt.Errorf("plan %s: step %d: %w", id, ordinal, ErrStepNotFound)
		}
		if s.Status != plan.StepPending {
			return &plan.TransitionError{
				Resource: fmt.Sprintf("plan %s step %d", id, ordinal),
				From:     string(s.Status),
				To:       "approved",
			}
		}
		if _, done := p.StepApprovals[ordinal]; done {
			return errUnchanged
		}
		if p.StepApprovals == nil {
			p.StepApprovals = make(map[int]plan.Grant)
		}
		p.StepApprovals[ordinal] = plan.Grant{Approver: who, Notes: notes, GrantedAt: c.now}
		p.UpdatedAt = c.now
		ev := stepEvent(p, s, audit.StepApprovalGranted, who, fmt.Sprintf("step %d (%s) approved", s.Ordinal, s.Name))
		ev.NewValues = map[string]any{"approver": who, "requires_approval": s.RequiresApproval}
		if notes != "" {
			ev.NewValues["notes"] = notes
		}
		c.emit(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("step approved", "plan_id", id, "step", ordinal, "approver", who)
	e.resume(ctx, p)
	return p, nil
}

func (e *Engine) resume(ctx context.Context, p *plan.Plan) {
	if !e.resumeOnApproval || p.Status.IsTerminal() {
		return
	}
	if err := e.StartExecution(ctx, p.ID); err != nil {
		e.logger.Warn("resume after approval failed", "plan_id", p.ID, "error", err)
	}
}

// Reject refuses a plan that has not started and cancels it.
func (e *Engine) Reject(ctx context.Context, id, reason string) (*plan.Plan, error) {
	who, err := e.authorize(ctx)
	if err != nil {
		return nil, err
	}
	p, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		if (p.Status != plan.StatusPendingApproval && p.Status != plan.StatusApproved) || p.StartedAt != nil {
			return &plan.TransitionError{Resource: "plan " + id, From: string(p.Status), To: string(plan.StatusCancelled)}
		}
		ev := planEvent(p, audit.ApprovalRejected, who, "plan rejected")
		ev.Success = false
		ev.Error = reason
		ev.OldValues = map[string]any{"status": string(p.Status)}
		c.emit(ev)
		return e.cancelPlan(c, who, "rejected: "+reason)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan rejected", "plan_id", id, "actor", who, "reason", reason)
	return p, nil
}

// Cancel stops a plan. Steps that have not started are skipped; a step
// already running finishes, but nothing after it is dispatched.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*plan.Plan, error) {
	who := actor.OrSystem(ctx)
	p, err := e.update(ctx, id, func(c *change) error {
		if c.plan.Status.IsTerminal() {
			return &plan.TransitionError{Resource: "plan " + id, From: string(c.plan.Status), To: string(plan.StatusCancelled)}
		}
		return e.cancelPlan(c, who, reason)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan cancelled", "plan_id", id, "actor", who, "reason", reason)
	return p, nil
}

func (e *Engine) cancelPlan(c *change, who, reason string) error {
	p := c.plan
	from := string(p.Status)
	for i := range p.Steps {
		if p.Steps[i].Status == plan.StepPending {
			e.skipStep(c, &p.Steps[i], "plan cancelled")
		}
	}
	if err := e.finishPlan(c, plan.StatusCancelled); err != nil {
		return err
	}
	p.CancelReason = reason
	ev := planEvent(p, audit.PlanCancelled, who, "plan cancelled")
	if reason != "" {
		ev.Description += ": " + reason
	}
	ev.OldValues = map[string]any{"status": from}
	ev.NewValues = map[string]any{"status": string(p.Status), "reason": reason}
	c.emit(ev)
	return nil
}

// Reevaluate reapplies the organization's current policy to a plan that has
// not started. Steps that no longer need approval become runnable; newly
// gated steps without a grant send the plan back to pending_approval.
func (e *Engine) Reevaluate(ctx context.Context, id string) (*plan.Plan, error) {
	who := actor.OrSystem(ctx)
	return e.update(ctx, id, func(c *change) error {
		p := c.plan
		if p.StartedAt != nil {
			return fmt.Errorf("plan %s: %w", id, ErrAlreadyStarted)
		}
		if p.Status != plan.StatusPendingApproval && p.Status != plan.StatusApproved {
			return &plan.TransitionError{Resource: "plan " + id, From: string(p.Status), To: string(plan.StatusPendingApproval)}
		}
		pol := policy.Resolve(ctx, e.policies, p.OrgID, e.logger)

		old := map[string]any{
			"status":                  string(p.Status),
			"confidence":              p.Confidence,
			"overall_risk":            string(p.OverallRisk),
			"requires_human_approval": p.RequiresHumanApproval,
			"gated_steps":             gatedSteps(p),
		}
		policy.Apply(p, pol)

		target := plan.StatusApproved
		if p.RequiresHumanApproval && p.Approval == nil && len(ungranted(p)) > 0 {
			target = plan.StatusPendingApproval
		}
		if err := p.SetStatus(target, c.now); err != nil {
			return err
		}
		p.UpdatedAt = c.now
		if target != plan.StatusPendingApproval {
			p.StaleSince = nil
		}

		ev := planEvent(p, audit.PlanReevaluated, who, "plan re-evaluated against current policy")
		ev.OldValues = old
		ev.NewValues = map[string]any{
			"status":                  string(p.Status),
			"confidence":              p.Confidence,
			"overall_risk":            string(p.OverallRisk),
			"requires_human_approval": p.RequiresHumanApproval,
			"gated_steps":             gatedSteps(p),
			"risk_tolerance":          string(pol.RiskTolerance),
			"confidence_threshold":    pol.ConfidenceThreshold,
		}
		c.emit(ev)
		return nil
	})
}

// MarkStale flags a plan that has waited for approval since before cutoff.
// It reports whether the plan was newly marked; the status never changes.
func (e *Engine) MarkStale(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	marked := false
	_, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		if p.Status != plan.StatusPendingApproval || p.StaleSince != nil || !waitingSince(p).Before(cutoff) {
			return errUnchanged
		}
		t := c.now
		p.StaleSince = &t
		ev := planEvent(p, audit.ApprovalStale, actor.System, "approval overdue")
		ev.Success = false
		ev.NewValues = map[string]any{
			"waiting_since": waitingSince(p).UTC().Format(time.RFC3339),
			"waiting_steps": ungranted(p),
		}
		c.emit(ev)
		marked = true
		return nil
	})
	return marked, err
}

// waitingSince is when the plan last entered pending_approval.
func waitingSince(p *plan.Plan) time.Time {
	if p.StartedAt != nil {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

func gatedSteps(p *plan.Plan) []int {
	out := []int{}
	for _, s := range p.Steps {
		if s.RequiresApproval {
			out = append(out, s.Ordinal)
		}
	}
	return out
}

// ungranted lists pending steps still blocked on approval.
func ungranted(p *plan.Plan) []int {
	out := []int{}
	for _, s := range p.Steps {
		if s.Status == plan.StepPending && !p.StepApproved(s.Ordinal) {
			out = append(out, s.Ordinal)
		}
	}
	return out
}

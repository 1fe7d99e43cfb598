package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsflow/guardian/internal/actor"
	"github.com/opsflow/guardian/internal/agents"
	"github.com/opsflow/guardian/internal/audit"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/toolkit"
)

// run tracks the single execution loop of one plan. rerun is set when a
// start request arrives while the loop is active, so a decision made just
// before the loop settled is not lost.
type run struct {
	done  chan struct{}
	rerun bool
}

// StartExecution begins or resumes the plan's execution loop in the
// background. It is idempotent: a plan that already has an active loop is
// not started twice.
func (e *Engine) StartExecution(ctx context.Context, id string) error {
	p, err := e.Plan(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if r, ok := e.active[id]; ok {
		r.rerun = true
		return nil
	}
	if p.Status.IsTerminal() {
		return &plan.TransitionError{Resource: "plan " + id, From: string(p.Status), To: string(plan.StatusRunning)}
	}
	if p.Status == plan.StatusPendingApproval && p.Approval == nil && len(p.StepApprovals) == 0 && p.StartedAt == nil {
		return fmt.Errorf("plan %s: %w", id, ErrApprovalRequired)
	}

	r := &run{done: make(chan struct{})}
	e.active[id] = r
	e.wg.Add(1)
	go e.drive(id, r)
	return nil
}

// Wait blocks until the plan has no active loop and returns its state.
func (e *Engine) Wait(ctx context.Context, id string) (*plan.Plan, error) {
	e.mu.Lock()
	r := e.active[id]
	e.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.Plan(ctx, id)
}

// Execute runs the plan until it completes, fails or stops at an approval
// gate, and returns the resulting state.
func (e *Engine) Execute(ctx context.Context, id string) (*plan.Plan, error) {
	if err := e.StartExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

func (e *Engine) drive(id string, r *run) {
	defer e.wg.Done()
	ctx := e.ctx
	logger := e.logger.With("plan_id", id)

	finish, err := e.agents.Begin(ctx, agents.RoleExecutor)
	if err != nil {
		logger.Warn("agent status update failed", "role", agents.RoleExecutor, "error", err)
		finish = func(error) {}
	}

	var loopErr error
	for {
		loopErr = e.execute(ctx, id)
		e.mu.Lock()
		if r.rerun && loopErr == nil && ctx.Err() == nil {
			r.rerun = false
			e.mu.Unlock()
			continue
		}
		delete(e.active, id)
		e.mu.Unlock()
		break
	}
	defer close(r.done)

	if loopErr != nil && ctx.Err() != nil {
		logger.Info("execution interrupted", "error", loopErr)
		if err := e.agents.Release(ctx, agents.RoleExecutor); err != nil {
			logger.Warn("agent status update failed", "role", agents.RoleExecutor, "error", err)
		}
		return
	}
	if loopErr != nil {
		logger.Error("execution loop stopped", "error", loopErr)
		finish(loopErr)
		return
	}
	p, err := e.repo.Get(context.WithoutCancel(ctx), id)
	if err == nil && p.Status == plan.StatusFailed {
		finish(fmt.Errorf("plan %s failed", id))
		return
	}
	finish(nil)
}

// execute drives the plan wave by wave: every pending step whose
// dependencies completed and whose approval is satisfied runs, independent
// steps concurrently. It returns once nothing more can run.
func (e *Engine) execute(ctx context.Context, id string) error {
	for {
		var (
			ready    []int
			finished bool
		)
		_, err := e.update(ctx, id, func(c *change) error {
			p := c.plan
			if p.Status.IsTerminal() {
				finished = true
				return errUnchanged
			}
			e.skipBlocked(c)
			ready = readySteps(p)
			if len(ready) == 0 {
				finished = true
				return e.settle(c)
			}
			if p.Status != plan.StatusRunning {
				from := p.Status
				if err := p.SetStatus(plan.StatusRunning, c.now); err != nil {
					return err
				}
				ev := planEvent(p, audit.PlanStarted, actor.System, "execution started")
				if p.StartedAt == nil {
					t := c.now
					p.StartedAt = &t
				} else {
					ev.Description = "execution resumed"
				}
				ev.OldValues = map[string]any{"status": string(from)}
				ev.NewValues = map[string]any{"status": string(plan.StatusRunning), "ready_steps": ready}
				c.emit(ev)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if finished {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.maxParallel)
		for _, ordinal := range ready {
			g.Go(func() error {
				return e.runStep(gctx, id, ordinal)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// readySteps lists pending steps whose dependencies all completed and whose
// approval requirement is met.
func readySteps(p *plan.Plan) []int {
	var ready []int
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != plan.StepPending || !p.StepApproved(s.Ordinal) {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			d, found := p.Step(dep)
			if !found || d.Status != plan.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s.Ordinal)
		}
	}
	return ready
}

// skipBlocked marks pending steps whose dependencies failed or were skipped.
// Dependencies always point at smaller ordinals, so one ascending pass
// propagates transitively.
func (e *Engine) skipBlocked(c *change) {
	p := c.plan
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Status != plan.StepPending {
			continue
		}
		for _, dep := range s.Dependencies {
			d, ok := p.Step(dep)
			if !ok || (d.Status != plan.StepFailed && d.Status != plan.StepSkipped) {
				continue
			}
			e.skipStep(c, s, fmt.Sprintf("dependency step %d %s", dep, d.Status))
			break
		}
	}
}

func (e *Engine) skipStep(c *change, s *plan.Step, reason string) {
	if err := c.plan.SetStepStatus(s.Ordinal, plan.StepSkipped, c.now); err != nil {
		return
	}
	s.Error = reason
	ev := stepEvent(c.plan, s, audit.StepSkipped, actor.System, fmt.Sprintf("step %d (%s) skipped: %s", s.Ordinal, s.Name, reason))
	ev.OldValues = map[string]any{"status": string(plan.StepPending)}
	ev.NewValues = map[string]any{"status": string(plan.StepSkipped)}
	c.emit(ev)
	e.metrics.StepFinished(string(plan.StepSkipped), 0)
}

// settle derives the plan status once nothing is runnable: a failed
// required step fails the plan, steps still waiting on approval park it in
// pending_approval, otherwise it completed.
func (e *Engine) settle(c *change) error {
	p := c.plan
	var (
		failed  *plan.Step
		waiting []int
	)
	for i := range p.Steps {
		s := &p.Steps[i]
		switch s.Status {
		case plan.StepRunning:
			return errUnchanged
		case plan.StepFailed:
			if !s.Optional && failed == nil {
				failed = s
			}
		case plan.StepPending:
			waiting = append(waiting, s.Ordinal)
		}
	}

	from := string(p.Status)
	switch {
	case failed != nil:
		for i := range p.Steps {
			if p.Steps[i].Status == plan.StepPending {
				e.skipStep(c, &p.Steps[i], "plan failed")
			}
		}
		if err := e.finishPlan(c, plan.StatusFailed); err != nil {
			return err
		}
		ev := planEvent(p, audit.PlanFailed, actor.System, fmt.Sprintf("plan failed at step %d (%s)", failed.Ordinal, failed.Name))
		ev.Success = false
		ev.Error = failed.Error
		ev.OldValues = map[string]any{"status": from}
		ev.NewValues = map[string]any{"status": string(p.Status), "progress": p.Progress()}
		c.emit(ev)
		e.logger.Warn("plan failed", "plan_id", p.ID, "step", failed.Ordinal, "error", failed.Error)

	case len(waiting) > 0:
		if p.Status == plan.StatusPendingApproval {
			return errUnchanged
		}
		if err := p.SetStatus(plan.StatusPendingApproval, c.now); err != nil {
			return err
		}
		ev := planEvent(p, audit.PlanAwaitingApproval, actor.System, "execution paused for approval")
		ev.OldValues = map[string]any{"status": from}
		ev.NewValues = map[string]any{"status": string(p.Status), "waiting_steps": waiting}
		c.emit(ev)
		e.logger.Info("plan awaiting approval", "plan_id", p.ID, "steps", waiting)

	default:
		if err := e.finishPlan(c, plan.StatusCompleted); err != nil {
			return err
		}
		ev := planEvent(p, audit.PlanCompleted, actor.System, "plan completed")
		ev.OldValues = map[string]any{"status": from}
		ev.NewValues = map[string]any{"status": string(p.Status), "duration_ms": p.Duration.Milliseconds()}
		c.emit(ev)
		e.logger.Info("plan completed", "plan_id", p.ID, "duration", p.Duration)
	}
	return nil
}

// runStep moves one step through running to completed or failed, invoking
// rollback on failure. Only storage errors are returned.
func (e *Engine) runStep(ctx context.Context, id string, ordinal int) error {
	var (
		step    plan.Step
		started bool
	)
	_, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		s, ok := p.Step(ordinal)
		if !ok || p.Status.IsTerminal() || s.Status != plan.StepPending {
			return errUnchanged
		}
		if err := p.SetStepStatus(ordinal, plan.StepRunning, c.now); err != nil {
			return err
		}
		ev := stepEvent(p, s, audit.StepStarted, actor.System, fmt.Sprintf("step %d (%s) started", s.Ordinal, s.Name))
		ev.NewValues = map[string]any{"status": string(plan.StepRunning), "tools": s.Tools}
		c.emit(ev)
		step = *s
		started = true
		return nil
	})
	if err != nil || !started {
		return err
	}

	e.logger.Debug("dispatching step", "plan_id", id, "step", ordinal, "tools", step.Tools)
	outcome := e.dispatcher.DispatchObserved(ctx, id, step, func(call toolkit.Call, res toolkit.Result) {
		e.metrics.StepRetried()
		ev := audit.Event{
			Type:         audit.StepRetry,
			ResourceType: audit.ResourceStep,
			ResourceID:   audit.StepResourceID(id, ordinal),
			Actor:        actor.System,
			Description:  fmt.Sprintf("retrying tool %s after attempt %d", call.Tool, call.Attempt),
			Error:        res.Error,
			NewValues:    map[string]any{"tool": call.Tool, "attempt": call.Attempt, "timed_out": res.TimedOut},
		}
		e.audit.Record(ctx, ev)
	})

	if !outcome.Success && ctx.Err() != nil {
		return e.interruptStep(ctx, id, ordinal, outcome)
	}

	_, err = e.update(ctx, id, func(c *change) error {
		p := c.plan
		s, ok := p.Step(ordinal)
		if !ok {
			return fmt.Errorf("plan %s: step %d: %w", id, ordinal, ErrStepNotFound)
		}
		s.Attempts = outcome.Attempts
		if len(outcome.Output) > 0 {
			s.Result = outcome.Output
		}
		target := plan.StepCompleted
		if !outcome.Success {
			target = plan.StepFailed
			s.Error = outcome.Error
		}
		if err := p.SetStepStatus(ordinal, target, c.now); err != nil {
			return err
		}
		typ := audit.StepCompleted
		if !outcome.Success {
			typ = audit.StepFailed
		}
		ev := stepEvent(p, s, typ, actor.System, fmt.Sprintf("step %d (%s) %s", s.Ordinal, s.Name, target))
		ev.Success = outcome.Success
		ev.Error = outcome.Error
		ev.OldValues = map[string]any{"status": string(plan.StepRunning)}
		ev.NewValues = map[string]any{
			"status":      string(target),
			"attempts":    outcome.Attempts,
			"duration_ms": outcome.Duration.Milliseconds(),
		}
		c.emit(ev)
		e.metrics.StepFinished(string(target), outcome.Duration)
		return nil
	})
	if err != nil {
		return err
	}

	if !outcome.Success {
		e.logger.Warn("step failed", "plan_id", id, "step", ordinal, "attempts", outcome.Attempts, "error", outcome.Error)
		e.rollback(ctx, id, step, outcome)
	}
	return nil
}

// interruptStep puts a step whose dispatch was cut short by the loop's
// context back to pending. Nothing is rolled back; the step runs again when
// the plan is resumed.
func (e *Engine) interruptStep(ctx context.Context, id string, ordinal int, outcome toolkit.StepOutcome) error {
	_, err := e.update(ctx, id, func(c *change) error {
		p := c.plan
		s, ok := p.Step(ordinal)
		if !ok {
			return fmt.Errorf("plan %s: step %d: %w", id, ordinal, ErrStepNotFound)
		}
		if p.Status.IsTerminal() {
			// nothing will resume a cancelled plan
			if err := p.SetStepStatus(ordinal, plan.StepFailed, c.now); err != nil {
				return err
			}
			s.Error = outcome.Error
			ev := stepEvent(p, s, audit.StepFailed, actor.System, fmt.Sprintf("step %d (%s) interrupted after plan %s", s.Ordinal, s.Name, p.Status))
			ev.Success = false
			ev.Error = outcome.Error
			c.emit(ev)
			return nil
		}
		if err := p.SetStepStatus(ordinal, plan.StepPending, c.now); err != nil {
			return err
		}
		ev := stepEvent(p, s, audit.StepInterrupted, actor.System, fmt.Sprintf("step %d (%s) interrupted, will run again on resume", s.Ordinal, s.Name))
		ev.Success = false
		ev.Error = outcome.Error
		ev.OldValues = map[string]any{"status": string(plan.StepRunning)}
		ev.NewValues = map[string]any{"status": string(plan.StepPending), "attempts": outcome.Attempts}
		c.emit(ev)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("step interrupted", "plan_id", id, "step", ordinal, "error", outcome.Error)
	return nil
}

// rollback compensates a failed step. Failures are recorded, never
// returned.
func (e *Engine) rollback(ctx context.Context, id string, step plan.Step, outcome toolkit.StepOutcome) {
	start := time.Now()
	reports := e.dispatcher.Rollback(ctx, id, step, outcome.Dispatched, outcome.Error)

	resource := audit.StepResourceID(id, step.Ordinal)
	var failed []string
	for _, r := range reports {
		e.metrics.RollbackInvoked(r.Err == nil)
		if r.Err == nil {
			continue
		}
		failed = append(failed, r.Tool)
		e.audit.Record(ctx, audit.Event{
			Type:         audit.RollbackFailed,
			ResourceType: audit.ResourceStep,
			ResourceID:   resource,
			Actor:        actor.System,
			Description:  fmt.Sprintf("rollback of tool %s failed", r.Tool),
			Error:        r.Err.Error(),
			NewValues:    map[string]any{"tool": r.Tool},
		})
	}

	tools := make([]string, 0, len(reports))
	for _, r := range reports {
		tools = append(tools, r.Tool)
	}
	ev := audit.Event{
		Type:         audit.RollbackInvoked,
		ResourceType: audit.ResourceStep,
		ResourceID:   resource,
		Actor:        actor.System,
		Description:  fmt.Sprintf("rollback invoked for step %d (%s)", step.Ordinal, step.Name),
		Success:      len(failed) == 0,
		NewValues: map[string]any{
			"procedure":   step.Rollback,
			"tools":       tools,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if len(failed) > 0 {
		ev.Error = fmt.Sprintf("rollback failed for %v", failed)
	}
	e.audit.Record(ctx, ev)
}

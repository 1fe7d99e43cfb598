// Package engine owns every plan mutation: creation, approval decisions,
// cancellation and the execution loop that walks a plan's dependency graph.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opsflow/guardian/internal/actor"
	"github.com/opsflow/guardian/internal/agents"
	"github.com/opsflow/guardian/internal/audit"
	"github.com/opsflow/guardian/internal/metrics"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/planner"
	"github.com/opsflow/guardian/internal/policy"
	"github.com/opsflow/guardian/internal/store"
	"github.com/opsflow/guardian/internal/toolkit"
)

const DefaultMaxParallel = 4

// Recorder receives audit events. *audit.Log implements it.
type Recorder interface {
	Record(ctx context.Context, e audit.Event) audit.Event
}

type discardRecorder struct{}

func (discardRecorder) Record(_ context.Context, e audit.Event) audit.Event { return e }

type Engine struct {
	generator  *planner.Generator
	repo       store.Repository
	dispatcher *toolkit.Dispatcher
	policies   policy.Provider
	agents     *agents.Registry
	audit      Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	maxParallel      int
	resumeOnApproval bool
	approvers        map[string]bool

	lockMu sync.Mutex
	locks  map[string]*planLock

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Engine)

func WithStore(r store.Repository) Option {
	return func(e *Engine) { e.repo = r }
}

func WithDispatcher(d *toolkit.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithPolicies sets the organization policy source used by Reevaluate. It
// should be the same provider the generator uses.
func WithPolicies(p policy.Provider) Option {
	return func(e *Engine) { e.policies = p }
}

func WithAgents(r *agents.Registry) Option {
	return func(e *Engine) { e.agents = r }
}

func WithAudit(r Recorder) Option {
	return func(e *Engine) { e.audit = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxParallel bounds how many independent steps of one plan run at once.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithApprovers restricts approval decisions to the listed actors. An empty
// list allows anyone.
func WithApprovers(ids ...string) Option {
	return func(e *Engine) {
		for _, id := range ids {
			if id != "" {
				e.approvers[id] = true
			}
		}
	}
}

// WithResumeOnApproval controls whether approvals restart execution. It is
// on by default.
func WithResumeOnApproval(on bool) Option {
	return func(e *Engine) { e.resumeOnApproval = on }
}

func New(generator *planner.Generator, opts ...Option) *Engine {
	e := &Engine{
		generator:        generator,
		now:              time.Now,
		maxParallel:      DefaultMaxParallel,
		resumeOnApproval: true,
		approvers:        make(map[string]bool),
		locks:            make(map[string]*planLock),
		active:           make(map[string]*run),
	}
	for _, o := range opts {
		o(e)
	}
	if e.repo == nil {
		e.repo = store.NewMemory()
	}
	if e.dispatcher == nil {
		e.dispatcher = toolkit.NewDispatcher(toolkit.NewRegistry())
	}
	if e.agents == nil {
		e.agents = agents.NewRegistry(nil)
	}
	if e.audit == nil {
		e.audit = discardRecorder{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.generator == nil {
		e.generator = planner.NewGenerator(nil, planner.WithGeneratorLogger(e.logger))
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// CreatePlan generates, validates and stores a plan. The plan starts in
// pending_approval when any step needs sign-off, approved otherwise. Only a
// storage failure is returned as an error.
func (e *Engine) CreatePlan(ctx context.Context, req plan.Request) (*plan.Plan, error) {
	finish, err := e.agents.Begin(ctx, agents.RolePlanner)
	if err != nil {
		e.logger.Warn("agent status update failed", "role", agents.RolePlanner, "error", err)
		finish = func(error) {}
	}

	out := e.generator.Generate(ctx, req)
	p := out.Plan
	p.Status = plan.StatusApproved
	if p.RequiresHumanApproval {
		p.Status = plan.StatusPendingApproval
	}
	for i := range p.Steps {
		p.Steps[i].Status = plan.StepPending
	}

	unlock := e.lock(p.ID)
	defer unlock()
	if err := e.repo.Put(context.WithoutCancel(ctx), p); err != nil {
		finish(err)
		return nil, fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	who := actor.OrSystem(ctx)
	var warnings []string
	for _, w := range out.Warnings {
		warnings = append(warnings, w.String())
	}
	created := planEvent(p, audit.PlanCreated, who, "plan created: "+p.Summary)
	created.NewValues = map[string]any{
		"status":                  string(p.Status),
		"overall_risk":            string(p.OverallRisk),
		"confidence":              p.Confidence,
		"source":                  string(p.Source),
		"steps":                   len(p.Steps),
		"requires_human_approval": p.RequiresHumanApproval,
	}
	if len(warnings) > 0 {
		created.NewValues["warnings"] = warnings
	}
	e.audit.Record(ctx, created)

	for _, w := range out.Warnings {
		if w.Field != "dependencies" {
			continue
		}
		ev := planEvent(p, audit.DependencyDropped, who, "invalid dependency edge dropped")
		ev.Success = false
		ev.Error = w.String()
		ev.NewValues = map[string]any{"step": w.Step}
		e.audit.Record(ctx, ev)
	}
	if out.Kind == planner.Fallback {
		if planner.IsOracleFailure(out.Cause) {
			ev := planEvent(p, audit.OracleFailure, who, "oracle call failed: "+p.Metadata[planner.MetaOracle])
			ev.Success = false
			ev.Error = out.Cause.Error()
			e.audit.Record(ctx, ev)
			e.metrics.OracleFailed()
		}
		ev := planEvent(p, audit.PlanFallback, who, "generic fallback plan used")
		ev.Success = false
		ev.Error = errString(out.Cause)
		e.audit.Record(ctx, ev)
	}
	e.metrics.PlanCreated(string(p.Source))
	finish(out.Cause)

	e.logger.Info("plan created", "plan_id", p.ID, "status", p.Status, "source", p.Source,
		"risk", p.OverallRisk, "confidence", p.Confidence)
	return p.Clone(), nil
}

// Plan returns a snapshot of the stored plan.
func (e *Engine) Plan(ctx context.Context, id string) (*plan.Plan, error) {
	p, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	return p, nil
}

func (e *Engine) ListPlans(ctx context.Context, f store.ListFilter) ([]*plan.Plan, error) {
	return e.repo.List(ctx, f)
}

// Close stops accepting executions, cancels running loops and waits for
// them to return.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// planLock serializes changes to one plan. refs counts holders and waiters
// so the entry can be dropped once nobody needs it.
type planLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the plan's lock and returns its release function.
func (e *Engine) lock(id string) func() {
	e.lockMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &planLock{}
		e.locks[id] = l
	}
	l.refs++
	e.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.lockMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(e.locks, id)
		}
		e.lockMu.Unlock()
	}
}

// change is one locked load-modify-save of a plan. Events are recorded only
// after the plan was saved, in the order they were queued.
type change struct {
	plan   *plan.Plan
	events []audit.Event
	now    time.Time
}

func (c *change) emit(ev audit.Event) {
	c.events = append(c.events, ev)
}

// errUnchanged aborts an update without saving.
var errUnchanged = errors.New("unchanged")

func (e *Engine) update(ctx context.Context, id string, fn func(c *change) error) (*plan.Plan, error) {
	unlock := e.lock(id)
	defer unlock()

	storeCtx := context.WithoutCancel(ctx)
	p, err := e.repo.Get(storeCtx, id)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, err)
	}
	c := &change{plan: p, now: e.now()}
	if err := fn(c); err != nil {
		if errors.Is(err, errUnchanged) {
			return p.Clone(), nil
		}
		return nil, err
	}
	if err := e.repo.Put(storeCtx, p); err != nil {
		return nil, fmt.Errorf("save plan %s: %w", id, err)
	}
	for _, ev := range c.events {
		e.audit.Record(storeCtx, ev)
	}
	return p.Clone(), nil
}

func planEvent(p *plan.Plan, typ audit.EventType, who, desc string) audit.Event {
	return audit.Event{
		Type:         typ,
		ResourceType: audit.ResourcePlan,
		ResourceID:   p.ID,
		Actor:        who,
		Description:  desc,
		Success:      true,
	}
}

func stepEvent(p *plan.Plan, s *plan.Step, typ audit.EventType, who, desc string) audit.Event {
	return audit.Event{
		Type:         typ,
		ResourceType: audit.ResourceStep,
		ResourceID:   audit.StepResourceID(p.ID, s.Ordinal),
		Actor:        who,
		Description:  desc,
		Success:      true,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// finishPlan moves the plan to a terminal status, going through running
// first when the transition table requires it.
func (e *Engine) finishPlan(c *change, target plan.Status) error {
	p := c.plan
	if !p.Status.CanTransitionTo(target) && p.Status.CanTransitionTo(plan.StatusRunning) {
		if err := p.SetStatus(plan.StatusRunning, c.now); err != nil {
			return err
		}
	}
	if err := p.SetStatus(target, c.now); err != nil {
		return err
	}
	t := c.now
	p.FinishedAt = &t
	if p.StartedAt != nil {
		p.Duration = t.Sub(*p.StartedAt)
	}
	p.StaleSince = nil
	e.metrics.PlanFinished(string(target))
	return nil
}

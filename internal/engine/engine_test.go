package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type stubOracle struct {
	output string
	err    error
}

func (stubOracle) Name() string { return "stub" }

func (o stubOracle) GeneratePlan(context.Context, string, map[string]any) (string, error) {
	return o.output, o.err
}

// step builds a fully specified oracle step so no field gets defaulted.
func step(n int, name, risk string, deps ...int) map[string]any {
	if deps == nil {
		deps = []int{}
	}
	return map[string]any{
		"step_number":        n,
		"name":               name,
		"description":        name,
		"tool_integrations":  []string{"crm"},
		"risk_level":         risk,
		"estimated_duration": 5,
		"dependencies":       deps,
		"success_criteria":   "done",
		"rollback_procedure": "undo " + name,
	}
}

func planJSON(t *testing.T, steps ...map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{"plan_summary": "test plan", "steps": steps})
	require.NoError(t, err)
	return string(b)
}

// fakeTool records calls per step ordinal.
type fakeTool struct {
	mu         sync.Mutex
	fail       map[int]bool
	flaky      map[int]bool
	gate       chan struct{}
	hold       time.Duration
	calls      []int
	rollbacks  []int
	running    int
	maxRunning int
}

func newFakeTool() *fakeTool {
	return &fakeTool{fail: map[int]bool{}, flaky: map[int]bool{}}
}

func (f *fakeTool) Execute(ctx context.Context, call toolkit.Call) toolkit.Result {
	ord := call.Step.Ordinal
	f.mu.Lock()
	f.calls = append(f.calls, ord)
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	gate, hold := f.gate, f.hold
	flaky := f.flaky[ord] && call.Attempt == 1
	fail := f.fail[ord]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return toolkit.Failure("cancelled")
		}
	}
	if hold > 0 {
		time.Sleep(hold)
	}
	switch {
	case flaky:
		return toolkit.Result{Error: "rate limited", Retryable: true}
	case fail:
		return toolkit.Failure("boom on step %d", ord)
	}
	return toolkit.Result{Success: true, Output: map[string]any{"step": ord}}
}

func (f *fakeTool) Rollback(_ context.Context, call toolkit.Call, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, call.Step.Ordinal)
	return nil
}

func (f *fakeTool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTool) snapshot() (calls, rollbacks []int, maxRunning int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...), append([]int(nil), f.rollbacks...), f.maxRunning
}

type harness struct {
	eng     *Engine
	log     *audit.Log
	tool    *fakeTool
	metrics *metrics.Metrics
	agents  *agents.Registry
}

func newHarness(t *testing.T, oracle planner.Oracle, pols policy.Provider, opts ...Option) *harness {
	t.Helper()
	log := audit.NewLog()
	t.Cleanup(log.Close)

	reg := toolkit.NewRegistry()
	tool := newFakeTool()
	require.NoError(t, reg.Register(toolkit.Capability{Name: "crm", Kind: "test", Rollback: true}, tool))

	h := &harness{
		log:     log,
		tool:    tool,
		metrics: metrics.New(prometheus.NewRegistry()),
		agents:  agents.NewRegistry(nil),
	}
	gen := planner.NewGenerator(oracle, planner.WithPolicies(pols))
	base := []Option{
		WithDispatcher(toolkit.NewDispatcher(reg, toolkit.WithRetries(2, time.Millisecond))),
		WithAudit(log),
		WithMetrics(h.metrics),
		WithAgents(h.agents),
		WithPolicies(pols),
	}
	h.eng = New(gen, append(base, opts...)...)
	t.Cleanup(h.eng.Close)
	return h
}

func (h *harness) create(t *testing.T, orgID string) *plan.Plan {
	t.Helper()
	p, err := h.eng.CreatePlan(context.Background(), plan.Request{Description: "test request", OrgID: orgID})
	require.NoError(t, err)
	return p
}

// events returns the plan's and its steps' events of the given types, in
// recording order.
func (h *harness) events(planID string, types ...audit.EventType) []audit.Event {
	var out []audit.Event
	for _, e := range h.log.Events(audit.Filter{Types: types}) {
		if e.ResourceID == planID || strings.HasPrefix(e.ResourceID, planID+"/") {
			out = append(out, e)
		}
	}
	return out
}

func stepStatuses(p *plan.Plan) []plan.StepStatus {
	out := make([]plan.StepStatus, 0, len(p.Steps))
	for _, s := range p.Steps {
		out = append(out, s.Status)
	}
	return out
}

func TestHighRiskStepFailureRollsBack(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "Send contract", "high"))}, nil)
	h.tool.fail[1] = true
	ctx := context.Background()

	p := h.create(t, "")
	assert.Equal(t, plan.StatusPendingApproval, p.Status)
	assert.True(t, p.Steps[0].RequiresApproval)

	_, err := h.eng.Execute(ctx, p.ID)
	require.ErrorIs(t, err, ErrApprovalRequired)
	assert.Zero(t, h.tool.callCount())

	approved, err := h.eng.Approve(actor.WithActor(ctx, "alice"), p.ID, "go ahead")
	require.NoError(t, err)
	assert.Equal(t, "alice", approved.Approval.Approver)

	got, err := h.eng.Wait(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)
	assert.Equal(t, plan.StepFailed, got.Steps[0].Status)
	assert.Contains(t, got.Steps[0].Error, "boom on step 1")
	assert.NotNil(t, got.FinishedAt)

	_, rollbacks, _ := h.tool.snapshot()
	assert.Equal(t, []int{1}, rollbacks)
	require.Len(t, h.events(p.ID, audit.RollbackInvoked), 1)
	assert.Equal(t, "undo Send contract", h.events(p.ID, audit.RollbackInvoked)[0].NewValues["procedure"])
	require.Len(t, h.events(p.ID, audit.PlanFailed), 1)
	assert.False(t, h.events(p.ID, audit.PlanFailed)[0].Success)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlansFinished.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rollbacks.WithLabelValues("ok")))

	rec, err := h.agents.Get(ctx, agents.RoleExecutor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.TasksFailed)
	assert.Equal(t, agents.StatusIdle, rec.Status)
	assert.Contains(t, rec.LastError, "failed")
}

func TestFailedDependencySkipsDownstream(t *testing.T) {
	out := planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1), step(3, "C", "low", 2))
	h := newHarness(t, stubOracle{output: out}, nil)
	h.tool.fail[1] = true

	p := h.create(t, "")
	assert.Equal(t, plan.StatusApproved, p.Status)

	got, err := h.eng.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepFailed, plan.StepSkipped, plan.StepSkipped}, stepStatuses(got))
	assert.Equal(t, "dependency step 1 failed", got.Steps[1].Error)
	assert.Equal(t, "dependency step 2 skipped", got.Steps[2].Error)

	calls, _, _ := h.tool.snapshot()
	assert.Equal(t, []int{1}, calls)
	assert.Len(t, h.events(p.ID, audit.StepSkipped), 2)
}

func TestStepsWithoutDependencyListStayIndependent(t *testing.T) {
	steps := []map[string]any{step(1, "A", "low"), step(2, "B", "low"), step(3, "C", "low")}
	for _, s := range steps {
		delete(s, "dependencies")
	}
	h := newHarness(t, stubOracle{output: planJSON(t, steps...)}, nil)
	h.tool.fail[1] = true

	p := h.create(t, "")
	for _, s := range p.Steps {
		assert.Empty(t, s.Dependencies)
	}

	got, err := h.eng.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepFailed, plan.StepCompleted, plan.StepCompleted}, stepStatuses(got))
	assert.Empty(t, h.events(p.ID, audit.StepSkipped))
}

func TestCloseInterruptsRunningStep(t *testing.T) {
	repo := store.NewMemory()
	out := planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1))
	h := newHarness(t, stubOracle{output: out}, nil, WithStore(repo))
	h.tool.gate = make(chan struct{})
	ctx := context.Background()
	p := h.create(t, "")

	require.NoError(t, h.eng.StartExecution(ctx, p.ID))
	require.Eventually(t, func() bool { return h.tool.callCount() == 1 }, time.Second, time.Millisecond)
	h.eng.Close()

	stopped, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusRunning, stopped.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepPending, plan.StepPending}, stepStatuses(stopped))
	assert.Nil(t, stopped.Steps[0].StartedAt)

	_, rollbacks, _ := h.tool.snapshot()
	assert.Empty(t, rollbacks)
	assert.Empty(t, h.events(p.ID, audit.StepFailed, audit.RollbackInvoked, audit.PlanFailed))
	require.Len(t, h.events(p.ID, audit.StepInterrupted), 1)

	rec, err := h.agents.Get(ctx, agents.RoleExecutor)
	require.NoError(t, err)
	assert.Equal(t, agents.StatusIdle, rec.Status)
	assert.Zero(t, rec.TasksFailed)

	// a fresh engine on the same store picks the plan up where it stopped
	resumed := newHarness(t, stubOracle{output: out}, nil, WithStore(repo))
	got, err := resumed.eng.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)
	calls, _, _ := resumed.tool.snapshot()
	assert.Equal(t, []int{1, 2}, calls)
}

func TestLowToleranceGatesEveryStep(t *testing.T) {
	pols := policy.NewStatic(nil)
	pols.Set("acme", policy.OrgPolicy{ConfidenceThreshold: 0.8, RiskTolerance: policy.ToleranceLow})
	out := planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1))
	h := newHarness(t, stubOracle{output: out}, pols)

	p := h.create(t, "acme")
	assert.Equal(t, plan.StatusPendingApproval, p.Status)
	for _, s := range p.Steps {
		assert.True(t, s.RequiresApproval, "step %d", s.Ordinal)
	}

	other := h.create(t, "")
	assert.Equal(t, plan.StatusApproved, other.Status)
}

func TestStartExecutionIsIdempotent(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1))}, nil)
	h.tool.gate = make(chan struct{})
	ctx := context.Background()
	p := h.create(t, "")

	require.NoError(t, h.eng.StartExecution(ctx, p.ID))
	require.Eventually(t, func() bool { return h.tool.callCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.eng.StartExecution(ctx, p.ID))
	require.NoError(t, h.eng.StartExecution(ctx, p.ID))
	close(h.tool.gate)

	got, err := h.eng.Wait(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)

	calls, _, _ := h.tool.snapshot()
	assert.Equal(t, []int{1, 2}, calls)
	assert.Len(t, h.events(p.ID, audit.StepStarted), 2)
	assert.Len(t, h.events(p.ID, audit.PlanStarted), 1)
	assert.Len(t, h.events(p.ID, audit.PlanCompleted), 1)

	err = h.eng.StartExecution(ctx, p.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelSkipsStepsNotStarted(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1))}, nil)
	h.tool.gate = make(chan struct{})
	ctx := context.Background()
	p := h.create(t, "")

	require.NoError(t, h.eng.StartExecution(ctx, p.ID))
	require.Eventually(t, func() bool { return h.tool.callCount() == 1 }, time.Second, time.Millisecond)

	cancelled, err := h.eng.Cancel(actor.WithActor(ctx, "bob"), p.ID, "change freeze")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCancelled, cancelled.Status)
	assert.Equal(t, "change freeze", cancelled.CancelReason)
	close(h.tool.gate)

	got, err := h.eng.Wait(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCancelled, got.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepCompleted, plan.StepSkipped}, stepStatuses(got))
	calls, _, _ := h.tool.snapshot()
	assert.Equal(t, []int{1}, calls)

	ev := h.events(p.ID, audit.PlanCancelled)
	require.Len(t, ev, 1)
	assert.Equal(t, "bob", ev[0].Actor)

	_, err = h.eng.Cancel(ctx, p.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestIndependentStepsRunConcurrently(t *testing.T) {
	out := planJSON(t, step(1, "A", "low"), step(2, "B", "low"), step(3, "C", "low", 1, 2))

	t.Run("parallel", func(t *testing.T) {
		h := newHarness(t, stubOracle{output: out}, nil)
		h.tool.hold = 50 * time.Millisecond
		p := h.create(t, "")

		got, err := h.eng.Execute(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, plan.StatusCompleted, got.Status)
		calls, _, maxRunning := h.tool.snapshot()
		require.Len(t, calls, 3)
		assert.Equal(t, 3, calls[2])
		assert.Equal(t, 2, maxRunning)
	})

	t.Run("bounded", func(t *testing.T) {
		h := newHarness(t, stubOracle{output: out}, nil, WithMaxParallel(1))
		h.tool.hold = 10 * time.Millisecond
		p := h.create(t, "")

		got, err := h.eng.Execute(context.Background(), p.ID)
		require.NoError(t, err)
		assert.Equal(t, plan.StatusCompleted, got.Status)
		_, _, maxRunning := h.tool.snapshot()
		assert.Equal(t, 1, maxRunning)
	})
}

func TestApproveStepRunsUpToNextGate(t *testing.T) {
	out := planJSON(t, step(1, "Prepare", "low"), step(2, "Sign", "high", 1), step(3, "Pay", "high", 2))
	h := newHarness(t, stubOracle{output: out}, nil)
	ctx := context.Background()
	p := h.create(t, "")
	require.Equal(t, plan.StatusPendingApproval, p.Status)

	_, err := h.eng.ApproveStep(ctx, p.ID, 2, "")
	require.NoError(t, err)
	got, err := h.eng.Wait(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingApproval, got.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepCompleted, plan.StepCompleted, plan.StepPending}, stepStatuses(got))
	assert.Len(t, h.events(p.ID, audit.PlanAwaitingApproval), 1)

	st, err := h.eng.GetPlanStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, st.AwaitingApproval)
	assert.InDelta(t, 66.67, st.Progress, 0.01)
	assert.True(t, st.Steps[1].Approved)
	assert.False(t, st.Steps[2].Approved)

	_, err = h.eng.ApproveStep(ctx, p.ID, 2, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.eng.ApproveStep(ctx, p.ID, 9, "")
	assert.ErrorIs(t, err, ErrStepNotFound)

	_, err = h.eng.ApproveStep(ctx, p.ID, 3, "final")
	require.NoError(t, err)
	got, err = h.eng.Wait(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)
	assert.Len(t, h.events(p.ID, audit.StepApprovalGranted), 2)
}

func TestRejectCancelsPlan(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "Wire funds", "high"))}, nil)
	ctx := actor.WithActor(context.Background(), "carol")
	p := h.create(t, "")

	got, err := h.eng.Reject(ctx, p.ID, "too risky")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCancelled, got.Status)
	assert.Equal(t, "rejected: too risky", got.CancelReason)
	assert.Equal(t, plan.StepSkipped, got.Steps[0].Status)

	rejected := h.events(p.ID, audit.ApprovalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "carol", rejected[0].Actor)
	assert.Equal(t, "too risky", rejected[0].Error)

	_, err = h.eng.Reject(ctx, p.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.eng.Approve(ctx, p.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApproverAllowList(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "Wire funds", "high"))}, nil,
		WithApprovers("carol"), WithResumeOnApproval(false))
	ctx := context.Background()
	p := h.create(t, "")

	_, err := h.eng.Approve(actor.WithActor(ctx, "mallory"), p.ID, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.eng.Approve(ctx, p.ID, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = h.eng.Reject(actor.WithActor(ctx, "mallory"), p.ID, "no")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	got, err := h.eng.Approve(actor.WithActor(ctx, "carol"), p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, got.Status)
	assert.Equal(t, "carol", got.Approval.Approver)
	assert.Zero(t, h.tool.callCount())

	again, err := h.eng.Approve(actor.WithActor(ctx, "carol"), p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, got.Approval.GrantedAt, again.Approval.GrantedAt)
	assert.Len(t, h.events(p.ID, audit.ApprovalGranted), 1)
}

func TestReevaluateAfterPolicyChange(t *testing.T) {
	pols := policy.NewStatic(nil)
	pols.Set("acme", policy.OrgPolicy{ConfidenceThreshold: 0.8, RiskTolerance: policy.ToleranceVeryLow})
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"), step(2, "B", "low", 1))}, pols)
	ctx := context.Background()
	p := h.create(t, "acme")
	require.Equal(t, plan.StatusPendingApproval, p.Status)

	pols.Set("acme", policy.OrgPolicy{ConfidenceThreshold: 0.8, RiskTolerance: policy.ToleranceMedium})
	got, err := h.eng.Reevaluate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, got.Status)
	assert.False(t, got.RequiresHumanApproval)

	ev := h.events(p.ID, audit.PlanReevaluated)
	require.Len(t, ev, 1)
	assert.Equal(t, string(plan.StatusPendingApproval), ev[0].OldValues["status"])
	assert.Equal(t, string(plan.StatusApproved), ev[0].NewValues["status"])

	done, err := h.eng.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, done.Status)

	_, err = h.eng.Reevaluate(ctx, p.ID)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestReevaluateTightensApproval(t *testing.T) {
	pols := policy.NewStatic(nil)
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"))}, pols)
	p := h.create(t, "acme")
	require.Equal(t, plan.StatusApproved, p.Status)

	pols.Set("acme", policy.OrgPolicy{ConfidenceThreshold: 0.8, RiskTolerance: policy.ToleranceLow})
	got, err := h.eng.Reevaluate(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingApproval, got.Status)
	assert.True(t, got.Steps[0].RequiresApproval)
}

func TestOptionalStepFailureDoesNotFailPlan(t *testing.T) {
	optional := step(1, "Notify", "low")
	optional["optional"] = true
	h := newHarness(t, stubOracle{output: planJSON(t, optional, step(2, "Main", "low"))}, nil)
	h.tool.fail[1] = true
	p := h.create(t, "")

	got, err := h.eng.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)
	assert.Equal(t, []plan.StepStatus{plan.StepFailed, plan.StepCompleted}, stepStatuses(got))
	_, rollbacks, _ := h.tool.snapshot()
	assert.Equal(t, []int{1}, rollbacks)
}

func TestRetryableFailureIsRetried(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"))}, nil)
	h.tool.flaky[1] = true
	p := h.create(t, "")

	got, err := h.eng.Execute(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Steps[0].Attempts)
	assert.Equal(t, map[string]any{"crm": map[string]any{"step": 1}}, got.Steps[0].Result)

	retries := h.events(p.ID, audit.StepRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "rate limited", retries[0].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StepRetries))
}

func TestAuditOrderPerResource(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"))}, nil)
	p := h.create(t, "")
	_, err := h.eng.Execute(context.Background(), p.ID)
	require.NoError(t, err)

	var types []audit.EventType
	for i, e := range h.log.Events(audit.Filter{ResourceID: p.ID}) {
		assert.Equal(t, int64(i+1), e.Seq)
		types = append(types, e.Type)
	}
	assert.Equal(t, []audit.EventType{audit.PlanCreated, audit.PlanStarted, audit.PlanCompleted}, types)

	types = nil
	for i, e := range h.log.Events(audit.Filter{ResourceID: audit.StepResourceID(p.ID, 1)}) {
		assert.Equal(t, int64(i+1), e.Seq)
		types = append(types, e.Type)
	}
	assert.Equal(t, []audit.EventType{audit.StepStarted, audit.StepCompleted}, types)
}

func TestFallbackPlanIsAudited(t *testing.T) {
	h := newHarness(t, stubOracle{err: errors.New("connection refused")}, nil)
	p := h.create(t, "")

	assert.Equal(t, plan.SourceFallback, p.Source)
	assert.Equal(t, plan.StatusPendingApproval, p.Status)
	assert.Len(t, h.events(p.ID, audit.OracleFailure), 1)
	assert.Len(t, h.events(p.ID, audit.PlanFallback), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.OracleFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PlansCreated.WithLabelValues("fallback")))

	rec, err := h.agents.Get(context.Background(), agents.RolePlanner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.TasksFailed)
}

func TestMarkStale(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "high"))}, nil, WithResumeOnApproval(false))
	ctx := context.Background()
	p := h.create(t, "")

	marked, err := h.eng.MarkStale(ctx, p.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, marked)

	marked, err = h.eng.MarkStale(ctx, p.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = h.eng.MarkStale(ctx, p.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, marked)

	st, err := h.eng.GetPlanStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, st.Stale)
	assert.Equal(t, plan.StatusPendingApproval, st.Status)
	assert.Len(t, h.events(p.ID, audit.ApprovalStale), 1)

	got, err := h.eng.Approve(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Nil(t, got.StaleSince)
}

func TestPlanNotFound(t *testing.T) {
	h := newHarness(t, stubOracle{}, nil)
	ctx := context.Background()

	_, err := h.eng.Plan(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.ErrorIs(t, h.eng.StartExecution(ctx, "missing"), ErrPlanNotFound)
	_, err = h.eng.Approve(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrPlanNotFound)
	_, err = h.eng.GetPlanStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestClosedEngineRefusesExecution(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"))}, nil)
	p := h.create(t, "")
	h.eng.Close()

	assert.ErrorIs(t, h.eng.StartExecution(context.Background(), p.ID), ErrClosed)
}

func TestPlanLocksAreReleased(t *testing.T) {
	h := newHarness(t, stubOracle{output: planJSON(t, step(1, "A", "low"), step(2, "B", "low"))}, nil)
	ctx := context.Background()
	p := h.create(t, "")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.eng.Reevaluate(ctx, p.ID)
		}()
	}
	wg.Wait()
	got, err := h.eng.Execute(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusCompleted, got.Status)

	h.eng.lockMu.Lock()
	defer h.eng.lockMu.Unlock()
	assert.Empty(t, h.eng.locks)
}

package toolkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow/guardian/internal/plan"
)

// scriptedTool replays results in order and records every call.
type scriptedTool struct {
	mu        sync.Mutex
	results   []Result
	calls     []Call
	rollbacks []string
	rbErr     error
	delay     time.Duration
}

func (s *scriptedTool) Execute(ctx context.Context, call Call) Result {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Failure("cancelled")
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if len(s.results) == 0 {
		return Result{Success: true}
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

func (s *scriptedTool) Rollback(_ context.Context, call Call, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, call.Tool+": "+reason)
	return s.rbErr
}

func (s *scriptedTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestDispatcher(t *testing.T, tools map[string]Executor, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for name, exec := range tools {
		require.NoError(t, reg.Register(Capability{Name: name, Rollback: true}, exec))
	}
	opts = append([]DispatcherOption{WithRetries(3, time.Millisecond)}, opts...)
	return NewDispatcher(reg, opts...)
}

func TestDispatchRunsToolsInOrder(t *testing.T) {
	slack := &scriptedTool{results: []Result{{Success: true, Output: map[string]any{"ts": "123"}}}}
	jira := &scriptedTool{results: []Result{{Success: true, Output: map[string]any{"key": "OPS-1"}}}}
	d := newTestDispatcher(t, map[string]Executor{"slack": slack, "jira": jira})

	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Name: "Notify", Tools: []string{"slack", "jira"}})
	require.True(t, out.Success, out.Error)
	assert.Equal(t, []string{"slack", "jira"}, out.Dispatched)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, map[string]any{"ts": "123"}, out.Output["slack"])
	assert.Equal(t, "p1", slack.calls[0].PlanID)
	assert.Equal(t, 1, slack.calls[0].Attempt)
}

func TestDispatchDefaultsToInternalTool(t *testing.T) {
	d := newTestDispatcher(t, nil)
	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Name: "noop"})
	require.True(t, out.Success)
	assert.Equal(t, []string{InternalTool}, out.Dispatched)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t, nil)
	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Tools: []string{"fax"}})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, `unknown tool integration "fax"`)
	assert.Empty(t, out.Dispatched)
}

func TestDispatchStopsAtFirstFailure(t *testing.T) {
	first := &scriptedTool{results: []Result{{Error: "permission denied"}}}
	second := &scriptedTool{}
	d := newTestDispatcher(t, map[string]Executor{"a": first, "b": second})

	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Tools: []string{"a", "b"}})
	assert.False(t, out.Success)
	assert.Equal(t, "a: permission denied", out.Error)
	assert.Equal(t, 1, first.callCount(), "non-retryable failures are not retried")
	assert.Zero(t, second.callCount())
}

func TestDispatchRetriesRetryableFailures(t *testing.T) {
	flaky := &scriptedTool{results: []Result{
		{Error: "503", Retryable: true},
		{Error: "503", Retryable: true},
		{Success: true},
	}}
	var retries []int
	d := newTestDispatcher(t, map[string]Executor{"api": flaky},
		WithRetryHook(func(call Call, _ Result) { retries = append(retries, call.Attempt) }))

	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 2, Tools: []string{"api"}})
	require.True(t, out.Success)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	down := &scriptedTool{results: []Result{{Error: "unavailable", Retryable: true}}}
	d := newTestDispatcher(t, map[string]Executor{"api": down})

	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Tools: []string{"api"}})
	assert.False(t, out.Success)
	assert.Equal(t, 3, down.callCount())
}

func TestDispatchTimeoutIsRetried(t *testing.T) {
	slow := &scriptedTool{delay: time.Second}
	g := &Guard{Timeout: 10 * time.Millisecond}
	d := newTestDispatcher(t, map[string]Executor{"slow": slow}, WithGuard(g), WithRetries(2, time.Millisecond))

	out := d.Dispatch(context.Background(), "p1", plan.Step{Ordinal: 1, Tools: []string{"slow"}})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "timed out")
	assert.Equal(t, 2, out.Attempts)
}

func TestRollbackOncePerDispatchedTool(t *testing.T) {
	a := &scriptedTool{}
	b := &scriptedTool{rbErr: errors.New("cannot undo")}
	c := &scriptedTool{}
	d := newTestDispatcher(t, map[string]Executor{"a": a, "b": b, "c": c})

	reports := d.Rollback(context.Background(), "p1", plan.Step{Ordinal: 1}, []string{"a", "b", "a"}, "b failed")
	require.Len(t, reports, 2)
	assert.Equal(t, "b", reports[0].Tool)
	assert.Error(t, reports[0].Err)
	assert.Equal(t, "a", reports[1].Tool)
	assert.NoError(t, reports[1].Err)

	assert.Equal(t, []string{"a: b failed"}, a.rollbacks)
	assert.Len(t, b.rollbacks, 1)
	assert.Empty(t, c.rollbacks)
}

func TestRollbackSkipsToolsWithoutSupport(t *testing.T) {
	d := newTestDispatcher(t, map[string]Executor{
		"plain": ExecutorFunc(func(context.Context, Call) Result { return Result{Success: true} }),
	})
	reports := d.Rollback(context.Background(), "p1", plan.Step{}, []string{"plain", InternalTool}, "x")
	assert.Empty(t, reports)
}

func TestRollbackRunsAfterCancellation(t *testing.T) {
	a := &scriptedTool{}
	d := newTestDispatcher(t, map[string]Executor{"a": a})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports := d.Rollback(ctx, "p1", plan.Step{}, []string{"a"}, "cancelled")
	require.Len(t, reports, 1)
	assert.NoError(t, reports[0].Err)
}

package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsflow/guardian/internal/plan"
)

const (
	DefaultMaxAttempts = 2
	DefaultBackoff     = time.Second
)

// StepOutcome aggregates the calls made for one step.
type StepOutcome struct {
	Success bool
	// Output holds each tool's output keyed by tool id.
	Output map[string]any
	Error  string
	// Attempts counts every call, retries included.
	Attempts int
	// Dispatched lists the tools that were called, in order. Rollback only
	// targets these.
	Dispatched []string
	Duration   time.Duration
}

// RollbackReport is the result of compensating one tool.
type RollbackReport struct {
	Tool string
	Err  error
}

// Dispatcher runs every tool a step names, in order, stopping at the first
// failure. Retryable failures and timeouts are retried with linear backoff.
type Dispatcher struct {
	registry    *Registry
	guard       *Guard
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	onRetry     func(call Call, res Result)
}

type DispatcherOption func(*Dispatcher)

func WithGuard(g *Guard) DispatcherOption {
	return func(d *Dispatcher) { d.guard = g }
}

// WithRetries sets the attempts per tool and the base delay between them.
func WithRetries(maxAttempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			d.backoff = backoff
		}
	}
}

// WithRetryHook is called before every retry with the failed result.
func WithRetryHook(fn func(call Call, res Result)) DispatcherOption {
	return func(d *Dispatcher) { d.onRetry = fn }
}

func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		guard:       NewGuard(),
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch executes the step. It never returns an error: every failure is
// reported in the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, planID string, step plan.Step) StepOutcome {
	return d.DispatchObserved(ctx, planID, step, nil)
}

// DispatchObserved is Dispatch with an extra retry hook for this call only,
// run after the dispatcher-wide one.
func (d *Dispatcher) DispatchObserved(ctx context.Context, planID string, step plan.Step, onRetry func(Call, Result)) StepOutcome {
	start := time.Now()
	out := StepOutcome{Output: make(map[string]any)}
	tools := step.Tools
	if len(tools) == 0 {
		tools = []string{InternalTool}
	}

	for _, tool := range tools {
		exec, ok := d.registry.Executor(tool)
		if !ok {
			out.Error = fmt.Sprintf("unknown tool integration %q", tool)
			out.Duration = time.Since(start)
			return out
		}
		out.Dispatched = append(out.Dispatched, tool)

		res := d.callWithRetry(ctx, exec, Call{PlanID: planID, Tool: tool, Step: step}, &out.Attempts, onRetry)
		if !res.Success {
			out.Error = fmt.Sprintf("%s: %s", tool, res.Error)
			out.Duration = time.Since(start)
			return out
		}
		if res.Output != nil {
			out.Output[tool] = res.Output
		}
	}
	out.Success = true
	out.Duration = time.Since(start)
	return out
}

func (d *Dispatcher) callWithRetry(ctx context.Context, exec Executor, call Call, attempts *int, onRetry func(Call, Result)) Result {
	var res Result
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		call.Attempt = attempt
		*attempts++
		d.logger.Debug("dispatching tool", "plan_id", call.PlanID, "step", call.Step.Ordinal, "tool", call.Tool, "attempt", attempt)

		res = d.guard.ExecuteWithTimeout(ctx, exec, call)
		if res.Success || !res.Retryable || attempt == d.maxAttempts || ctx.Err() != nil {
			return res
		}

		d.logger.Warn("tool call failed, retrying", "plan_id", call.PlanID, "step", call.Step.Ordinal,
			"tool", call.Tool, "attempt", attempt, "error", res.Error)
		if d.onRetry != nil {
			d.onRetry(call, res)
		}
		if onRetry != nil {
			onRetry(call, res)
		}
		select {
		case <-ctx.Done():
			return Failure("%s (retry abandoned: %v)", res.Error, ctx.Err())
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}
	return res
}

// Rollback compensates the dispatched tools in reverse order, each at most
// once. Tools without rollback support are skipped. Rollback runs even if
// ctx is already cancelled.
func (d *Dispatcher) Rollback(ctx context.Context, planID string, step plan.Step, dispatched []string, reason string) []RollbackReport {
	ctx = context.WithoutCancel(ctx)
	var reports []RollbackReport
	seen := make(map[string]bool, len(dispatched))
	for i := len(dispatched) - 1; i >= 0; i-- {
		tool := dispatched[i]
		if seen[tool] {
			continue
		}
		seen[tool] = true

		cap, ok := d.registry.Capability(tool)
		if !ok || !cap.Rollback {
			continue
		}
		exec, _ := d.registry.Executor(tool)
		rb, ok := exec.(Rollbacker)
		if !ok {
			continue
		}
		err := d.guard.RollbackWithTimeout(ctx, rb, Call{PlanID: planID, Tool: tool, Step: step}, reason)
		if err != nil {
			d.logger.Warn("rollback failed", "plan_id", planID, "step", step.Ordinal, "tool", tool, "error", err)
		}
		reports = append(reports, RollbackReport{Tool: tool, Err: err})
	}
	return reports
}

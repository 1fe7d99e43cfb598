// Package toolkit dispatches plan steps to tool integrations. Integrations
// are black boxes behind the Executor interface: built in, Lua scripts, or
// separate processes speaking pkg/toolproto.
package toolkit

import (
	"context"
	"fmt"
	"time"

	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/pkg/toolproto"
)

// Call is one invocation of one tool for one step.
type Call struct {
	PlanID  string
	Tool    string
	Step    plan.Step
	Attempt int
}

// ID identifies the call on the wire and in logs.
func (c Call) ID() string {
	return fmt.Sprintf("%s/%d/%s/%d", c.PlanID, c.Step.Ordinal, c.Tool, c.Attempt)
}

// Result is what a tool reports back. Retryable asks the dispatcher to try
// again; timeouts are always retryable.
type Result struct {
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	TimedOut  bool           `json:"timed_out,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// Failure builds an unsuccessful result.
func Failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Executor interface {
	Execute(ctx context.Context, call Call) Result
}

// Rollbacker is implemented by executors that can compensate for a failed
// step. Rollback is best effort.
type Rollbacker interface {
	Rollback(ctx context.Context, call Call, reason string) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) Result

func (f ExecutorFunc) Execute(ctx context.Context, call Call) Result { return f(ctx, call) }

// Capability describes a registered tool.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Rollback    bool   `json:"rollback"`
}

// stepMessage converts a step to its wire form.
func stepMessage(s plan.Step) *toolproto.StepMsg {
	return &toolproto.StepMsg{
		Ordinal:          s.Ordinal,
		Name:             s.Name,
		Description:      s.Description,
		Risk:             string(s.Risk),
		SuccessCriterion: s.SuccessCriterion,
		Rollback:         s.Rollback,
	}
}

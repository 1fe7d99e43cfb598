package toolkit

import (
	"context"
)

// InternalTool is the tool id steps get when the oracle names none.
const InternalTool = "internal"

// Internal is the built-in integration: it performs no external action and
// always succeeds.
type Internal struct{}

func (Internal) Execute(ctx context.Context, call Call) Result {
	if err := ctx.Err(); err != nil {
		return Failure("cancelled: %v", err)
	}
	return Result{
		Success: true,
		Output: map[string]any{
			"message": "step " + call.Step.Name + " completed",
		},
	}
}

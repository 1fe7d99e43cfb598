package toolkit

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxErrorBytes = 4 * 1024
	DefaultTimeout       = 30 * time.Second
)

// Guard bounds a single tool call: wall-clock timeout, panic recovery and
// error message truncation.
type Guard struct {
	MaxErrorBytes int
	Timeout       time.Duration
}

func NewGuard() *Guard {
	return &Guard{
		MaxErrorBytes: DefaultMaxErrorBytes,
		Timeout:       DefaultTimeout,
	}
}

// ExecuteWithTimeout runs the call and gives up after Timeout. The executor
// sees a cancelled context on timeout; an executor that ignores it keeps
// running in the background but its result is discarded.
func (g *Guard) ExecuteWithTimeout(ctx context.Context, exec Executor, call Call) Result {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Failure("tool %q panicked: %v", call.Tool, r)
			}
		}()
		done <- exec.Execute(callCtx, call)
	}()

	var res Result
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			res = Failure("tool %q cancelled: %v", call.Tool, ctx.Err())
		} else {
			res = Failure("tool %q timed out after %s", call.Tool, timeout)
			res.TimedOut = true
			res.Retryable = true
		}
	}
	res.Duration = time.Since(start)
	return g.sanitize(res)
}

func (g *Guard) sanitize(res Result) Result {
	if !res.Success && res.Error == "" {
		res.Error = "tool reported failure without an error message"
	}
	if g.MaxErrorBytes > 0 && len(res.Error) > g.MaxErrorBytes {
		res.Error = res.Error[:g.MaxErrorBytes] + "\n[truncated: error exceeded size limit]"
	}
	return res
}

// RollbackWithTimeout runs a rollback under the same bounds as a call.
func (g *Guard) RollbackWithTimeout(ctx context.Context, rb Rollbacker, call Call, reason string) error {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("rollback of %q panicked: %v", call.Tool, r)
			}
		}()
		done <- rb.Rollback(callCtx, call, reason)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("rollback of %q: %w", call.Tool, callCtx.Err())
	}
}

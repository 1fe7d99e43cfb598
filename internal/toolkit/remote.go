package toolkit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opsflow/guardian/pkg/toolproto"
)

// RemoteExecutor talks to a tool process over a Unix socket or TCP using
// pkg/toolproto. Calls on one connection are serialized.
type RemoteExecutor struct {
	mu   sync.Mutex
	conn net.Conn
	caps toolproto.CapabilitiesMsg
}

// DialRemote connects to a tool and fetches its capabilities.
func DialRemote(network, address string, timeout time.Duration) (*RemoteExecutor, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial tool at %s://%s: %w", network, address, err)
	}
	r, err := NewRemoteExecutor(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return r, nil
}

// NewRemoteExecutor wraps an established connection.
func NewRemoteExecutor(conn net.Conn) (*RemoteExecutor, error) {
	r := &RemoteExecutor{conn: conn}
	var resp toolproto.Response
	if err := r.roundTrip(toolproto.Request{Method: toolproto.MethodCapabilities}, &resp); err != nil {
		return nil, fmt.Errorf("request capabilities: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("capabilities error: %s", resp.Error)
	}
	if resp.Caps == nil {
		return nil, fmt.Errorf("tool returned empty capabilities")
	}
	r.caps = *resp.Caps
	return r, nil
}

// Capability returns the tool's self-description.
func (r *RemoteExecutor) Capability() Capability {
	return Capability{
		Name:        r.caps.Name,
		Description: r.caps.Description,
		Kind:        "remote",
		Rollback:    r.caps.Rollback,
	}
}

func (r *RemoteExecutor) roundTrip(req toolproto.Request, resp *toolproto.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := toolproto.WriteMessage(r.conn, &req); err != nil {
		return err
	}
	return toolproto.ReadMessage(r.conn, resp)
}

// call performs a round trip that gives up when ctx is done. A connection
// abandoned mid-call is closed since its framing can no longer be trusted.
func (r *RemoteExecutor) call(ctx context.Context, req toolproto.Request) (toolproto.Response, error) {
	type reply struct {
		resp toolproto.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		var resp toolproto.Response
		err := r.roundTrip(req, &resp)
		done <- reply{resp, err}
	}()

	select {
	case rep := <-done:
		return rep.resp, rep.err
	case <-ctx.Done():
		_ = r.conn.Close()
		return toolproto.Response{}, ctx.Err()
	}
}

func (r *RemoteExecutor) Execute(ctx context.Context, call Call) Result {
	resp, err := r.call(ctx, toolproto.Request{
		Method:  toolproto.MethodExecute,
		ID:      call.ID(),
		Tool:    call.Tool,
		PlanID:  call.PlanID,
		Attempt: call.Attempt,
		Step:    stepMessage(call.Step),
	})
	if err != nil {
		return Failure("remote tool %q: %v", call.Tool, err)
	}
	if resp.CallID != "" && resp.CallID != call.ID() {
		return Failure("remote tool %q returned mismatched call id %q", call.Tool, resp.CallID)
	}
	return Result{
		Success:   resp.Success,
		Output:    resp.Output,
		Error:     resp.Error,
		Retryable: resp.Retryable,
	}
}

func (r *RemoteExecutor) Rollback(ctx context.Context, call Call, reason string) error {
	if !r.caps.Rollback {
		return nil
	}
	resp, err := r.call(ctx, toolproto.Request{
		Method: toolproto.MethodRollback,
		ID:     call.ID(),
		Tool:   call.Tool,
		PlanID: call.PlanID,
		Step:   stepMessage(call.Step),
		Reason: reason,
	})
	if err != nil {
		return fmt.Errorf("remote rollback %q: %w", call.Tool, err)
	}
	if !resp.Success {
		return fmt.Errorf("remote rollback %q: %s", call.Tool, resp.Error)
	}
	return nil
}

func (r *RemoteExecutor) Close() error {
	return r.conn.Close()
}

package toolproto

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
)

// Handler is implemented by tool authors. Execute is called once per
// dispatch attempt.
type Handler interface {
	Capabilities() CapabilitiesMsg
	Execute(req Request) Response
}

// RollbackHandler is implemented by tools that can compensate for a failed
// step.
type RollbackHandler interface {
	Rollback(req Request) Response
}

// Serve starts a Unix socket listener, prints the handshake line to stdout
// so the host can discover the socket, and serves requests until the
// listener fails.
func Serve(handler Handler) error {
	sockDir, err := os.MkdirTemp("", "guardian-tool-*")
	if err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(sockDir) }()
	sockPath := filepath.Join(sockDir, "tool.sock")

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() { _ = ln.Close() }()

	hs := Handshake{Version: HandshakeVersion, Network: "unix", Address: sockPath}
	if _, err := fmt.Fprintln(os.Stdout, hs.String()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return ServeListener(ln, handler)
}

// ServeListener serves connections accepted from ln. It returns nil once the
// listener is closed.
func ServeListener(ln net.Listener, handler Handler) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go ServeConn(handler, conn)
	}
}

// ServeConn answers requests on one connection until it is closed.
func ServeConn(handler Handler, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		var req Request
		if err := ReadMessage(conn, &req); err != nil {
			return
		}

		var resp Response
		switch req.Method {
		case MethodCapabilities:
			caps := handler.Capabilities()
			resp.Success = true
			resp.Caps = &caps
		case MethodExecute:
			resp = handler.Execute(req)
		case MethodRollback:
			if rb, ok := handler.(RollbackHandler); ok {
				resp = rb.Rollback(req)
			} else {
				resp.Error = "rollback not supported"
			}
		default:
			resp.Error = fmt.Sprintf("unknown method %q", req.Method)
		}
		if resp.CallID == "" {
			resp.CallID = req.ID
		}

		if err := WriteMessage(conn, &resp); err != nil {
			slog.Warn("tool server: write response", "error", err)
			return
		}
	}
}

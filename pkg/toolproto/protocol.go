// Package toolproto is the wire protocol between the guardian host and
// out-of-process tool integrations. Messages are JSON documents prefixed by
// a 4-byte big-endian length.
package toolproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// HandshakeVersion is the protocol version in the handshake line.
	HandshakeVersion = 1
	// MaxMessageSize is the maximum length of a single protocol message (4 MB).
	MaxMessageSize = 4 * 1024 * 1024
)

// Methods understood by tool servers.
const (
	MethodCapabilities = "capabilities"
	MethodExecute      = "execute"
	MethodRollback     = "rollback"
)

// Request is the wire format sent from the host to the tool.
type Request struct {
	Method  string   `json:"method"`
	ID      string   `json:"id,omitempty"`
	Tool    string   `json:"tool,omitempty"`
	PlanID  string   `json:"plan_id,omitempty"`
	Attempt int      `json:"attempt,omitempty"`
	Step    *StepMsg `json:"step,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// StepMsg is the part of a plan step a tool needs to act on it.
type StepMsg struct {
	Ordinal          int            `json:"ordinal"`
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Risk             string         `json:"risk"`
	SuccessCriterion string         `json:"success_criterion,omitempty"`
	Rollback         string         `json:"rollback,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
}

// Response is the wire format sent from the tool back to the host.
type Response struct {
	CallID    string           `json:"call_id,omitempty"`
	Success   bool             `json:"success"`
	Output    map[string]any   `json:"output,omitempty"`
	Error     string           `json:"error,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
	Caps      *CapabilitiesMsg `json:"caps,omitempty"`
}

// CapabilitiesMsg carries the tool's self-description.
type CapabilitiesMsg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rollback    bool   `json:"rollback"`
}

// Handshake is the first line a tool binary writes to stdout.
// Format: "<version>|<network>|<address>\n"
// Example: "1|unix|/tmp/tool-jira.sock"
type Handshake struct {
	Version int
	Network string // "unix" or "tcp"
	Address string // socket path or host:port
}

func (h Handshake) String() string {
	return fmt.Sprintf("%d|%s|%s", h.Version, h.Network, h.Address)
}

// ParseHandshake parses a handshake line from a tool process.
func ParseHandshake(line string) (Handshake, error) {
	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)
	if len(parts) != 3 {
		return Handshake{}, fmt.Errorf("invalid handshake %q: expected version|network|address", line)
	}

	var h Handshake
	if _, err := fmt.Sscan(parts[0], &h.Version); err != nil {
		return Handshake{}, fmt.Errorf("invalid handshake version %q: %w", parts[0], err)
	}
	h.Network = parts[1]
	h.Address = parts[2]

	if h.Version != HandshakeVersion {
		return Handshake{}, fmt.Errorf("unsupported handshake version %d (want %d)", h.Version, HandshakeVersion)
	}
	if h.Network != "unix" && h.Network != "tcp" {
		return Handshake{}, fmt.Errorf("unsupported network %q (want unix or tcp)", h.Network)
	}
	return h, nil
}

// WriteMessage sends a length-prefixed JSON message.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message.
func ReadMessage(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes (max %d)", size, MaxMessageSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return json.Unmarshal(body, v)
}

package toolproto

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshakeValid(t *testing.T) {
	tests := []struct {
		input   string
		network string
		address string
	}{
		{"1|unix|/tmp/tool.sock", "unix", "/tmp/tool.sock"},
		{"1|tcp|127.0.0.1:9001", "tcp", "127.0.0.1:9001"},
		{"1|tcp|127.0.0.1:9001\n", "tcp", "127.0.0.1:9001"},
	}
	for _, tc := range tests {
		hs, err := ParseHandshake(tc.input)
		require.NoError(t, err, tc.input)
		assert.Equal(t, HandshakeVersion, hs.Version)
		assert.Equal(t, tc.network, hs.Network)
		assert.Equal(t, tc.address, hs.Address)
	}
}

func TestParseHandshakeInvalid(t *testing.T) {
	bad := []string{
		"",
		"garbage",
		"2|unix|/tmp/x.sock",    // wrong version
		"1|http|localhost:8080", // unsupported network
		"1|unix",                // missing address
	}
	for _, input := range bad {
		_, err := ParseHandshake(input)
		assert.Error(t, err, input)
	}
}

func TestHandshakeString(t *testing.T) {
	hs := Handshake{Version: 1, Network: "unix", Address: "/tmp/p.sock"}
	assert.Equal(t, "1|unix|/tmp/p.sock", hs.String())
}

func TestWriteReadRequest(t *testing.T) {
	var buf bytes.Buffer
	sent := Request{
		Method:  MethodExecute,
		ID:      "plan-1/2/jira",
		Tool:    "jira",
		PlanID:  "plan-1",
		Attempt: 2,
		Step:    &StepMsg{Ordinal: 2, Name: "Open ticket", Risk: "medium", Params: map[string]any{"project": "OPS"}},
	}
	require.NoError(t, WriteMessage(&buf, &sent))

	var received Request
	require.NoError(t, ReadMessage(&buf, &received))
	assert.Equal(t, sent.Method, received.Method)
	assert.Equal(t, sent.Attempt, received.Attempt)
	require.NotNil(t, received.Step)
	assert.Equal(t, "Open ticket", received.Step.Name)
	assert.Equal(t, "OPS", received.Step.Params["project"])
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxMessageSize+1)
	var resp Response
	err := ReadMessage(bytes.NewReader(header), &resp)
	assert.ErrorContains(t, err, "too large")
}

type echoHandler struct{}

func (echoHandler) Capabilities() CapabilitiesMsg {
	return CapabilitiesMsg{Name: "echo", Description: "echoes the step name", Rollback: true}
}

func (echoHandler) Execute(req Request) Response {
	return Response{Success: true, Output: map[string]any{"echo": req.Step.Name}}
}

func (echoHandler) Rollback(req Request) Response {
	return Response{Success: true, Output: map[string]any{"reason": req.Reason}}
}

type noRollbackHandler struct{}

func (noRollbackHandler) Capabilities() CapabilitiesMsg { return CapabilitiesMsg{Name: "plain"} }

func (noRollbackHandler) Execute(Request) Response { return Response{Success: true} }

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, WriteMessage(conn, &req))
	var resp Response
	require.NoError(t, ReadMessage(conn, &resp))
	return resp
}

func TestServeConn(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = client.Close() }()
	go ServeConn(echoHandler{}, server)

	resp := roundTrip(t, client, Request{Method: MethodCapabilities})
	require.NotNil(t, resp.Caps)
	assert.Equal(t, "echo", resp.Caps.Name)
	assert.True(t, resp.Caps.Rollback)

	resp = roundTrip(t, client, Request{Method: MethodExecute, ID: "c1", Step: &StepMsg{Name: "Notify"}})
	assert.True(t, resp.Success)
	assert.Equal(t, "c1", resp.CallID)
	assert.Equal(t, "Notify", resp.Output["echo"])

	resp = roundTrip(t, client, Request{Method: MethodRollback, Reason: "timeout"})
	assert.Equal(t, "timeout", resp.Output["reason"])

	resp = roundTrip(t, client, Request{Method: "explode"})
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown method")
}

func TestServeConnRollbackUnsupported(t *testing.T) {
	server, client := net.Pipe()
	defer func() { _ = client.Close() }()
	go ServeConn(noRollbackHandler{}, server)

	resp := roundTrip(t, client, Request{Method: MethodRollback, ID: "r1"})
	assert.False(t, resp.Success)
	assert.Equal(t, "rollback not supported", resp.Error)
}

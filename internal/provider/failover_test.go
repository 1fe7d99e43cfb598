package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	id string

	mu     sync.Mutex
	calls  int
	models []string
	err    error
}

func (f *fakeCompleter) ID() string { return f.id }

func (f *fakeCompleter) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.models = append(f.models, req.Model)
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResponse{Content: "ok from " + f.id}, nil
}

func TestChainPrimarySucceeds(t *testing.T) {
	primary := &fakeCompleter{id: "openai"}
	backup := &fakeCompleter{id: "ollama"}
	c := NewChain(DefaultCooldownConfig(), Endpoint{primary, "gpt-4o"}, Endpoint{backup, "llama3"})

	resp, err := c.Complete(context.Background(), &CompletionRequest{Model: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "ok from openai", resp.Content)
	assert.Equal(t, []string{"gpt-4o"}, primary.models)
	assert.Zero(t, backup.calls)
	assert.Equal(t, "openai", c.ID())
}

func TestChainFailsOverOnRetryable(t *testing.T) {
	primary := &fakeCompleter{id: "openai", err: &APIError{StatusCode: 503}}
	backup := &fakeCompleter{id: "ollama"}
	c := NewChain(DefaultCooldownConfig(), Endpoint{primary, "gpt-4o"}, Endpoint{backup, "llama3"})

	resp, err := c.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok from ollama", resp.Content)
}

func TestChainStopsOnNonRetryable(t *testing.T) {
	primary := &fakeCompleter{id: "openai", err: errors.New("malformed request")}
	backup := &fakeCompleter{id: "ollama"}
	c := NewChain(DefaultCooldownConfig(), Endpoint{primary, ""}, Endpoint{backup, ""})

	_, err := c.Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Zero(t, backup.calls)
}

func TestChainCooldownSkipsRateLimitedEndpoint(t *testing.T) {
	primary := &fakeCompleter{id: "openai", err: &APIError{StatusCode: 429}}
	backup := &fakeCompleter{id: "ollama"}
	c := NewChain(CooldownConfig{Initial: time.Minute, Max: time.Hour, Multiplier: 5},
		Endpoint{primary, "a"}, Endpoint{backup, "b"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls, "primary should be cooling down")

	now = now.Add(2 * time.Minute)
	_, _ = c.Complete(context.Background(), &CompletionRequest{})
	assert.Equal(t, 2, primary.calls)
}

func TestChainExhausted(t *testing.T) {
	a := &fakeCompleter{id: "a", err: &APIError{StatusCode: 500, Message: "boom"}}
	b := &fakeCompleter{id: "b", err: &APIError{StatusCode: 401}}
	c := NewChain(DefaultCooldownConfig(), Endpoint{a, "m"}, Endpoint{b, "m"})

	_, err := c.Complete(context.Background(), &CompletionRequest{})
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, []string{"a/m", "b/m"}, ex.Attempted)
	assert.True(t, IsAuthError(err))
}

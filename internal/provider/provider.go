// Package provider holds the chat-completion clients the plan oracle talks
// to. Only non-streaming completions are supported.
package provider

import (
	"context"
	"fmt"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type CompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Completer sends one completion request to a model endpoint.
type Completer interface {
	ID() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

const (
	APIOpenAI    = "openai-completions"
	APIAnthropic = "anthropic-messages"
)

// Config mirrors config.OracleEndpoint to avoid an import cycle.
type Config struct {
	ID      string
	API     string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// FromConfig builds a Completer. The api field selects the wire format:
//   - "openai-completions"  -> OpenAI-compatible (OpenAI, Ollama, vLLM, Azure, etc.)
//   - "anthropic-messages"  -> Anthropic Messages API
func FromConfig(cfg Config) (Completer, error) {
	switch cfg.API {
	case APIOpenAI, "":
		return NewOpenAI(cfg.ID, cfg.BaseURL, cfg.APIKey, WithTimeout(cfg.Timeout)), nil
	case APIAnthropic:
		return NewAnthropic(cfg.ID, cfg.BaseURL, cfg.APIKey, WithTimeout(cfg.Timeout)), nil
	default:
		return nil, fmt.Errorf("unknown api type %q for oracle endpoint %q (supported: %s, %s)",
			cfg.API, cfg.ID, APIOpenAI, APIAnthropic)
	}
}

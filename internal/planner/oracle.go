package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsflow/guardian/internal/provider"
)

// Oracle produces candidate plan text for a request. Its output is untrusted.
type Oracle interface {
	Name() string
	GeneratePlan(ctx context.Context, description string, reqContext map[string]any) (string, error)
}

const (
	defaultOracleTimeout  = 60 * time.Second
	defaultOracleAttempts = 2
	defaultOracleBackoff  = 2 * time.Second
	defaultMaxTokens      = 4096
)

const systemPrompt = `You are the planner for an enterprise workflow automation system.
You turn automation requests into structured, risk-scored, multi-step plans.
Respond with ONLY a JSON object, no additional text.`

const planSchema = `{
  "plan_summary": "Brief description of what this workflow will accomplish",
  "steps": [
    {
      "step_number": 1,
      "name": "Step name",
      "description": "Detailed description of what this step does",
      "tool_integrations": ["list", "of", "required", "tools"],
      "risk_level": "low|medium|high",
      "requires_approval": boolean,
      "estimated_duration": minutes,
      "dependencies": [previous, step, numbers],
      "success_criteria": "How to determine if this step succeeded",
      "rollback_procedure": "What to do if this step fails"
    }
  ],
  "approval_checkpoints": ["List of steps that need human approval"],
  "contingency_plans": {
    "failure_scenarios": ["What could go wrong"],
    "mitigation_strategies": ["How to handle each scenario"]
  }
}`

// LLMOracle asks a chat-completion model for a plan.
type LLMOracle struct {
	completer   provider.Completer
	model       string
	tools       []string
	timeout     time.Duration
	attempts    int
	backoff     time.Duration
	temperature *float64
	logger      *slog.Logger
}

type LLMOption func(*LLMOracle)

// WithTimeout bounds each completion attempt.
func WithTimeout(d time.Duration) LLMOption {
	return func(o *LLMOracle) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry sets how many attempts are made for retryable API errors and the
// base delay between them.
func WithRetry(attempts int, backoff time.Duration) LLMOption {
	return func(o *LLMOracle) {
		if attempts > 0 {
			o.attempts = attempts
		}
		if backoff >= 0 {
			o.backoff = backoff
		}
	}
}

// WithTools lists the tool integration ids the model may reference.
func WithTools(tools []string) LLMOption {
	return func(o *LLMOracle) { o.tools = tools }
}

func WithTemperature(t float64) LLMOption {
	return func(o *LLMOracle) { o.temperature = &t }
}

func WithLogger(l *slog.Logger) LLMOption {
	return func(o *LLMOracle) { o.logger = l }
}

func NewLLMOracle(c provider.Completer, model string, opts ...LLMOption) *LLMOracle {
	o := &LLMOracle{
		completer: c,
		model:     model,
		timeout:   defaultOracleTimeout,
		attempts:  defaultOracleAttempts,
		backoff:   defaultOracleBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o *LLMOracle) Name() string { return "llm:" + o.completer.ID() }

func (o *LLMOracle) GeneratePlan(ctx context.Context, description string, reqContext map[string]any) (string, error) {
	req := &provider.CompletionRequest{
		Model: o.model,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: systemPrompt},
			{Role: provider.RoleUser, Content: o.buildPrompt(description, reqContext)},
		},
		MaxTokens:   defaultMaxTokens,
		Temperature: o.temperature,
	}

	var lastErr error
	for attempt := 1; attempt <= o.attempts; attempt++ {
		if attempt > 1 {
			delay := o.backoff * time.Duration(attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := o.complete(ctx, req)
		if err == nil {
			return resp.Content, nil
		}
		lastErr = err
		if ctx.Err() != nil || !provider.IsRetryable(err) {
			break
		}
		o.logger.Warn("oracle attempt failed, retrying", "oracle", o.Name(), "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("oracle %s: %w", o.Name(), lastErr)
}

func (o *LLMOracle) complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.completer.Complete(ctx, req)
}

func (o *LLMOracle) buildPrompt(description string, reqContext map[string]any) string {
	var b strings.Builder
	b.WriteString("REQUEST DETAILS:\n")
	fmt.Fprintf(&b, "- Description: %s\n", description)
	for _, key := range []string{"requested_by", "priority", "org_id"} {
		if v, ok := reqContext[key]; ok {
			fmt.Fprintf(&b, "- %s: %v\n", key, v)
		}
	}
	if len(reqContext) > 0 {
		if raw, err := json.Marshal(reqContext); err == nil {
			fmt.Fprintf(&b, "- Context: %s\n", raw)
		}
	}

	if len(o.tools) > 0 {
		b.WriteString("\nAVAILABLE INTEGRATIONS:\n")
		for _, t := range o.tools {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	b.WriteString("\nCreate a workflow plan with this structure:\n\n")
	b.WriteString(planSchema)
	b.WriteString(`

REQUIREMENTS:
1. Break the request into specific, actionable steps
2. Only reference the integrations listed above
3. Assess risk from data access, external APIs and user impact
4. Dependencies may only reference earlier step numbers
5. Give each step a success criterion and a rollback procedure
6. Estimate realistic durations in minutes`)
	return b.String()
}

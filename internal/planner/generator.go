// Package planner turns automation requests into validated plans. All
// defensive handling of oracle output lives here: callers only ever receive
// plans that went through plan.Normalize and the approval policy.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/policy"
)

// Kind tells whether a plan came from oracle output or the fallback path.
type Kind int

const (
	Validated Kind = iota
	Fallback
)

func (k Kind) String() string {
	if k == Fallback {
		return "fallback"
	}
	return "validated"
}

// Outcome is the result of one generation. Plan is never nil. Cause holds
// the oracle or parse failure that forced a fallback, if any.
type Outcome struct {
	Plan     *plan.Plan
	Kind     Kind
	Warnings []plan.Warning
	Cause    error
}

// Metadata keys set on generated plans.
const (
	MetaOracle    = "oracle"
	MetaRawOutput = "raw_output"
	MetaRequest   = "request"
)

const maxRawOutput = 16 << 10

// ErrNoSteps is the fallback cause when the oracle output decoded but held
// no usable steps.
var ErrNoSteps = errors.New("oracle output contained no usable steps")

// IsOracleFailure reports whether a fallback cause came from the oracle call
// itself rather than from unusable output.
func IsOracleFailure(cause error) bool {
	return cause != nil && !errors.Is(cause, ErrNoCandidate) && !errors.Is(cause, ErrNoSteps)
}

type Generator struct {
	oracle   Oracle
	policies policy.Provider
	logger   *slog.Logger
	now      func() time.Time
}

type GeneratorOption func(*Generator)

// WithPolicies sets the organization policy source. Without one every plan
// is classified against policy.Default.
func WithPolicies(p policy.Provider) GeneratorOption {
	return func(g *Generator) { g.policies = p }
}

func WithGeneratorLogger(l *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

// WithClock overrides the time source used for plan timestamps.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(oracle Oracle, opts ...GeneratorOption) *Generator {
	g := &Generator{oracle: oracle, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Generate never fails: oracle errors, panics and unparseable output all end
// in a validated fallback plan.
func (g *Generator) Generate(ctx context.Context, req plan.Request) Outcome {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := g.logger.With("request_id", req.ID)

	raw, cause := g.callOracle(ctx, req)
	var candidate map[string]any
	if cause == nil {
		var err error
		candidate, err = Extract(raw)
		if err != nil {
			cause = err
		}
	}

	p, warnings := plan.Normalize(candidate, req)
	for _, w := range warnings {
		logger.Warn("plan candidate repaired", "warning", w.String())
	}

	pol := policy.Resolve(ctx, g.policies, req.OrgID, logger)
	policy.Apply(p, pol)

	now := g.now()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Metadata[MetaOracle] = g.oracleName()
	p.Metadata[MetaRequest] = req.Description
	if raw != "" {
		p.Metadata[MetaRawOutput] = truncate(raw, maxRawOutput)
	}

	out := Outcome{Plan: p, Kind: Validated, Warnings: warnings, Cause: cause}
	if p.Source == plan.SourceFallback {
		out.Kind = Fallback
		if cause == nil {
			cause = ErrNoSteps
			out.Cause = cause
		}
		logger.Warn("using fallback plan", "plan_id", p.ID, "oracle", g.oracleName(), "error", cause)
	} else {
		logger.Info("plan generated", "plan_id", p.ID, "steps", len(p.Steps),
			"risk", p.OverallRisk, "confidence", p.Confidence, "requires_approval", p.RequiresHumanApproval)
	}
	return out
}

func (g *Generator) callOracle(ctx context.Context, req plan.Request) (raw string, err error) {
	if g.oracle == nil {
		return "", fmt.Errorf("no oracle configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("oracle %s panicked: %v", g.oracle.Name(), r)
		}
	}()
	return g.oracle.GeneratePlan(ctx, req.Description, oracleContext(req))
}

func (g *Generator) oracleName() string {
	if g.oracle == nil {
		return "none"
	}
	return g.oracle.Name()
}

func oracleContext(req plan.Request) map[string]any {
	out := make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		out[k] = v
	}
	if req.RequestedBy != "" {
		out["requested_by"] = req.RequestedBy
	}
	if req.Priority != "" {
		out["priority"] = req.Priority
	}
	if req.OrgID != "" {
		out["org_id"] = req.OrgID
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}

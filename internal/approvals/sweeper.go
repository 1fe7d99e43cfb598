// Package approvals watches plans waiting for human sign-off. It flags
// overdue approvals but never decides on a plan's behalf.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsflow/guardian/internal/agents"
	"github.com/opsflow/guardian/internal/metrics"
	"github.com/opsflow/guardian/internal/plan"
	"github.com/opsflow/guardian/internal/store"
)

const (
	DefaultSchedule   = "@every 5m"
	DefaultStaleAfter = 24 * time.Hour
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule checks a cron expression or descriptor such as
// "@every 5m".
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Engine is the part of the execution engine the sweeper needs.
type Engine interface {
	ListPlans(ctx context.Context, f store.ListFilter) ([]*plan.Plan, error)
	MarkStale(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// Report summarizes one sweep.
type Report struct {
	Pending int
	Stale   int
	Marked  int
}

type Sweeper struct {
	engine     Engine
	agents     *agents.Registry
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	schedule   string
	staleAfter time.Duration

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

type Option func(*Sweeper)

func WithSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithStaleAfter sets how long a plan may wait before it is flagged.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithAgents(r *agents.Registry) Option {
	return func(s *Sweeper) { s.agents = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(engine Engine, opts ...Option) *Sweeper {
	s := &Sweeper{
		engine:     engine,
		now:        time.Now,
		schedule:   DefaultSchedule,
		staleAfter: DefaultStaleAfter,
	}
	for _, o := range opts {
		o(s)
	}
	if s.agents == nil {
		s.agents = agents.NewRegistry(nil)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Start schedules periodic sweeps. A sweep still running when the next one
// is due is skipped.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("approval sweep failed", "error", err)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.cancel = cancel
	s.logger.Info("approval sweeper started", "schedule", s.schedule, "stale_after", s.staleAfter)
	return nil
}

// Stop cancels scheduling and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// Sweep flags every pending plan that has waited longer than the stale
// threshold and refreshes the approval gauges. Plan status never changes.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	finish, err := s.agents.Begin(ctx, agents.RoleAuditor)
	if err != nil {
		s.logger.Warn("agent status update failed", "role", agents.RoleAuditor, "error", err)
		finish = func(error) {}
	}

	rep, err := s.sweep(ctx)
	finish(err)
	if err != nil {
		return rep, err
	}
	s.metrics.SetApprovals(rep.Pending, rep.Stale)
	if rep.Marked > 0 {
		s.logger.Warn("approvals overdue", "marked", rep.Marked, "stale", rep.Stale, "pending", rep.Pending)
	}
	return rep, nil
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := s.engine.ListPlans(ctx, store.ListFilter{Status: plan.StatusPendingApproval})
	if err != nil {
		return rep, fmt.Errorf("list pending plans: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	for _, p := range pending {
		rep.Pending++
		if p.StaleSince != nil {
			rep.Stale++
			continue
		}
		marked, err := s.engine.MarkStale(ctx, p.ID, cutoff)
		if err != nil {
			return rep, fmt.Errorf("mark plan %s stale: %w", p.ID, err)
		}
		if marked {
			rep.Stale++
			rep.Marked++
			s.logger.Info("approval overdue", "plan_id", p.ID, "created_at", p.CreatedAt)
		}
	}
	return rep, nil
}

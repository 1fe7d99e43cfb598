package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/opsflow/guardian/internal/agents"
	"github.com/opsflow/guardian/internal/approvals"
	"github.com/opsflow/guardian/internal/audit"
	"github.com/opsflow/guardian/internal/config"
	"github.com/opsflow/guardian/internal/engine"
	"github.com/opsflow/guardian/internal/metrics"
	"github.com/opsflow/guardian/internal/planner"
	"github.com/opsflow/guardian/internal/policy"
	"github.com/opsflow/guardian/internal/provider"
	"github.com/opsflow/guardian/internal/store"
	"github.com/opsflow/guardian/internal/toolkit"
)

// app holds everything built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	engine   *engine.Engine
	audit    *audit.Log
	agents   *agents.Registry
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	sweeper  *approvals.Sweeper

	closers []func() error
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var rdb *redis.Client
	if cfg.Store.Driver == config.StoreRedis || cfg.Agents.Store == config.StoreRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Store.Redis.Addr, err)
		}
	}

	var (
		repo     store.Repository
		auditOpt []audit.Option
	)
	switch cfg.Store.Driver {
	case config.StoreSQLite, config.StorePostgres:
		db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		repo = store.NewSQL(db)
		auditOpt = append(auditOpt, audit.WithSink(store.NewAuditSink(db)))
	case config.StoreRedis:
		repo = store.NewRedis(rdb, cfg.Store.Redis.Prefix)
	default:
		repo = store.NewMemory()
	}

	a.audit = audit.NewLog(append(auditOpt,
		audit.WithHistoryLimit(cfg.Store.AuditHistory),
		audit.WithLogger(logger),
	)...)
	a.closers = append(a.closers, func() error { a.audit.Close(); return nil })

	var agentStore agents.Store
	if cfg.Agents.Store == config.StoreRedis {
		agentStore = agents.NewRedisStore(rdb, cfg.Agents.Prefix)
	}
	a.agents = agents.NewRegistry(agentStore)

	tools := toolkit.NewRegistry()
	loader := toolkit.NewLoader(tools, logger)
	a.closers = append(a.closers, func() error { loader.StopAll(); return nil })
	entries := make([]toolkit.Entry, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		entries = append(entries, toolkit.Entry{
			Name:        t.Name,
			Kind:        t.Kind,
			Path:        t.Path,
			Address:     t.Address,
			Description: t.Description,
			Enabled:     t.IsEnabled(),
		})
	}
	if err := loader.LoadAll(ctx, entries); err != nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	guard := toolkit.NewGuard()
	guard.Timeout = cfg.Engine.ToolTimeoutDuration()
	dispatcher := toolkit.NewDispatcher(tools,
		toolkit.WithGuard(guard),
		toolkit.WithRetries(cfg.Engine.MaxAttempts, cfg.Engine.BackoffDuration()),
		toolkit.WithDispatchLogger(logger),
	)

	policies := policy.NewStatic(cfg.Policy.Orgs)
	oracle, err := buildOracle(cfg.Oracle, tools.Names(), logger)
	if err != nil {
		return nil, err
	}
	generator := planner.NewGenerator(oracle,
		planner.WithPolicies(policies),
		planner.WithGeneratorLogger(logger),
	)

	a.engine = engine.New(generator,
		engine.WithStore(repo),
		engine.WithDispatcher(dispatcher),
		engine.WithPolicies(policies),
		engine.WithAgents(a.agents),
		engine.WithAudit(a.audit),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(logger),
		engine.WithMaxParallel(cfg.Engine.MaxParallel),
		engine.WithApprovers(cfg.Engine.Approvers...),
		engine.WithResumeOnApproval(cfg.Engine.ResumeOnApprovalOrDefault()),
	)
	// the engine stops before the audit log and stores it writes to
	a.closers = append(a.closers, func() error { a.engine.Close(); return nil })

	a.sweeper = approvals.NewSweeper(a.engine,
		approvals.WithSchedule(cfg.Approvals.Schedule),
		approvals.WithStaleAfter(cfg.Approvals.StaleAfterDuration()),
		approvals.WithAgents(a.agents),
		approvals.WithMetrics(a.metrics),
		approvals.WithLogger(logger),
	)
	return a, nil
}

func buildOracle(cfg config.OracleConfig, tools []string, logger *slog.Logger) (planner.Oracle, error) {
	if cfg.Kind != config.OracleLLM {
		return planner.NewTemplateOracle(tools...), nil
	}
	endpoints := make([]provider.Endpoint, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		c, err := provider.FromConfig(provider.Config{
			ID:      ep.ID,
			API:     ep.API,
			BaseURL: ep.BaseURL,
			APIKey:  ep.APIKey,
			Timeout: ep.TimeoutDuration(),
		})
		if err != nil {
			return nil, err
		}
		model := ep.Model
		if model == "" {
			model = cfg.Model
		}
		endpoints = append(endpoints, provider.Endpoint{Client: c, Model: model})
	}
	chain := provider.NewChain(provider.CooldownConfig{
		Initial:    cfg.Cooldowns.InitialDuration(),
		Max:        cfg.Cooldowns.MaxDuration(),
		Multiplier: cfg.Cooldowns.MultiplierOrDefault(),
	}, endpoints...)

	opts := []planner.LLMOption{
		planner.WithTimeout(cfg.TimeoutDuration()),
		planner.WithRetry(cfg.Attempts, cfg.BackoffDuration()),
		planner.WithTools(tools),
		planner.WithLogger(logger),
	}
	if cfg.Temperature != nil {
		opts = append(opts, planner.WithTemperature(*cfg.Temperature))
	}
	return planner.NewLLMOracle(chain, cfg.Model, opts...), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

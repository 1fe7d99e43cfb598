package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsflow/guardian/internal/policy"
)

type Config struct {
	Oracle    OracleConfig    `yaml:"oracle"`
	Engine    EngineConfig    `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	Agents    AgentsConfig    `yaml:"agents"`
	Policy    PolicyConfig    `yaml:"policy"`
	Tools     []ToolConfig    `yaml:"tools"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

const (
	OracleTemplate = "template"
	OracleLLM      = "llm"
)

type OracleConfig struct {
	// Kind is "template" (built-in keyword templates) or "llm".
	Kind        string           `yaml:"kind"`
	Model       string           `yaml:"model"`
	Endpoints   []OracleEndpoint `yaml:"endpoints"`
	Timeout     string           `yaml:"timeout"`
	Attempts    int              `yaml:"attempts"`
	Backoff     string           `yaml:"backoff"`
	Temperature *float64         `yaml:"temperature"`
	Cooldowns   CooldownConfig   `yaml:"cooldowns"`
}

// OracleEndpoint is one chat-completion endpoint. Endpoints are tried in
// order.
type OracleEndpoint struct {
	ID      string `yaml:"id"`
	API     string `yaml:"api"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

type CooldownConfig struct {
	Initial    string `yaml:"initial"`
	Max        string `yaml:"max"`
	Multiplier int    `yaml:"multiplier"`
}

type EngineConfig struct {
	MaxParallel int    `yaml:"max_parallel"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	ToolTimeout string `yaml:"tool_timeout"`
	// ResumeOnApproval restarts execution as soon as an approval arrives.
	// Unset means true.
	ResumeOnApproval *bool    `yaml:"resume_on_approval"`
	Approvers        []string `yaml:"approvers"`
}

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
	// AuditHistory caps the audit events kept in memory; 0 uses the default.
	AuditHistory int `yaml:"audit_history"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type AgentsConfig struct {
	// Store is "memory" or "redis"; redis reuses store.redis.
	Store  string `yaml:"store"`
	Prefix string `yaml:"prefix"`
}

type PolicyConfig struct {
	Orgs map[string]policy.OrgConfig `yaml:"orgs"`
}

type ToolConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Path        string `yaml:"path"`
	Address     string `yaml:"address"`
	Description string `yaml:"description"`
	Enabled     *bool  `yaml:"enabled"`
}

func (t ToolConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

type ApprovalsConfig struct {
	Schedule   string `yaml:"schedule"`
	StaleAfter string `yaml:"stale_after"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	MetricsPath string   `yaml:"metrics_path"`
	StreamPath  string   `yaml:"stream_path"`
	Origins     []string `yaml:"origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default is a self-contained setup: template oracle, in-memory storage.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Oracle.Kind == "" {
		c.Oracle.Kind = OracleTemplate
		if len(c.Oracle.Endpoints) > 0 {
			c.Oracle.Kind = OracleLLM
		}
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Agents.Store == "" {
		c.Agents.Store = StoreMemory
	}
	if c.Approvals.Schedule == "" {
		c.Approvals.Schedule = "@every 5m"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}
	if c.Server.StreamPath == "" {
		c.Server.StreamPath = "/audit/stream"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]string{
		"oracle.timeout":           c.Oracle.Timeout,
		"oracle.backoff":           c.Oracle.Backoff,
		"oracle.cooldowns.initial": c.Oracle.Cooldowns.Initial,
		"oracle.cooldowns.max":     c.Oracle.Cooldowns.Max,
		"engine.backoff":           c.Engine.Backoff,
		"engine.tool_timeout":      c.Engine.ToolTimeout,
		"approvals.stale_after":    c.Approvals.StaleAfter,
	}
	for i, ep := range c.Oracle.Endpoints {
		durations[fmt.Sprintf("oracle.endpoints[%d].timeout", i)] = ep.Timeout
	}
	for field, v := range durations {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, v))
		}
	}

	switch c.Oracle.Kind {
	case OracleTemplate:
	case OracleLLM:
		if len(c.Oracle.Endpoints) == 0 {
			errs = append(errs, errors.New("oracle: kind llm needs at least one endpoint"))
		}
		if c.Oracle.Model == "" {
			for i, ep := range c.Oracle.Endpoints {
				if ep.Model == "" {
					errs = append(errs, fmt.Errorf("oracle.endpoints[%d]: model is required when oracle.model is empty", i))
				}
			}
		}
	default:
		errs = append(errs, fmt.Errorf("oracle.kind: unknown kind %q", c.Oracle.Kind))
	}

	if c.Store.AuditHistory < 0 {
		errs = append(errs, fmt.Errorf("store.audit_history: must not be negative, got %d", c.Store.AuditHistory))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite, StorePostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store: driver %s needs a dsn", c.Store.Driver))
		}
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	switch c.Agents.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("agents: store redis needs store.redis.addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("agents.store: unknown store %q", c.Agents.Store))
	}

	seen := make(map[string]bool, len(c.Tools))
	for i, t := range c.Tools {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tools[%d]: name is required", i))
			continue
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name))
		}
		seen[t.Name] = true
	}

	for id, oc := range c.Policy.Orgs {
		if oc.RiskTolerance != "" {
			if _, ok := policy.ParseTolerance(oc.RiskTolerance); !ok {
				errs = append(errs, fmt.Errorf("policy.orgs.%s: unknown risk_tolerance %q", id, oc.RiskTolerance))
			}
		}
		if th := oc.ConfidenceThreshold; th != nil && (*th < 0 || *th > 1) {
			errs = append(errs, fmt.Errorf("policy.orgs.%s: confidence_threshold %v outside [0,1]", id, *th))
		}
	}
	return errors.Join(errs...)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func (o OracleConfig) TimeoutDuration() time.Duration { return parseDuration(o.Timeout, 60*time.Second) }
func (o OracleConfig) BackoffDuration() time.Duration { return parseDuration(o.Backoff, 2*time.Second) }

func (e OracleEndpoint) TimeoutDuration() time.Duration { return parseDuration(e.Timeout, 0) }

func (c CooldownConfig) InitialDuration() time.Duration { return parseDuration(c.Initial, time.Minute) }
func (c CooldownConfig) MaxDuration() time.Duration { return parseDuration(c.Max, time.Hour) }

func (c CooldownConfig) MultiplierOrDefault() int {
	if c.Multiplier < 1 {
		return 5
	}
	return c.Multiplier
}

func (e EngineConfig) BackoffDuration() time.Duration { return parseDuration(e.Backoff, time.Second) }
func (e EngineConfig) ToolTimeoutDuration() time.Duration { return parseDuration(e.ToolTimeout, 30*time.Second) }

func (e EngineConfig) ResumeOnApprovalOrDefault() bool {
	return e.ResumeOnApproval == nil || *e.ResumeOnApproval
}

func (a ApprovalsConfig) StaleAfterDuration() time.Duration {
	return parseDuration(a.StaleAfter, 24*time.Hour)
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// expandSecrets resolves ${VAR} placeholders in credentials, DSNs and
// addresses.
func expandSecrets(cfg *Config) {
	for i, ep := range cfg.Oracle.Endpoints {
		ep.BaseURL = expandEnv(ep.BaseURL)
		ep.APIKey = expandEnv(ep.APIKey)
		cfg.Oracle.Endpoints[i] = ep
	}
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Store.Redis.Addr = expandEnv(cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = expandEnv(cfg.Store.Redis.Password)
	for i, t := range cfg.Tools {
		t.Path = expandEnv(t.Path)
		t.Address = expandEnv(t.Address)
		cfg.Tools[i] = t
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expandSecrets(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

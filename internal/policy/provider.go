package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Provider looks up an organization's approval policy. ok is false when the
// organization has none.
type Provider interface {
	Lookup(ctx context.Context, orgID string) (pol OrgPolicy, ok bool, err error)
}

// Industry presets applied when an organization declares its industry but no
// explicit policy.
var industryPresets = map[string]OrgPolicy{
	"technology":    {ConfidenceThreshold: 0.7, RiskTolerance: ToleranceHigh},
	"finance":       {ConfidenceThreshold: 0.9, RiskTolerance: ToleranceLow},
	"healthcare":    {ConfidenceThreshold: 0.95, RiskTolerance: ToleranceLow},
	"manufacturing": {ConfidenceThreshold: 0.8, RiskTolerance: ToleranceMedium},
}

// Preset returns the preset for an industry name.
func Preset(industry string) (OrgPolicy, bool) {
	p, ok := industryPresets[strings.ToLower(strings.TrimSpace(industry))]
	return p, ok
}

// OrgConfig is one organization entry as configured.
type OrgConfig struct {
	Industry            string   `yaml:"industry"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	RiskTolerance       string   `yaml:"risk_tolerance"`
}

// Static is an in-memory Provider. Explicit fields override the industry
// preset; an organization without a known industry starts from Default.
type Static struct {
	mu   sync.RWMutex
	orgs map[string]OrgPolicy
}

func NewStatic(orgs map[string]OrgConfig) *Static {
	s := &Static{orgs: make(map[string]OrgPolicy, len(orgs))}
	for id, oc := range orgs {
		s.Configure(id, oc)
	}
	return s
}

// Configure sets or replaces an organization's policy.
func (s *Static) Configure(orgID string, oc OrgConfig) {
	pol, ok := Preset(oc.Industry)
	if !ok {
		pol = Default()
	}
	if oc.ConfidenceThreshold != nil {
		pol.ConfidenceThreshold = *oc.ConfidenceThreshold
	}
	if t, ok := ParseTolerance(oc.RiskTolerance); ok {
		pol.RiskTolerance = t
	}
	s.Set(orgID, pol)
}

// Set stores a policy verbatim.
func (s *Static) Set(orgID string, pol OrgPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[orgID] = pol.Sanitize()
}

func (s *Static) Lookup(_ context.Context, orgID string) (OrgPolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pol, ok := s.orgs[orgID]
	return pol, ok, nil
}

// Resolve returns the organization's policy, or Default when there is no
// provider, no policy, or the lookup fails.
func Resolve(ctx context.Context, p Provider, orgID string, logger *slog.Logger) OrgPolicy {
	if p == nil || orgID == "" {
		return Default()
	}
	pol, ok, err := p.Lookup(ctx, orgID)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("policy lookup failed, using default", "org_id", orgID, "error", err)
		return Default()
	}
	if !ok {
		return Default()
	}
	return pol.Sanitize()
}

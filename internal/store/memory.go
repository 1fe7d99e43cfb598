package store

import (
	"context"
	"errors"
	"sync"

	"github.com/opsflow/guardian/internal/plan"
)

// Memory is an in-process repository.
type Memory struct {
	mu    sync.RWMutex
	plans map[string]*plan.Plan
}

func NewMemory() *Memory {
	return &Memory{plans: make(map[string]*plan.Plan)}
}

func (m *Memory) Get(_ context.Context, id string) (*plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) Put(_ context.Context, p *plan.Plan) error {
	if p == nil || p.ID == "" {
		return errors.New("put plan: missing id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p.Clone()
	return nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]*plan.Plan, error) {
	m.mu.RLock()
	out := make([]*plan.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if f.match(p) {
			out = append(out, p.Clone())
		}
	}
	m.mu.RUnlock()
	sortPlans(out)
	return limit(out, f.Limit), nil
}

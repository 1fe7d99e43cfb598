// Package store persists plans. Every repository returns deep copies, so
// callers never share state with the backing storage.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/opsflow/guardian/internal/plan"
)

var ErrNotFound = errors.New("plan not found")

// ListFilter selects plans. Zero fields match everything.
type ListFilter struct {
	Status plan.Status
	OrgID  string
	// Limit caps the result size when positive.
	Limit int
}

func (f ListFilter) match(p *plan.Plan) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.OrgID != "" && p.OrgID != f.OrgID {
		return false
	}
	return true
}

// Repository is the plan storage seam used by the engine and the approval
// sweeper.
type Repository interface {
	Get(ctx context.Context, id string) (*plan.Plan, error)
	Put(ctx context.Context, p *plan.Plan) error
	List(ctx context.Context, f ListFilter) ([]*plan.Plan, error)
}

// sortPlans orders oldest first, ties broken by id.
func sortPlans(plans []*plan.Plan) {
	sort.Slice(plans, func(i, j int) bool {
		if !plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].CreatedAt.Before(plans[j].CreatedAt)
		}
		return plans[i].ID < plans[j].ID
	})
}

func limit(plans []*plan.Plan, n int) []*plan.Plan {
	if n > 0 && len(plans) > n {
		return plans[:n]
	}
	return plans
}

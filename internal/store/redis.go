package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/opsflow/guardian/internal/plan"
)

// Redis keeps each plan as a JSON string under <prefix>plan:<id>, with
// secondary sets per status and per org and a sorted index by creation time.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis uses the key prefix "guardian:" when prefix is empty.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "guardian:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) planKey(id string) string { return r.prefix + "plan:" + id }
func (r *Redis) statusKey(s plan.Status) string { return r.prefix + "plans:status:" + string(s) }
func (r *Redis) orgKey(org string) string { return r.prefix + "plans:org:" + org }
func (r *Redis) indexKey() string { return r.prefix + "plans:index" }

func (r *Redis) Get(ctx context.Context, id string) (*plan.Plan, error) {
	doc, err := r.client.Get(ctx, r.planKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return decodePlan(doc)
}

func (r *Redis) Put(ctx context.Context, p *plan.Plan) error {
	if p == nil || p.ID == "" {
		return errors.New("put plan: missing id")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}

	var previous plan.Status
	if old, err := r.Get(ctx, p.ID); err == nil {
		previous = old.Status
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.planKey(p.ID), doc, 0)
		if previous != "" && previous != p.Status {
			pipe.SRem(ctx, r.statusKey(previous), p.ID)
		}
		pipe.SAdd(ctx, r.statusKey(p.Status), p.ID)
		if p.OrgID != "" {
			pipe.SAdd(ctx, r.orgKey(p.OrgID), p.ID)
		}
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(p.CreatedAt.UnixNano()), Member: p.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put plan %s: %w", p.ID, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, f ListFilter) ([]*plan.Plan, error) {
	var (
		ids []string
		err error
	)
	switch {
	case f.Status != "" && f.OrgID != "":
		ids, err = r.client.SInter(ctx, r.statusKey(f.Status), r.orgKey(f.OrgID)).Result()
	case f.Status != "":
		ids, err = r.client.SMembers(ctx, r.statusKey(f.Status)).Result()
	case f.OrgID != "":
		ids, err = r.client.SMembers(ctx, r.orgKey(f.OrgID)).Result()
	default:
		ids, err = r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.planKey(id)
	}
	docs, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]*plan.Plan, 0, len(docs))
	for _, d := range docs {
		s, ok := d.(string)
		if !ok {
			continue
		}
		p, err := decodePlan(s)
		if err != nil {
			return nil, err
		}
		// the sets are only hints; the document is authoritative
		if f.match(p) {
			out = append(out, p)
		}
	}
	sortPlans(out)
	return limit(out, f.Limit), nil
}

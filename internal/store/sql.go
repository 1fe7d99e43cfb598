package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsflow/guardian/internal/plan"
)

// SQL stores each plan as a JSON document next to indexed status and org
// columns.
type SQL struct {
	db *DB
}

func NewSQL(db *DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Get(ctx context.Context, id string) (*plan.Plan, error) {
	var doc string
	err := s.db.db.QueryRowContext(ctx, s.db.rebind("SELECT document FROM plans WHERE id = ?"), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", id, err)
	}
	return decodePlan(doc)
}

func (s *SQL) Put(ctx context.Context, p *plan.Plan) error {
	if p == nil || p.ID == "" {
		return errors.New("put plan: missing id")
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", p.ID, err)
	}
	const q = `INSERT INTO plans (id, org_id, status, document, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    org_id = excluded.org_id,
    status = excluded.status,
    document = excluded.document,
    updated_at = excluded.updated_at`
	_, err = s.db.db.ExecContext(ctx, s.db.rebind(q),
		p.ID, p.OrgID, string(p.Status), string(doc),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put plan %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQL) List(ctx context.Context, f ListFilter) ([]*plan.Plan, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, f.OrgID)
	}
	q := "SELECT document FROM plans"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*plan.Plan
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list plans: %w", err)
		}
		p, err := decodePlan(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePlan(doc string) (*plan.Plan, error) {
	var p plan.Plan
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// formatTime uses a fixed-width UTC layout so text ordering matches time
// ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

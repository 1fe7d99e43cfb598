package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opsflow/guardian/internal/audit"
)

// AuditSink writes audit events to the audit_events table. It implements
// audit.Sink.
type AuditSink struct {
	db *DB
}

func NewAuditSink(db *DB) *AuditSink {
	return &AuditSink{db: db}
}

func (s *AuditSink) Write(ctx context.Context, e audit.Event) error {
	oldVals, err := encodeValues(e.OldValues)
	if err != nil {
		return err
	}
	newVals, err := encodeValues(e.NewValues)
	if err != nil {
		return err
	}
	success := 0
	if e.Success {
		success = 1
	}
	const q = `INSERT INTO audit_events
(id, seq, event_type, resource_type, resource_id, actor, description, success, error, old_values, new_values, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.db.ExecContext(ctx, s.db.rebind(q),
		e.ID, e.Seq, string(e.Type), e.ResourceType, e.ResourceID, e.Actor, e.Description,
		success, e.Error, oldVals, newVals, formatTime(e.Timestamp))
	if err != nil {
		return fmt.Errorf("write audit event %s: %w", e.ID, err)
	}
	return nil
}

// Events reads back the persisted events matching f, oldest first.
func (s *AuditSink) Events(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	q := `SELECT id, seq, event_type, resource_type, resource_id, actor, description, success, error,
old_values, new_values, created_at FROM audit_events WHERE 1 = 1`
	var args []any
	if f.ResourceType != "" {
		q += " AND resource_type = ?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		q += " AND resource_id = ?"
		args = append(args, f.ResourceID)
	}
	if f.FailuresOnly {
		q += " AND success = 0"
	}
	q += " ORDER BY created_at, resource_id, seq"

	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Event
	for rows.Next() {
		var (
			e                audit.Event
			typ, created     string
			success          int
			oldVals, newVals sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Seq, &typ, &e.ResourceType, &e.ResourceID, &e.Actor,
			&e.Description, &success, &e.Error, &oldVals, &newVals, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Type = audit.EventType(typ)
		e.Success = success != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		e.OldValues = decodeValues(oldVals)
		e.NewValues = decodeValues(newVals)
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func encodeValues(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode audit values: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeValues(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

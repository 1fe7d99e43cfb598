package agents

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldStatus     = "status"
	fieldCompleted  = "tasks_completed"
	fieldFailed     = "tasks_failed"
	fieldDurationMS = "total_duration_ms"
	fieldLastError  = "last_error"
	fieldLastActive = "last_active"
)

// RedisStore keeps one hash per role under <prefix><role>, so several
// guardian processes aggregate into the same counters.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore uses the key prefix "agent:" when prefix is empty.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "agent:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(role Role) string { return s.prefix + string(role) }

func (s *RedisStore) Load(ctx context.Context, role Role) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(role)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load agent %s: %w", role, err)
	}
	rec := Record{Role: role, Status: StatusIdle}
	if st, ok := ParseStatus(vals[fieldStatus]); ok {
		rec.Status = st
	}
	rec.TasksCompleted, _ = strconv.ParseInt(vals[fieldCompleted], 10, 64)
	rec.TasksFailed, _ = strconv.ParseInt(vals[fieldFailed], 10, 64)
	if ms, err := strconv.ParseInt(vals[fieldDurationMS], 10, 64); err == nil {
		rec.TotalDuration = time.Duration(ms) * time.Millisecond
	}
	rec.LastError = vals[fieldLastError]
	if ts, err := strconv.ParseInt(vals[fieldLastActive], 10, 64); err == nil && ts > 0 {
		rec.LastActive = time.UnixMilli(ts).UTC()
	}
	return rec, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, role Role, status Status, lastError string, at time.Time) error {
	values := []any{fieldStatus, string(status), fieldLastActive, at.UnixMilli()}
	if lastError != "" {
		values = append(values, fieldLastError, lastError)
	}
	if err := s.client.HSet(ctx, s.key(role), values...).Err(); err != nil {
		return fmt.Errorf("set agent %s status: %w", role, err)
	}
	return nil
}

func (s *RedisStore) AddOutcome(ctx context.Context, role Role, success bool, d time.Duration, at time.Time) error {
	key := s.key(role)
	counter := fieldFailed
	if success {
		counter = fieldCompleted
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, counter, 1)
		pipe.HIncrBy(ctx, key, fieldDurationMS, d.Milliseconds())
		pipe.HSet(ctx, key, fieldLastActive, at.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("record agent %s outcome: %w", role, err)
	}
	return nil
}

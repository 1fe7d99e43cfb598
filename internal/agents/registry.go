// Package agents tracks the status and cumulative metrics of the planner,
// executor and auditor roles. Status is system-wide: concurrent plans share
// one record per role and writes are last-writer-wins.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type Role string

const (
	RolePlanner  Role = "planner"
	RoleExecutor Role = "executor"
	RoleAuditor  Role = "auditor"
)

// Roles lists every role in a stable order.
var Roles = []Role{RolePlanner, RoleExecutor, RoleAuditor}

func (r Role) IsValid() bool {
	return r == RolePlanner || r == RoleExecutor || r == RoleAuditor
}

type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusError   Status = "error"
)

// ParseStatus accepts "active" as an alias of idle.
func ParseStatus(s string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "active":
		return StatusIdle, true
	case "working":
		return StatusWorking, true
	case "error":
		return StatusError, true
	default:
		return "", false
	}
}

var ErrUnknownRole = errors.New("unknown agent role")

// Record is the state of one role.
type Record struct {
	Role           Role          `json:"role"`
	Status         Status        `json:"status"`
	TasksCompleted int64         `json:"tasks_completed"`
	TasksFailed    int64         `json:"tasks_failed"`
	TotalDuration  time.Duration `json:"total_duration"`
	LastError      string        `json:"last_error,omitempty"`
	LastActive     time.Time     `json:"last_active,omitempty"`
}

// SuccessRate is completed / (completed + failed), 0 with no tasks.
func (r Record) SuccessRate() float64 {
	total := r.TasksCompleted + r.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(r.TasksCompleted) / float64(total)
}

// AverageDuration is the mean execution time over all recorded tasks.
func (r Record) AverageDuration() time.Duration {
	total := r.TasksCompleted + r.TasksFailed
	if total == 0 {
		return 0
	}
	return r.TotalDuration / time.Duration(total)
}

// Store persists role records. Implementations must be safe for concurrent
// use; AddOutcome must be an atomic increment.
type Store interface {
	Load(ctx context.Context, role Role) (Record, error)
	SetStatus(ctx context.Context, role Role, status Status, lastError string, at time.Time) error
	AddOutcome(ctx context.Context, role Role, success bool, d time.Duration, at time.Time) error
}

// Registry is the entry point used by the engine and planner.
type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Registry{store: store, now: time.Now}
}

func (r *Registry) SetStatus(ctx context.Context, role Role, status Status) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return r.store.SetStatus(ctx, role, status, "", r.now())
}

func (r *Registry) Status(ctx context.Context, role Role) (Status, error) {
	rec, err := r.Get(ctx, role)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (r *Registry) Get(ctx context.Context, role Role) (Record, error) {
	if !role.IsValid() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return r.store.Load(ctx, role)
}

// RecordOutcome adds one finished task to the role's running totals.
func (r *Registry) RecordOutcome(ctx context.Context, role Role, success bool, d time.Duration) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return r.store.AddOutcome(ctx, role, success, d, r.now())
}

// Begin marks the role working and returns a function that records the
// outcome and moves the role back to idle. A non-nil err passes through
// error first; the cause stays in LastError.
func (r *Registry) Begin(ctx context.Context, role Role) (func(err error), error) {
	if err := r.SetStatus(ctx, role, StatusWorking); err != nil {
		return nil, err
	}
	start := r.now()
	return func(taskErr error) {
		ctx := context.WithoutCancel(ctx)
		_ = r.store.AddOutcome(ctx, role, taskErr == nil, r.now().Sub(start), r.now())
		if taskErr != nil {
			_ = r.store.SetStatus(ctx, role, StatusError, taskErr.Error(), r.now())
		}
		_ = r.store.SetStatus(ctx, role, StatusIdle, "", r.now())
	}, nil
}

// Release moves the role back to idle without recording an outcome, for
// work that was interrupted rather than finished.
func (r *Registry) Release(ctx context.Context, role Role) error {
	return r.SetStatus(context.WithoutCancel(ctx), role, StatusIdle)
}

// Snapshot returns every role's record.
func (r *Registry) Snapshot(ctx context.Context) ([]Record, error) {
	out := make([]Record, 0, len(Roles))
	for _, role := range Roles {
		rec, err := r.store.Load(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", role, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Role]*Record
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{records: make(map[Role]*Record, len(Roles))}
	for _, role := range Roles {
		s.records[role] = &Record{Role: role, Status: StatusIdle}
	}
	return s
}

func (s *MemoryStore) Load(_ context.Context, role Role) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[role]
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return *rec, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, role Role, status Status, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	rec.Status = status
	if lastError != "" {
		rec.LastError = lastError
	}
	rec.LastActive = at
	return nil
}

func (s *MemoryStore) AddOutcome(_ context.Context, role Role, success bool, d time.Duration, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[role]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	if success {
		rec.TasksCompleted++
	} else {
		rec.TasksFailed++
	}
	rec.TotalDuration += d
	rec.LastActive = at
	return nil
}

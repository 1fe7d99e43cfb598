package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, ""),
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in   string
		want Status
		ok   bool
	}{
		{"idle", StatusIdle, true},
		{"Active", StatusIdle, true},
		{"working", StatusWorking, true},
		{" error ", StatusError, true},
		{"sleeping", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStatus(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestSuccessRateWithoutTasks(t *testing.T) {
	var rec Record
	assert.Zero(t, rec.SuccessRate())
	assert.Zero(t, rec.AverageDuration())

	rec = Record{TasksCompleted: 3, TasksFailed: 1, TotalDuration: 8 * time.Second}
	assert.InDelta(t, 0.75, rec.SuccessRate(), 1e-9)
	assert.Equal(t, 2*time.Second, rec.AverageDuration())
}

func TestRegistryLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(store)

			st, err := reg.Status(ctx, RoleExecutor)
			require.NoError(t, err)
			assert.Equal(t, StatusIdle, st)

			done, err := reg.Begin(ctx, RoleExecutor)
			require.NoError(t, err)
			st, _ = reg.Status(ctx, RoleExecutor)
			assert.Equal(t, StatusWorking, st)

			done(errors.New("tool crashed"))
			rec, err := reg.Get(ctx, RoleExecutor)
			require.NoError(t, err)
			assert.Equal(t, StatusIdle, rec.Status)
			assert.Equal(t, "tool crashed", rec.LastError)
			assert.EqualValues(t, 1, rec.TasksFailed)

			done, err = reg.Begin(ctx, RoleExecutor)
			require.NoError(t, err)
			done(nil)
			rec, _ = reg.Get(ctx, RoleExecutor)
			assert.Equal(t, StatusIdle, rec.Status)
			assert.EqualValues(t, 1, rec.TasksCompleted)
			assert.InDelta(t, 0.5, rec.SuccessRate(), 1e-9)
			assert.False(t, rec.LastActive.IsZero())
		})
	}
}

// statusLog records every status write on top of a memory store.
type statusLog struct {
	*MemoryStore
	mu     sync.Mutex
	writes []Status
}

func (s *statusLog) SetStatus(ctx context.Context, role Role, status Status, lastError string, at time.Time) error {
	s.mu.Lock()
	s.writes = append(s.writes, status)
	s.mu.Unlock()
	return s.MemoryStore.SetStatus(ctx, role, status, lastError, at)
}

func TestFailedTaskRecoversToIdle(t *testing.T) {
	store := &statusLog{MemoryStore: NewMemoryStore()}
	reg := NewRegistry(store)
	ctx := context.Background()

	done, err := reg.Begin(ctx, RolePlanner)
	require.NoError(t, err)
	done(errors.New("oracle down"))
	assert.Equal(t, []Status{StatusWorking, StatusError, StatusIdle}, store.writes)

	rec, err := reg.Get(ctx, RolePlanner)
	require.NoError(t, err)
	assert.Equal(t, "oracle down", rec.LastError)
	assert.EqualValues(t, 1, rec.TasksFailed)

	done, err = reg.Begin(ctx, RolePlanner)
	require.NoError(t, err)
	done(nil)
	assert.Equal(t, []Status{StatusWorking, StatusError, StatusIdle, StatusWorking, StatusIdle}, store.writes)
}

func TestReleaseRecordsNoOutcome(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()
	_, err := reg.Begin(ctx, RoleExecutor)
	require.NoError(t, err)
	require.NoError(t, reg.Release(ctx, RoleExecutor))

	rec, err := reg.Get(ctx, RoleExecutor)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, rec.Status)
	assert.Zero(t, rec.TasksCompleted+rec.TasksFailed)
}

func TestRegistryConcurrentOutcomes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := NewRegistry(store)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_ = reg.RecordOutcome(ctx, RolePlanner, i%4 != 0, 100*time.Millisecond)
				}(i)
			}
			wg.Wait()

			rec, err := reg.Get(ctx, RolePlanner)
			require.NoError(t, err)
			assert.EqualValues(t, 15, rec.TasksCompleted)
			assert.EqualValues(t, 5, rec.TasksFailed)
			assert.Equal(t, 2*time.Second, rec.TotalDuration)
			assert.Equal(t, 100*time.Millisecond, rec.AverageDuration())
		})
	}
}

func TestRegistryRejectsUnknownRole(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()
	assert.ErrorIs(t, reg.SetStatus(ctx, "janitor", StatusWorking), ErrUnknownRole)
	_, err := reg.Status(ctx, "janitor")
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.ErrorIs(t, reg.RecordOutcome(ctx, "janitor", true, time.Second), ErrUnknownRole)
}

func TestSnapshot(t *testing.T) {
	reg := NewRegistry(nil)
	ctx := context.Background()
	require.NoError(t, reg.SetStatus(ctx, RoleAuditor, StatusWorking))

	recs, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, RolePlanner, recs[0].Role)
	assert.Equal(t, StatusWorking, recs[2].Status)
}

func TestRedisStoreReadsLegacyActiveStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()
	mr.HSet("agent:planner", "status", "active")

	rec, err := NewRedisStore(client, "").Load(context.Background(), RolePlanner)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, rec.Status)
}

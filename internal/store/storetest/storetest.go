// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/internal/store"
)

// Run exercises s against the contract of store.Store. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnsureSchema(ctx))
	// idempotent
	require.NoError(t, s.EnsureSchema(ctx))

	t.Run("services", func(t *testing.T) { services(t, ctx, s) })
	t.Run("stale", func(t *testing.T) { stale(t, ctx, s) })
	t.Run("jobs", func(t *testing.T) { jobs(t, ctx, s) })
	t.Run("introspection", func(t *testing.T) { introspection(t, ctx, s) })
	t.Run("maintain", func(t *testing.T) { require.NoError(t, s.Maintain(ctx)) })
}

func services(t *testing.T, ctx context.Context, s store.Store) {
	_, err := s.Get(ctx, "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))

	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	running := store.ServiceRecord{
		Name: "weather", Kind: "mcp", Runtime: store.Running,
		PID: 4242, Port: 9101, StartedAt: started, BinaryMtime: started.Add(-time.Hour),
	}
	require.NoError(t, s.Upsert(ctx, running))

	got, err := s.Get(ctx, "weather")
	require.NoError(t, err)
	require.Equal(t, store.Enabled, got.Desired)
	require.Equal(t, store.Running, got.Runtime)
	require.Equal(t, 4242, got.PID)
	require.Equal(t, 9101, got.Port)
	require.True(t, got.StartedAt.Equal(started))
	require.False(t, got.UpdatedAt.IsZero())

	// same upsert twice leaves the row unchanged apart from updated_at
	require.NoError(t, s.Upsert(ctx, running))
	again, err := s.Get(ctx, "weather")
	require.NoError(t, err)
	again.UpdatedAt = got.UpdatedAt
	require.Equal(t, got, again)

	var se *store.StoreError
	err = s.Upsert(ctx, store.ServiceRecord{Name: "broken", Runtime: store.Running, Port: 9102})
	require.ErrorAs(t, err, &se)

	require.NoError(t, s.Upsert(ctx, store.ServiceRecord{Name: "planner", Kind: "agent", Runtime: store.Stopped, PID: 77, Port: 9201, LastError: "port 9201 held by 12"}))
	planner, err := s.Get(ctx, "planner")
	require.NoError(t, err)
	require.Zero(t, planner.PID)
	require.Equal(t, "port 9201 held by 12", planner.LastError)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "planner", list[0].Name)

	run, err := s.ListRunning(ctx)
	require.NoError(t, err)
	require.Len(t, run, 1)
	require.Equal(t, "weather", run[0].Name)

	n, err := s.DeleteDisabled(ctx, []string{"weather"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, err = s.Get(ctx, "planner")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "weather"))
	n, err = s.DeleteDisabled(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func stale(t *testing.T, ctx context.Context, s store.Store) {
	now := time.Now().UTC()
	require.NoError(t, s.Upsert(ctx, store.ServiceRecord{Name: "alive", Runtime: store.Running, PID: 100, Port: 9301, StartedAt: now}))
	require.NoError(t, s.Upsert(ctx, store.ServiceRecord{Name: "dead", Runtime: store.Running, PID: 200, Port: 9302, StartedAt: now}))
	require.NoError(t, s.Upsert(ctx, store.ServiceRecord{Name: "idle", Runtime: store.Stopped, Port: 9303}))

	n, err := s.CleanupStale(ctx, func(pid int) bool { return pid == 100 })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	dead, err := s.Get(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, store.Crashed, dead.Runtime)
	require.Zero(t, dead.PID)
	require.NotEmpty(t, dead.LastError)

	alive, err := s.Get(ctx, "alive")
	require.NoError(t, err)
	require.Equal(t, store.Running, alive.Runtime)

	// keep list protects the row, cutoff in the past protects everything
	n, err = s.DeleteCrashed(ctx, time.Now().Add(time.Minute), []string{"dead"})
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.DeleteCrashed(ctx, time.Now().Add(-time.Hour), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	// a crashed row that still holds a pid outlives the cutoff
	require.NoError(t, s.Upsert(ctx, store.ServiceRecord{Name: "wedged", Runtime: store.Crashed, PID: 300, Port: 9304, StartedAt: now}))
	n, err = s.DeleteCrashed(ctx, time.Now().Add(time.Minute), nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	wedged, err := s.Get(ctx, "wedged")
	require.NoError(t, err)
	require.Equal(t, 300, wedged.PID)

	_, err = s.DeleteDisabled(ctx, nil)
	require.NoError(t, err)
}

func jobs(t *testing.T, ctx context.Context, s store.Store) {
	require.NoError(t, s.EnsureJob(ctx, "purge_job_history", "@daily", true))
	require.NoError(t, s.EnsureJob(ctx, "database_vacuum", "0 3 * * 0", false))

	j, err := s.GetJob(ctx, "purge_job_history")
	require.NoError(t, err)
	require.Equal(t, store.JobPending, j.LastStatus)
	require.True(t, j.Enabled)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.MarkJobRunning(ctx, "purge_job_history", at))
	require.NoError(t, s.FinishJob(ctx, "purge_job_history", store.JobFailed, 1500*time.Millisecond, "boom"))
	require.NoError(t, s.MarkJobRunning(ctx, "purge_job_history", at))
	require.NoError(t, s.FinishJob(ctx, "purge_job_history", store.JobSuccess, 20*time.Millisecond, ""))

	j, err = s.GetJob(ctx, "purge_job_history")
	require.NoError(t, err)
	require.Equal(t, store.JobSuccess, j.LastStatus)
	require.Equal(t, int64(2), j.RunCount)
	require.Equal(t, int64(20), j.LastDurationMs)
	require.Empty(t, j.LastError)
	require.True(t, j.LastRunAt.Equal(at))

	// re-ensuring keeps statistics
	require.NoError(t, s.EnsureJob(ctx, "purge_job_history", "@hourly", true))
	j, err = s.GetJob(ctx, "purge_job_history")
	require.NoError(t, err)
	require.Equal(t, "@hourly", j.Schedule)
	require.Equal(t, int64(2), j.RunCount)

	require.ErrorIs(t, s.MarkJobRunning(ctx, "nope", at), store.ErrNotFound)

	n, err := s.PurgeJobs(ctx, []string{"purge_job_history"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func introspection(t *testing.T, ctx context.Context, s store.Store) {
	ok, err := s.TableExists(ctx, "weather_cache")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.ApplyDDL(ctx, `CREATE TABLE weather_cache(city TEXT PRIMARY KEY, payload TEXT, fetched_at BIGINT);`))
	ok, err = s.TableExists(ctx, "weather_cache")
	require.NoError(t, err)
	require.True(t, ok)

	cols, err := s.Columns(ctx, "weather_cache")
	require.NoError(t, err)
	require.Equal(t, []string{"city", "payload", "fetched_at"}, cols)

	// a failing statement rolls back the whole script
	err = s.ApplyDDL(ctx, `CREATE TABLE half_done(id INTEGER); CREATE TABLE weather_cache(city TEXT);`)
	require.Error(t, err)
	ok, err = s.TableExists(ctx, "half_done")
	require.NoError(t, err)
	require.False(t, ok)
}

package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/internal/fleettest"
	"github.com/agentfleet/fleetd/internal/health"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/scheduler"
	"github.com/agentfleet/fleetd/internal/store"
)

type fakeFleet struct {
	services []registry.ServiceDescriptor
	jobs     []registry.JobDescriptor
	down     map[string]bool
	// onProbe runs before a probe answers
	onProbe func(name string)

	mu     sync.Mutex
	locked bool
	writes int
}

func (f *fakeFleet) EnabledServices() []registry.ServiceDescriptor { return f.services }
func (f *fakeFleet) ConfiguredJobs() []registry.JobDescriptor      { return f.jobs }
func (f *fakeFleet) IsAlive(pid int) bool                          { return pid == os.Getpid() }

func (f *fakeFleet) Exclusive(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked = true
	defer func() { f.locked = false }()
	f.writes++
	return fn()
}

func (f *fakeFleet) Probe(_ context.Context, d registry.ServiceDescriptor) (health.Result, error) {
	if f.locked {
		return health.Result{}, errors.New("probe under the pass lock")
	}
	if f.onProbe != nil {
		f.onProbe(d.Name)
	}
	if f.down[d.Name] {
		return health.Result{}, errors.New("connection refused")
	}
	return health.Result{}, nil
}

func newScheduler(t *testing.T, st store.Store, app any) *scheduler.Scheduler {
	t.Helper()
	c, err := Catalog()
	require.NoError(t, err)
	return scheduler.New(c, st, scheduler.Options{Enabled: true, App: app})
}

func running(name string, pid int) store.ServiceRecord {
	return store.ServiceRecord{
		Name: name, Kind: "mcp", Desired: store.Enabled, Runtime: store.Running,
		PID: pid, Port: 5001, StartedAt: time.Now(),
	}
}

func TestCatalogNames(t *testing.T) {
	c, err := Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{CleanupStaleServices, DatabaseVacuum, PurgeJobHistory, ServiceHealthAudit}, c.Names())
}

func TestCleanupStaleServices(t *testing.T) {
	st := fleettest.NewStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, running("alive", os.Getpid())))
	require.NoError(t, st.Upsert(ctx, running("dead", 999999)))

	f := &fakeFleet{services: []registry.ServiceDescriptor{{Name: "alive"}, {Name: "dead"}}}
	run := newScheduler(t, st, f).ExecuteJob(ctx, CleanupStaleServices)
	require.Equal(t, store.JobSuccess, run.Status, run.Error)
	assert.Equal(t, "1 stale marked crashed, 0 crashed rows removed", run.Message)
	assert.Equal(t, 1, f.writes)

	rec, err := st.Get(ctx, "dead")
	require.NoError(t, err)
	assert.Equal(t, store.Crashed, rec.Runtime)
	rec, err = st.Get(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, store.Running, rec.Runtime)
}

func TestPurgeJobHistory(t *testing.T) {
	st := fleettest.NewStore(t)
	ctx := context.Background()
	for _, name := range []string{"keep", "paused", "gone"} {
		require.NoError(t, st.EnsureJob(ctx, name, "@hourly", true))
	}
	f := &fakeFleet{jobs: []registry.JobDescriptor{
		{Name: "keep", Enabled: true},
		{Name: "paused", Enabled: false},
		{Name: PurgeJobHistory, Enabled: true},
	}}
	require.NoError(t, st.EnsureJob(ctx, PurgeJobHistory, "@daily", true))

	run := newScheduler(t, st, f).ExecuteJob(ctx, PurgeJobHistory)
	require.Equal(t, store.JobSuccess, run.Status, run.Error)
	assert.Equal(t, "2 job rows purged", run.Message)

	jobs, err := st.ListJobs(ctx)
	require.NoError(t, err)
	var names []string
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{"keep", PurgeJobHistory}, names)
}

func TestDatabaseVacuum(t *testing.T) {
	st := fleettest.NewStore(t)
	run := newScheduler(t, st, nil).ExecuteJob(context.Background(), DatabaseVacuum)
	require.Equal(t, store.JobSuccess, run.Status, run.Error)
	assert.Equal(t, "maintenance done on sqlite", run.Message)
}

func TestServiceHealthAudit(t *testing.T) {
	st := fleettest.NewStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, running("healthy", os.Getpid())))
	require.NoError(t, st.Upsert(ctx, running("wedged", os.Getpid())))
	require.NoError(t, st.Upsert(ctx, running("unconfigured", os.Getpid())))

	f := &fakeFleet{
		services: []registry.ServiceDescriptor{{Name: "healthy"}, {Name: "wedged"}},
		down:     map[string]bool{"wedged": true, "unconfigured": true},
	}
	run := newScheduler(t, st, f).ExecuteJob(ctx, ServiceHealthAudit)
	assert.Equal(t, store.JobFailed, run.Status)
	assert.Equal(t, "2 probed, 1 unhealthy: wedged", run.Message)

	rec, err := st.Get(ctx, "wedged")
	require.NoError(t, err)
	assert.Equal(t, store.Crashed, rec.Runtime)
	assert.Equal(t, os.Getpid(), rec.PID, "pid is kept so the restart stops it")
	assert.Equal(t, "health audit: connection refused", rec.LastError)

	rec, err = st.Get(ctx, "unconfigured")
	require.NoError(t, err)
	assert.Equal(t, store.Running, rec.Runtime)
	assert.Equal(t, 1, f.writes)
}

func TestServiceHealthAuditLeavesRestartedServiceAlone(t *testing.T) {
	st := fleettest.NewStore(t)
	ctx := context.Background()
	require.NoError(t, st.Upsert(ctx, running("wedged", 4242)))

	f := &fakeFleet{
		services: []registry.ServiceDescriptor{{Name: "wedged"}},
		down:     map[string]bool{"wedged": true},
	}
	// a pass restarts the service while the probe is in flight
	f.onProbe = func(name string) {
		require.NoError(t, st.Upsert(ctx, running(name, os.Getpid())))
	}
	run := newScheduler(t, st, f).ExecuteJob(ctx, ServiceHealthAudit)
	assert.Equal(t, store.JobSuccess, run.Status, run.Error)
	assert.Equal(t, "1 probed, 0 unhealthy", run.Message)

	rec, err := st.Get(ctx, "wedged")
	require.NoError(t, err)
	assert.Equal(t, store.Running, rec.Runtime)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestJobsNeedFleet(t *testing.T) {
	st := fleettest.NewStore(t)
	run := newScheduler(t, st, "not a fleet").ExecuteJob(context.Background(), ServiceHealthAudit)
	assert.Equal(t, store.JobFailed, run.Status)
	assert.Contains(t, run.Error, errNoFleet.Error())
}

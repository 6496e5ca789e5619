package reconciler

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/fleettest"
	"github.com/agentfleet/fleetd/internal/process"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/schema"
	"github.com/agentfleet/fleetd/internal/store"
)

type staticRegistry []registry.ServiceDescriptor

func (s staticRegistry) ListEnabled() []registry.ServiceDescriptor {
	return append([]registry.ServiceDescriptor(nil), s...)
}

// fakeProcs treats the test process as the only live pid.
type fakeProcs struct{}

func (fakeProcs) IsAlive(pid int) bool { return pid > 0 && pid == os.Getpid() }
func (fakeProcs) DetectOrphans(context.Context, []registry.ServiceDescriptor, map[int]bool) ([]process.Orphan, error) {
	return nil, nil
}

// fakeLifecycle records calls and writes Running rows owned by the test process.
type fakeLifecycle struct {
	st    store.Store
	delay time.Duration
	fail  map[string]error

	mu       sync.Mutex
	calls    []string
	inTable  map[string]int
	overlaps int
}

func (f *fakeLifecycle) enter(d registry.ServiceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inTable == nil {
		f.inTable = make(map[string]int)
	}
	for _, t := range d.Tables() {
		f.inTable[t]++
		if f.inTable[t] > 1 {
			f.overlaps++
		}
	}
}

func (f *fakeLifecycle) leave(d registry.ServiceDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range d.Tables() {
		f.inTable[t]--
	}
}

func (f *fakeLifecycle) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeLifecycle) Start(ctx context.Context, d registry.ServiceDescriptor, ev *events.Sender) error {
	f.enter(d)
	defer f.leave(d)
	f.record("start:" + d.Name)
	time.Sleep(f.delay)
	if err := f.fail[d.Name]; err != nil {
		return err
	}
	return f.st.Upsert(ctx, store.ServiceRecord{
		Name: d.Name, Kind: string(d.Kind), Runtime: store.Running, PID: os.Getpid(), Port: d.Port, StartedAt: time.Now(),
	})
}

func (f *fakeLifecycle) Stop(ctx context.Context, name, reason string, ev *events.Sender) error {
	f.record("stop:" + name)
	rec, err := f.st.Get(ctx, name)
	if err != nil {
		return err
	}
	rec.Runtime, rec.PID = store.Stopped, 0
	return f.st.Upsert(ctx, rec)
}

func (f *fakeLifecycle) Restart(ctx context.Context, d registry.ServiceDescriptor, reason string, ev *events.Sender) error {
	f.record("restart:" + d.Name)
	return f.Start(ctx, d, ev)
}

func (f *fakeLifecycle) Cleanup(ctx context.Context, name string, pid int, reason string, ev *events.Sender) error {
	f.record("cleanup:" + name)
	ev.ServiceCleanup(name, reason)
	return nil
}

func (f *fakeLifecycle) sortedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

func desc(name string, kind registry.Kind, port int, tables ...string) registry.ServiceDescriptor {
	d := registry.ServiceDescriptor{
		Name: name, Kind: kind, Enabled: true, Port: port, BinaryPath: "/bin/" + name, StartupOnBoot: true,
		RestartPolicy: registry.RestartPolicy{OnCrash: registry.CrashRestart},
	}
	for _, t := range tables {
		d.Schemas = append(d.Schemas, registry.TableSchema{Table: t, Columns: []string{"id"}, DDL: "CREATE TABLE " + t + " (id INTEGER)"})
	}
	return d
}

func newFake(t *testing.T, reg staticRegistry, opts Options) (*Reconciler, *fakeLifecycle, store.Store) {
	t.Helper()
	st := fleettest.NewStore(t)
	lm := &fakeLifecycle{st: st}
	r := New(reg, st, fakeProcs{}, lm, schema.New(st, schema.ModeWarn, nil), opts)
	return r, lm, st
}

func TestActionsIndependentOfRegistryOrder(t *testing.T) {
	base := staticRegistry{
		desc("alpha", registry.KindMCP, 5001),
		desc("beta", registry.KindMCP, 5002, "notes"),
		desc("gamma", registry.KindAgent, 5003, "notes"),
		desc("delta", registry.KindAgent, 5004),
	}
	var want []string
	for i := 0; i < 5; i++ {
		reg := append(staticRegistry(nil), base...)
		rand.New(rand.NewSource(int64(i))).Shuffle(len(reg), func(a, b int) { reg[a], reg[b] = reg[b], reg[a] })
		r, lm, _ := newFake(t, reg, Options{})
		res, err := r.Reconcile(context.Background(), nil)
		require.NoError(t, err)
		got := lm.sortedCalls()
		if want == nil {
			want = got
			assert.Equal(t, []string{"start:alpha", "start:beta", "start:delta", "start:gamma"}, want)
		}
		assert.Equal(t, want, got)
		assert.Equal(t, 4, res.Running)
		assert.Equal(t, 4, res.Required)
	}
}

func TestSecondPassIsIdempotent(t *testing.T) {
	reg := staticRegistry{desc("alpha", registry.KindMCP, 5001), desc("beta", registry.KindAgent, 5002, "notes")}
	r, lm, st := newFake(t, reg, Options{})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	before, err := st.List(ctx)
	require.NoError(t, err)
	calls := len(lm.sortedCalls())

	res, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Actions)
	assert.Len(t, lm.sortedCalls(), calls)
	assert.False(t, res.Boot)

	after, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		before[i].UpdatedAt, after[i].UpdatedAt = time.Time{}, time.Time{}
	}
	assert.Equal(t, before, after)
}

func TestFreshRestartPolicy(t *testing.T) {
	ctx := context.Background()
	reg := staticRegistry{desc("alpha", registry.KindMCP, 5001)}

	r, lm, st := newFake(t, reg, Options{FreshRestart: FreshAlways})
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "alpha", Runtime: store.Running, PID: os.Getpid(), Port: 5001, StartedAt: time.Now()}))
	_, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:alpha", "start:alpha", "stop:alpha", "stop:alpha"}, lm.sortedCalls())

	r, lm, st = newFake(t, reg, Options{FreshRestart: FreshBoot})
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "alpha", Runtime: store.Running, PID: os.Getpid(), Port: 5001, StartedAt: time.Now()}))
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:alpha", "stop:alpha"}, lm.sortedCalls())

	r, lm, st = newFake(t, reg, Options{FreshRestart: FreshNever})
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "alpha", Runtime: store.Running, PID: os.Getpid(), Port: 5001, StartedAt: time.Now()}))
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, lm.sortedCalls())
}

func TestSharedTablesAreSerialized(t *testing.T) {
	reg := staticRegistry{
		desc("a", registry.KindMCP, 5001, "shared"),
		desc("b", registry.KindMCP, 5002, "shared"),
		desc("c", registry.KindMCP, 5003, "shared", "other"),
		desc("d", registry.KindMCP, 5004),
	}
	r, lm, _ := newFake(t, reg, Options{})
	lm.delay = 30 * time.Millisecond
	_, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, lm.overlaps)
	assert.Len(t, lm.sortedCalls(), 4)
}

func TestFailuresAreCollected(t *testing.T) {
	reg := staticRegistry{desc("a", registry.KindMCP, 5001), desc("b", registry.KindMCP, 5002), desc("c", registry.KindAgent, 5003)}
	r, lm, _ := newFake(t, reg, Options{})
	lm.fail = map[string]error{"c": errors.New("spawn failed"), "a": errors.New("never healthy")}

	tx, rx := events.New()
	res, err := r.Reconcile(context.Background(), tx)
	tx.Close()
	var pe *PassError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "reconcile: 2 service(s) failed: a (never healthy), c (spawn failed)", pe.Error())
	// every service was attempted
	assert.Equal(t, []string{"start:a", "start:b", "start:c"}, lm.sortedCalls())
	assert.Equal(t, 1, res.Running)
	assert.Equal(t, 3, res.Required)
	evs := rx.Collect()
	assert.Equal(t, events.Event(events.ReconciliationComplete{Running: 1, Required: 3}), evs[len(evs)-1])
}

func TestRestartPolicyAndBackoff(t *testing.T) {
	ctx := context.Background()
	never := desc("never", registry.KindMCP, 5001)
	never.RestartPolicy.OnCrash = registry.CrashLeave
	slow := desc("slow", registry.KindMCP, 5002)
	slow.RestartPolicy.Backoff = time.Hour
	eager := desc("eager", registry.KindMCP, 5003)

	r, lm, st := newFake(t, staticRegistry{never, slow, eager}, Options{FreshRestart: FreshNever})
	for _, n := range []string{"never", "slow", "eager"} {
		require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: n, Runtime: store.Crashed, StartedAt: time.Now(), LastError: "boom"}))
	}
	res, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"restart:eager", "start:eager"}, lm.sortedCalls())
	assert.Contains(t, res.Actions, PlannedAction{Name: "never", Action: ActionNone, Reason: "restart policy never"})
	assert.Contains(t, res.Actions, PlannedAction{Name: "slow", Action: ActionNone, Reason: "restart backoff"})
	assert.Contains(t, res.Actions, PlannedAction{Name: "eager", Action: ActionRestart, Reason: ReasonCrashed})

	// backoff elapsed
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, lm.sortedCalls(), "restart:slow")
	assert.NotContains(t, lm.sortedCalls(), "restart:never")
}

func TestAgentsWithoutStartupOnBootWaitForLaterPass(t *testing.T) {
	lazy := desc("lazy", registry.KindAgent, 5001)
	lazy.StartupOnBoot = false
	r, lm, _ := newFake(t, staticRegistry{lazy}, Options{})

	res, err := r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, lm.sortedCalls())
	assert.Equal(t, 0, res.Required)

	_, err = r.Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start:lazy"}, lm.sortedCalls())
}

func TestVerifyMarksDeadPIDsCrashed(t *testing.T) {
	ctx := context.Background()
	r, _, st := newFake(t, staticRegistry{desc("a", registry.KindMCP, 5001), desc("b", registry.KindMCP, 5002)}, Options{})
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "a", Runtime: store.Running, PID: 999999, Port: 5001, StartedAt: time.Now()}))

	states, err := r.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, store.Crashed, states[0].Runtime)
	assert.Equal(t, ActionRestart, states[0].Action)
	assert.True(t, states[0].NeedsAction)
	assert.Equal(t, store.Stopped, states[1].Runtime)
	assert.Equal(t, ActionStart, states[1].Action)
}

func TestStrictSchemaFailureAbortsBeforeStarts(t *testing.T) {
	ctx := context.Background()
	x := desc("x", registry.KindMCP, 5001)
	x.Schemas = []registry.TableSchema{{Table: "x_items", Columns: []string{"id", "missing"}}}

	st := fleettest.NewStore(t)
	require.NoError(t, st.ApplyDDL(ctx, "CREATE TABLE x_items (id INTEGER)"))
	lm := &fakeLifecycle{st: st}
	r := New(staticRegistry{x}, st, fakeProcs{}, lm, schema.New(st, schema.ModeStrict, nil), Options{})

	tx, rx := events.New()
	_, err := r.Reconcile(ctx, tx)
	tx.Close()
	require.Error(t, err)
	var se *schema.SchemaError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, lm.sortedCalls())

	var failed bool
	for _, ev := range rx.Collect() {
		switch e := ev.(type) {
		case events.PhaseFailed:
			failed = failed || e.Phase == events.PhaseDatabase
		case events.McpStarting, events.PhaseStarted:
			if ps, ok := e.(events.PhaseStarted); ok && ps.Phase == events.PhaseDatabase {
				continue
			}
			t.Fatalf("no start may be dispatched: %#v", e)
		}
	}
	assert.True(t, failed)
}

func TestWarnSchemaFailureContinues(t *testing.T) {
	ctx := context.Background()
	x := desc("x", registry.KindMCP, 5001)
	x.Schemas = []registry.TableSchema{{Table: "x_items", Columns: []string{"id", "missing"}}}
	st := fleettest.NewStore(t)
	require.NoError(t, st.ApplyDDL(ctx, "CREATE TABLE x_items (id INTEGER)"))
	lm := &fakeLifecycle{st: st}
	r := New(staticRegistry{x}, st, fakeProcs{}, lm, schema.New(st, schema.ModeWarn, nil), Options{})

	tx, rx := events.New()
	_, err := r.Reconcile(ctx, tx)
	tx.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"start:x"}, lm.sortedCalls())
	var warned bool
	for _, ev := range rx.Collect() {
		if w, ok := ev.(events.Warning); ok && w.Context == "x" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestPassesNeverOverlap(t *testing.T) {
	r, lm, _ := newFake(t, staticRegistry{desc("a", registry.KindMCP, 5001, "t")}, Options{FreshRestart: FreshAlways})
	lm.delay = 20 * time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Reconcile(context.Background(), nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, r.Passes())
	assert.Zero(t, lm.overlaps)
}

func TestCrashFoundByPassIsRestartedDespiteBackoff(t *testing.T) {
	ctx := context.Background()
	fresh := desc("fresh", registry.KindMCP, 5001)
	fresh.RestartPolicy.Backoff = registry.DefaultRestartBackoff
	looping := desc("looping", registry.KindMCP, 5002)
	looping.RestartPolicy.Backoff = registry.DefaultRestartBackoff

	r, lm, st := newFake(t, staticRegistry{fresh, looping}, Options{FreshRestart: FreshNever})
	// fresh died after a start a moment ago; looping was already recorded crashed
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "fresh", Runtime: store.Running, PID: 999999, Port: 5001, StartedAt: time.Now()}))
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "looping", Runtime: store.Crashed, Port: 5002, StartedAt: time.Now(), LastError: "health check timed out"}))

	res, err := r.Reconcile(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"restart:fresh", "start:fresh"}, lm.sortedCalls())
	assert.Contains(t, res.Actions, PlannedAction{Name: "fresh", Action: ActionRestart, Reason: ReasonCrashed})
	assert.Contains(t, res.Actions, PlannedAction{Name: "looping", Action: ActionNone, Reason: "restart backoff"})
	assert.Equal(t, 1, res.Running)
	assert.Equal(t, 2, res.Required)

	rec, err := st.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.Running, rec.Runtime)
}

func TestRemovedServiceWithLivePidIsKilled(t *testing.T) {
	ctx := context.Background()
	r, lm, st := newFake(t, nil, Options{})
	// health audit leaves the pid on a crashed row
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "old", Runtime: store.Crashed, PID: os.Getpid(), Port: 5001, LastError: "health audit: refused"}))
	require.NoError(t, st.Upsert(ctx, store.ServiceRecord{Name: "gone", Runtime: store.Crashed, Port: 5002}))

	tx, rx := events.New()
	res, err := r.Reconcile(ctx, tx)
	tx.Close()
	require.NoError(t, err)
	assert.Equal(t, []string{"cleanup:old"}, lm.sortedCalls())
	assert.Contains(t, res.Actions, PlannedAction{Name: "old", Action: ActionCleanupProcess, Reason: ReasonDisabled})
	assert.Contains(t, res.Actions, PlannedAction{Name: "gone", Action: ActionCleanupDB, Reason: ReasonDisabled})

	var cleaned []string
	for _, ev := range rx.Collect() {
		if c, ok := ev.(events.ServiceCleanup); ok {
			cleaned = append(cleaned, c.Name)
		}
	}
	assert.ElementsMatch(t, []string{"old", "gone"}, cleaned)

	rows, err := st.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWithPassLockWaitsForPass(t *testing.T) {
	ctx := context.Background()
	r, lm, st := newFake(t, staticRegistry{desc("a", registry.KindMCP, 5001)}, Options{})
	lm.delay = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Reconcile(ctx, nil)
	}()
	require.True(t, fleettest.WaitFor(t, 2*time.Second, func() bool { return len(lm.sortedCalls()) > 0 }))

	var seen store.RuntimeStatus
	require.NoError(t, r.WithPassLock(func() error {
		rec, err := st.Get(ctx, "a")
		seen = rec.Runtime
		return err
	}))
	assert.Equal(t, store.Running, seen)
	<-done
}

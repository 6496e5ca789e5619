// Package app assembles a running fleetd: it owns the configuration, the
// service store and the subsystems acting on them, and drives the boot phases
// reported on the startup event channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfleet/fleetd/internal/config"
	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/health"
	"github.com/agentfleet/fleetd/internal/history"
	historyfactory "github.com/agentfleet/fleetd/internal/history/factory"
	"github.com/agentfleet/fleetd/internal/jobs"
	"github.com/agentfleet/fleetd/internal/lifecycle"
	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/process"
	"github.com/agentfleet/fleetd/internal/reconciler"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/scheduler"
	"github.com/agentfleet/fleetd/internal/schema"
	"github.com/agentfleet/fleetd/internal/server"
	"github.com/agentfleet/fleetd/internal/store"
	storefactory "github.com/agentfleet/fleetd/internal/store/factory"
)

// Options configures an App beyond what the configuration file holds.
type Options struct {
	// Version is reported to MCP servers during the initialize probe.
	Version string
	Log     *slog.Logger
	// Catalog replaces the built-in job catalog.
	Catalog *scheduler.Catalog
	// PortHolder overrides the port inspection used by pre-flight and lifecycle.
	PortHolder func(ctx context.Context, port int) (int, bool, error)
}

// App is one fleetd instance. Open wires the subsystems; Boot additionally
// starts the scheduler, the admin API and the background loops.
type App struct {
	reg  *registry.Registry
	opts Options
	log  *slog.Logger

	store   store.Store
	procs   *process.Manager
	prober  *health.Prober
	lm      *lifecycle.Manager
	rec     *reconciler.Reconciler
	sched   *scheduler.Scheduler
	history *history.Recorder
	res     *metrics.ResourceCollector
	srv     *server.Server

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	opened bool
	closed bool
}

// New returns an App for reg. Nothing is opened until Open.
func New(reg *registry.Registry, opts Options) *App {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.PortHolder == nil {
		opts.PortHolder = process.PortHolder
	}
	return &App{reg: reg, opts: opts, log: opts.Log, kick: make(chan struct{}, 1)}
}

// Load reads the configuration at path and returns an unopened App.
func Load(path string, opts Options) (*App, error) {
	reg, err := registry.Load(path)
	if err != nil {
		return nil, err
	}
	return New(reg, opts), nil
}

// Registry returns the registry currently in effect.
func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Store() store.Store           { return a.store }
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Open runs the PreFlight phase: it opens the store, builds every subsystem
// and checks the declared ports. Failures are fatal and reported on ev.
func (a *App) Open(ctx context.Context, ev *events.Sender) error {
	ev.PhaseStarted(events.PhasePreFlight)
	if err := a.open(ctx); err != nil {
		ev.PhaseFailed(events.PhasePreFlight, err)
		ev.Error(err.Error(), true)
		return err
	}
	ev.ModulesLoaded(serviceNames(a.reg.ListServices()))
	a.checkPorts(ctx, ev)
	ev.PhaseCompleted(events.PhasePreFlight)
	return nil
}

func (a *App) open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return errors.New("app already opened")
	}
	cfg := a.reg.Config()
	set := cfg.Settings

	mode, err := schema.ParseMode(set.SchemaValidationMode)
	if err != nil {
		return err
	}
	fresh, err := reconciler.ParseFreshRestart(set.ForceFreshRestart)
	if err != nil {
		return err
	}
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	prober, err := health.NewProber(set.HealthBase, a.opts.Version)
	if err != nil {
		return err
	}
	if set.PIDDir != "" {
		if err := os.MkdirAll(set.PIDDir, 0o750); err != nil {
			return fmt.Errorf("create pid_dir %s: %w", set.PIDDir, err)
		}
	}

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if cfg.Store.MaxOpenConns > 0 {
		st.DB().SetMaxOpenConns(cfg.Store.MaxOpenConns)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("store unreachable: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return err
	}

	var rec *history.Recorder
	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		rec, err = historyfactory.NewRecorder(ctx, a.log, cfg.History.Sinks)
		if err != nil {
			_ = st.Close()
			return err
		}
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			a.log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.ResourceInterval > 0 {
			a.res = metrics.NewResourceCollector(cfg.Metrics.ResourceInterval)
			if err := a.res.Register(prometheus.DefaultRegisterer); err != nil {
				a.log.Warn("failed to register resource metrics", "error", err)
				a.res = nil
			}
		}
	}

	catalog := a.opts.Catalog
	if catalog == nil {
		if catalog, err = jobs.Catalog(); err != nil {
			_ = st.Close()
			_ = rec.Close()
			return err
		}
	}

	a.store = st
	a.history = rec
	a.prober = prober
	a.procs = process.NewManager(set.PIDDir, a.log.With("component", "process"))
	a.lm = lifecycle.New(a.procs, st, prober, lifecycle.Options{
		Grace:      set.GracePeriod,
		Env:        globalEnv,
		History:    rec,
		Log:        a.log.With("component", "lifecycle"),
		PortHolder: a.opts.PortHolder,
	})
	a.rec = reconciler.New(a.reg, st, a.procs, a.lm, schema.New(st, mode, a.log.With("component", "schema")), reconciler.Options{
		FreshRestart: fresh,
		Log:          a.log.With("component", "reconciler"),
	})
	a.sched = scheduler.New(catalog, st, scheduler.Options{
		Enabled: cfg.SchedulerEnabled(),
		App:     a,
		Log:     a.log.With("component", "scheduler"),
	})
	a.opened = true
	return nil
}

// checkPorts reports the state of every enabled service's port. A port held
// by the pid recorded for that service is expected after a daemon restart;
// any other holder is left to the reconcile pass, which stops our own strays
// and reports foreign holders as conflicts.
func (a *App) checkPorts(ctx context.Context, ev *events.Sender) {
	for _, d := range a.reg.ListEnabled() {
		pid, held, err := a.opts.PortHolder(ctx, d.Port)
		if err != nil {
			ev.Warning(fmt.Sprintf("port %d: %v", d.Port, err), d.Name)
			continue
		}
		if !held {
			ev.PortAvailable(d.Port)
			continue
		}
		if rec, err := a.store.Get(ctx, d.Name); err == nil && rec.PID == pid {
			ev.Info(fmt.Sprintf("port %d held by previous %s (pid %d)", d.Port, d.Name, pid))
			continue
		}
		ev.Warning(fmt.Sprintf("port %d held by pid %d", d.Port, pid), d.Name)
	}
}

// Boot opens the app, runs the boot reconcile pass, starts the scheduler and
// the admin API, and reports StartupComplete. A failed service does not fail
// the boot; store errors, strict schema failures and listener errors do.
func (a *App) Boot(ctx context.Context, ev *events.Sender) error {
	began := time.Now()
	if err := a.Open(ctx, ev); err != nil {
		return err
	}

	res, err := a.rec.Reconcile(ctx, ev)
	if err != nil {
		var pe *reconciler.PassError
		if !errors.As(err, &pe) {
			ev.Error(err.Error(), true)
			return err
		}
		ev.Error(err.Error(), false)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	cfg := a.reg.Config()

	if err := a.sched.Start(runCtx, a.reg.ListJobs(), ev); err != nil {
		ev.Error(err.Error(), true)
		return err
	}

	apiURL := ""
	if cfg.Server.Enabled {
		ev.PhaseStarted(events.PhaseAPIServer)
		router := server.NewRouter(a, cfg.Server.BasePath, cfg.Metrics.Enabled)
		srv, err := server.Listen(cfg.Server, router.Handler(), a.log.With("component", "server"))
		if err != nil {
			ev.PhaseFailed(events.PhaseAPIServer, err)
			ev.Error(err.Error(), true)
			return err
		}
		srv.Start()
		a.srv = srv
		apiURL = srv.URL()
		ev.ServerListening(srv.Addr(), os.Getpid())
		ev.PhaseCompleted(events.PhaseAPIServer)
	}

	a.startBackground(runCtx, cfg)

	ev.PhaseStarted(events.PhaseComplete)
	ev.StartupComplete(time.Since(began), apiURL, serviceInfos(res))
	ev.PhaseCompleted(events.PhaseComplete)
	return nil
}

func (a *App) startBackground(ctx context.Context, cfg *config.Config) {
	if a.res != nil {
		a.res.Start(ctx, func() map[string]int32 { return a.runningPIDs(ctx) })
	}
	if cfg.Settings.WatchConfig && cfg.Path != "" {
		if err := config.Watch(cfg.Path, a.reload, func(err error) {
			a.log.Error("config reload failed", "error", err)
		}); err != nil {
			a.log.Warn("config watch disabled", "error", err)
		}
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx, cfg.Settings.ReconcileInterval)
	}()
}

// loop runs a reconcile pass on every tick and after every accepted reload.
func (a *App) loop(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-a.kick:
		}
		// failures are logged by the reconciler
		_, _ = a.rec.Reconcile(ctx, nil)
	}
}

// reload swaps in a new configuration and schedules a pass. The global
// environment and daemon settings stay as they were at boot.
func (a *App) reload(c *config.Config) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if err := a.reg.Replace(c); err != nil {
		a.log.Error("config reload rejected", "error", err)
		return
	}
	a.log.Info("configuration reloaded", "services", len(a.reg.ListEnabled()))
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *App) runningPIDs(ctx context.Context) map[string]int32 {
	rows, err := a.store.ListRunning(ctx)
	if err != nil {
		a.log.Debug("list running services", "error", err)
		return nil
	}
	out := make(map[string]int32, len(rows))
	for _, r := range rows {
		if r.PID > 0 {
			out[r.Name] = int32(r.PID) // #nosec G115 pids fit in int32
		}
	}
	return out
}

// ReconcileOnce runs a single pass with events reported on ev.
func (a *App) ReconcileOnce(ctx context.Context, ev *events.Sender) (*reconciler.Result, error) {
	if a.rec == nil {
		return nil, errors.New("app not opened")
	}
	return a.rec.Reconcile(ctx, ev)
}

// StopServices stops every service the store records as running.
func (a *App) StopServices(ctx context.Context, ev *events.Sender) error {
	rows, err := a.store.ListRunning(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range rows {
		if err := a.lm.Stop(ctx, r.Name, "daemon shutdown", ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the background loops, the scheduler and the admin API, and
// closes the store. Services keep running; the next boot finds them through
// the store and their pidfiles.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.sched != nil {
		a.sched.Stop()
	}
	var errs []error
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if a.res != nil {
		a.res.Stop()
	}
	if err := a.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func serviceNames(descs []registry.ServiceDescriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Name)
	}
	return out
}

func serviceInfos(res *reconciler.Result) []events.ServiceInfo {
	if res == nil {
		return nil
	}
	out := make([]events.ServiceInfo, 0, len(res.States))
	for _, s := range res.States {
		out = append(out, events.ServiceInfo{
			Name: s.Name, Kind: s.Kind, Port: s.Port, PID: s.PID, Status: string(s.Runtime),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

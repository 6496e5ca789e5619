// Package lifecycle starts, stops and restarts one service at a time, keeping
// the service store, the startup event channel, history sinks and metrics in
// step with what happens to the process.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentfleet/fleetd/internal/env"
	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/health"
	"github.com/agentfleet/fleetd/internal/history"
	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/process"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
)

// DefaultGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultGrace = 5 * time.Second

// Processes is the subset of the process manager used here.
type Processes interface {
	Spawn(d registry.ServiceDescriptor, env []string) (int, int, error)
	Exited(pid int) (bool, error)
	Owns(pid int) bool
	IsAlive(pid int) bool
	Stop(ctx context.Context, pid int, grace time.Duration) error
	ForceKill(pid int) error
}

// Prober checks readiness of a freshly spawned service.
type Prober interface {
	Wait(ctx context.Context, d registry.ServiceDescriptor, onAttempt func(int), stop func() error) (health.Result, int, error)
}

// Options configures a Manager.
type Options struct {
	Grace   time.Duration
	Env     *env.Env
	History *history.Recorder
	Log     *slog.Logger
	// PortHolder defaults to process.PortHolder.
	PortHolder func(ctx context.Context, port int) (int, bool, error)
}

// Manager drives a single service through Stopped -> Starting -> Running.
type Manager struct {
	procs   Processes
	store   store.Services
	prober  Prober
	env     *env.Env
	history *history.Recorder
	grace   time.Duration
	holder  func(ctx context.Context, port int) (int, bool, error)
	log     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Manager writing service rows to st.
func New(procs Processes, st store.Services, prober Prober, opts Options) *Manager {
	m := &Manager{
		procs:   procs,
		store:   st,
		prober:  prober,
		env:     opts.Env,
		history: opts.History,
		grace:   opts.Grace,
		holder:  opts.PortHolder,
		log:     opts.Log,
		locks:   make(map[string]*sync.Mutex),
	}
	if m.env == nil {
		m.env = env.New()
	}
	if m.grace <= 0 {
		m.grace = DefaultGrace
	}
	if m.holder == nil {
		m.holder = process.PortHolder
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// lock serializes operations on one service name.
func (m *Manager) lock(name string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	m.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Start spawns d and waits for it to become ready.
// A port held by a process fleetd owns (a live child, or the pid recorded for d)
// is stopped first; any other holder fails the start with *PortConflictError
// and leaves the record Stopped.
func (m *Manager) Start(ctx context.Context, d registry.ServiceDescriptor, ev *events.Sender) error {
	defer m.lock(d.Name)()
	return m.start(ctx, d, ev)
}

func (m *Manager) start(ctx context.Context, d registry.ServiceDescriptor, ev *events.Sender) error {
	prev, err := m.store.Get(ctx, d.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := m.reservePort(ctx, d, prev, ev); err != nil {
		return err
	}

	m.starting(ev, d)
	m.record(ctx, history.EventStart, d, 0, "starting", "")
	began := time.Now()

	pid, port, err := m.procs.Spawn(d, m.env.Merge(d.Env))
	if err != nil {
		m.log.Error("spawn failed", "service", d.Name, "error", err)
		_ = m.store.Upsert(ctx, stopped(prev, d, err))
		m.failed(ctx, ev, d, 0, "spawn", err)
		return err
	}

	mtime, err := process.BinaryMtime(d.BinaryPath)
	if err != nil {
		m.log.Debug("binary mtime", "service", d.Name, "error", err)
	}
	rec := store.ServiceRecord{
		Name:        d.Name,
		Kind:        string(d.Kind),
		Runtime:     store.Starting,
		PID:         pid,
		Port:        port,
		StartedAt:   began,
		BinaryMtime: mtime,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		_ = m.procs.ForceKill(pid)
		return err
	}

	var onAttempt func(int)
	if d.Kind == registry.KindMCP {
		onAttempt = func(i int) { ev.McpHealthCheck(d.Name, i, d.Health.MaxAttempts) }
	}
	exited := func() error {
		if done, werr := m.procs.Exited(pid); done {
			if werr == nil {
				return errors.New("process exited")
			}
			return fmt.Errorf("process exited: %w", werr)
		}
		return nil
	}
	res, attempts, err := m.prober.Wait(ctx, d, onAttempt, exited)
	if err != nil {
		herr := &HealthTimeoutError{Service: d.Name, Attempts: attempts, Err: err}
		if kerr := m.procs.ForceKill(pid); kerr != nil {
			m.log.Warn("kill unhealthy service", "service", d.Name, "pid", pid, "error", kerr)
		}
		rec.Runtime = store.Crashed
		rec.PID = 0
		rec.LastError = herr.Error()
		if uerr := m.store.Upsert(ctx, rec); uerr != nil {
			m.log.Error("record crash", "service", d.Name, "error", uerr)
		}
		m.failed(ctx, ev, d, pid, "health", herr)
		return herr
	}

	rec.Runtime = store.Running
	if err := m.store.Upsert(ctx, rec); err != nil {
		return err
	}
	startup := time.Since(began)
	if d.Kind == registry.KindMCP {
		ev.McpReady(d.Name, port, startup, res.Tools)
	} else {
		ev.AgentReady(d.Name, port, startup)
	}
	metrics.IncStart(d.Name)
	metrics.ObserveStartDuration(d.Name, startup.Seconds())
	m.record(ctx, history.EventReady, d, pid, string(store.Running), "")
	m.log.Info("service ready", "service", d.Name, "pid", pid, "port", port, "startup", startup, "attempts", attempts)
	return nil
}

func (m *Manager) reservePort(ctx context.Context, d registry.ServiceDescriptor, prev store.ServiceRecord, ev *events.Sender) error {
	holder, held, err := m.holder(ctx, d.Port)
	if err != nil {
		m.log.Warn("port check", "service", d.Name, "port", d.Port, "error", err)
	}
	if !held {
		return nil
	}
	if holder > 0 && (m.procs.Owns(holder) || holder == prev.PID) {
		m.log.Info("port held by own process, stopping it", "service", d.Name, "port", d.Port, "pid", holder)
		ev.ServiceCleanup(d.Name, "port reuse")
		if err := m.procs.Stop(ctx, holder, m.grace); err != nil {
			return err
		}
		m.record(ctx, history.EventCleanup, d, holder, string(store.Stopped), "port reuse")
		return nil
	}
	perr := &PortConflictError{Service: d.Name, Port: d.Port, HolderPID: holder}
	ev.PortConflict(d.Port, holder)
	if uerr := m.store.Upsert(ctx, stopped(prev, d, perr)); uerr != nil {
		m.log.Error("record port conflict", "service", d.Name, "error", uerr)
	}
	m.failed(ctx, ev, d, 0, "port_conflict", perr)
	return perr
}

// stopped is prev marked Stopped with err as its last error.
func stopped(prev store.ServiceRecord, d registry.ServiceDescriptor, err error) store.ServiceRecord {
	rec := prev
	rec.Name = d.Name
	rec.Kind = string(d.Kind)
	rec.Port = d.Port
	rec.Runtime = store.Stopped
	rec.LastError = err.Error()
	return rec
}

// Stop terminates the recorded process (SIGTERM, then SIGKILL after the grace
// period) and records the service as Stopped. Unknown names are a no-op.
func (m *Manager) Stop(ctx context.Context, name, reason string, ev *events.Sender) error {
	defer m.lock(name)()
	return m.stop(ctx, name, reason, ev)
}

func (m *Manager) stop(ctx context.Context, name, reason string, ev *events.Sender) error {
	rec, err := m.store.Get(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.PID > 0 && m.procs.IsAlive(rec.PID) {
		if reason != "" {
			ev.ServiceCleanup(name, reason)
		}
		if err := m.procs.Stop(ctx, rec.PID, m.grace); err != nil {
			return err
		}
		metrics.IncStop(name)
		m.log.Info("service stopped", "service", name, "pid", rec.PID, "reason", reason)
	}
	pid := rec.PID
	rec.Runtime = store.Stopped
	rec.PID = 0
	rec.StartedAt = time.Time{}
	rec.LastError = ""
	if err := m.store.Upsert(ctx, rec); err != nil {
		return err
	}
	m.recordRec(ctx, history.EventStop, rec, pid, reason)
	return nil
}

// Restart stops then starts d.
func (m *Manager) Restart(ctx context.Context, d registry.ServiceDescriptor, reason string, ev *events.Sender) error {
	defer m.lock(d.Name)()
	if err := m.stop(ctx, d.Name, reason, ev); err != nil {
		return err
	}
	return m.start(ctx, d, ev)
}

// Cleanup kills a process that no longer belongs to a healthy service
// (orphan, stale binary) and emits a ServiceCleanup event for it.
func (m *Manager) Cleanup(ctx context.Context, name string, pid int, reason string, ev *events.Sender) error {
	ev.ServiceCleanup(name, reason)
	m.log.Info("cleaning up process", "service", name, "pid", pid, "reason", reason)
	if pid > 0 {
		if err := m.procs.Stop(ctx, pid, m.grace); err != nil {
			return err
		}
	}
	m.recordRec(ctx, history.EventCleanup, store.ServiceRecord{Name: name, Runtime: store.Stopped}, pid, reason)
	return nil
}

func (m *Manager) starting(ev *events.Sender, d registry.ServiceDescriptor) {
	if d.Kind == registry.KindMCP {
		ev.McpStarting(d.Name, d.Port)
	} else {
		ev.AgentStarting(d.Name, d.Port)
	}
}

func (m *Manager) failed(ctx context.Context, ev *events.Sender, d registry.ServiceDescriptor, pid int, reason string, err error) {
	if d.Kind == registry.KindMCP {
		ev.McpFailed(d.Name, err)
	} else {
		ev.AgentFailed(d.Name, err)
	}
	metrics.IncStartFailure(d.Name, reason)
	m.record(ctx, history.EventFailed, d, pid, reason, err.Error())
}

func (m *Manager) record(ctx context.Context, t history.EventType, d registry.ServiceDescriptor, pid int, status, detail string) {
	m.history.Record(ctx, history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Service:    d.Name,
		Kind:       string(d.Kind),
		PID:        pid,
		Port:       d.Port,
		Status:     status,
		Detail:     detail,
	})
}

func (m *Manager) recordRec(ctx context.Context, t history.EventType, rec store.ServiceRecord, pid int, detail string) {
	m.history.Record(ctx, history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Service:    rec.Name,
		Kind:       rec.Kind,
		PID:        pid,
		Port:       rec.Port,
		Status:     string(rec.Runtime),
		Detail:     detail,
	})
}

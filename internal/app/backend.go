package app

import (
	"context"
	"fmt"

	"github.com/agentfleet/fleetd/internal/health"
	"github.com/agentfleet/fleetd/internal/jobs"
	"github.com/agentfleet/fleetd/internal/process"
	"github.com/agentfleet/fleetd/internal/reconciler"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/scheduler"
	"github.com/agentfleet/fleetd/internal/server"
	"github.com/agentfleet/fleetd/internal/store"
)

// The admin API and the built-in jobs both see the App through narrow interfaces.
var (
	_ server.Backend = (*App)(nil)
	_ jobs.Fleet     = (*App)(nil)
)

// Services returns the verified state of every enabled service.
func (a *App) Services(ctx context.Context) ([]reconciler.VerifiedServiceState, error) {
	return a.rec.Verify(ctx)
}

// Service returns the verified state of one enabled service.
func (a *App) Service(ctx context.Context, name string) (reconciler.VerifiedServiceState, error) {
	states, err := a.rec.Verify(ctx)
	if err != nil {
		return reconciler.VerifiedServiceState{}, err
	}
	for _, s := range states {
		if s.Name == name {
			return s, nil
		}
	}
	return reconciler.VerifiedServiceState{}, fmt.Errorf("service %s: %w", name, store.ErrNotFound)
}

// Reconcile runs a pass on behalf of the admin API.
func (a *App) Reconcile(ctx context.Context) (*reconciler.Result, error) {
	return a.rec.Reconcile(ctx, nil)
}

// RestartService restarts an enabled service outside of a pass. The
// lifecycle manager serializes it with any pass touching the same service.
func (a *App) RestartService(ctx context.Context, name string) error {
	d, ok := a.reg.Get(name)
	if !ok || !d.Enabled {
		return fmt.Errorf("service %s: %w", name, store.ErrNotFound)
	}
	return a.lm.Restart(ctx, d, "restart requested", nil)
}

func (a *App) Jobs(ctx context.Context) ([]scheduler.JobInfo, error) {
	return a.sched.List(ctx)
}

// RunJob executes a catalogued job now, whatever its schedule.
func (a *App) RunJob(ctx context.Context, name string) (scheduler.Run, error) {
	if !a.sched.Known(name) {
		return scheduler.Run{}, &scheduler.JobError{Job: name, Err: scheduler.ErrUnknownJob}
	}
	return a.sched.ExecuteJob(ctx, name), nil
}

func (a *App) EnabledServices() []registry.ServiceDescriptor { return a.reg.ListEnabled() }
func (a *App) ConfiguredJobs() []registry.JobDescriptor      { return a.reg.ListJobs() }

// Probe runs one health check against d.
func (a *App) Probe(ctx context.Context, d registry.ServiceDescriptor) (health.Result, error) {
	return a.prober.Probe(ctx, d)
}

func (a *App) IsAlive(pid int) bool { return process.IsAlive(pid) }

// Exclusive runs fn between reconcile passes.
func (a *App) Exclusive(fn func() error) error {
	if a.rec == nil {
		return fn()
	}
	return a.rec.WithPassLock(fn)
}

// Package jobs holds the background jobs compiled into fleetd.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentfleet/fleetd/internal/health"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/scheduler"
	"github.com/agentfleet/fleetd/internal/store"
)

const (
	CleanupStaleServices = "cleanup_stale_services"
	PurgeJobHistory      = "purge_job_history"
	DatabaseVacuum       = "database_vacuum"
	ServiceHealthAudit   = "service_health_audit"
)

// CrashedRetention is how long Crashed rows of services no longer configured are kept.
const CrashedRetention = time.Hour

// Fleet is the part of the daemon the jobs read. It is passed as the
// scheduler's application context.
type Fleet interface {
	EnabledServices() []registry.ServiceDescriptor
	ConfiguredJobs() []registry.JobDescriptor
	Probe(ctx context.Context, d registry.ServiceDescriptor) (health.Result, error)
	IsAlive(pid int) bool
	// Exclusive runs fn while no reconcile pass is writing service rows.
	Exclusive(fn func() error) error
}

var errNoFleet = errors.New("application context does not expose the fleet")

// Register adds every built-in job to b.
func Register(b *scheduler.Builder) *scheduler.Builder {
	return b.
		Register(CleanupStaleServices, "mark dead services crashed and drop old crashed rows", cleanupStale).
		Register(PurgeJobHistory, "remove job rows that are no longer configured", purgeJobHistory).
		Register(DatabaseVacuum, "run VACUUM / ANALYZE on the state store", vacuum).
		Register(ServiceHealthAudit, "probe running services once and mark failures crashed", healthAudit)
}

// Catalog returns the built-in jobs.
func Catalog() (*scheduler.Catalog, error) {
	return Register(scheduler.NewBuilder()).Build()
}

func fleetOf(jc scheduler.Context) (Fleet, error) {
	f, ok := jc.App().(Fleet)
	if !ok {
		return nil, errNoFleet
	}
	return f, nil
}

func names(descs []registry.ServiceDescriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Name)
	}
	return out
}

func cleanupStale(ctx context.Context, jc scheduler.Context) (scheduler.Outcome, error) {
	f, err := fleetOf(jc)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	var stale, removed int
	err = f.Exclusive(func() error {
		var err error
		if stale, err = jc.DB().CleanupStale(ctx, f.IsAlive); err != nil {
			return err
		}
		removed, err = jc.DB().DeleteCrashed(ctx, time.Now().Add(-CrashedRetention), names(f.EnabledServices()))
		return err
	})
	if err != nil {
		return scheduler.Outcome{}, err
	}
	return scheduler.Outcome{
		Success: true,
		Message: fmt.Sprintf("%d stale marked crashed, %d crashed rows removed", stale, removed),
	}, nil
}

func purgeJobHistory(ctx context.Context, jc scheduler.Context) (scheduler.Outcome, error) {
	f, err := fleetOf(jc)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	var keep []string
	for _, j := range f.ConfiguredJobs() {
		if j.Enabled {
			keep = append(keep, j.Name)
		}
	}
	n, err := jc.DB().PurgeJobs(ctx, keep)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	return scheduler.Outcome{Success: true, Message: fmt.Sprintf("%d job rows purged", n)}, nil
}

func vacuum(ctx context.Context, jc scheduler.Context) (scheduler.Outcome, error) {
	if err := jc.DB().Maintain(ctx); err != nil {
		return scheduler.Outcome{}, err
	}
	return scheduler.Outcome{Success: true, Message: "maintenance done on " + jc.DB().Dialect()}, nil
}

// healthAudit probes each Running service once. A failed probe marks the row
// Crashed and keeps the pid so the next reconcile pass stops and restarts it.
// Rows are rewritten only if they still hold the probed pid.
func healthAudit(ctx context.Context, jc scheduler.Context) (scheduler.Outcome, error) {
	f, err := fleetOf(jc)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	enabled := make(map[string]registry.ServiceDescriptor)
	for _, d := range f.EnabledServices() {
		enabled[d.Name] = d
	}
	rows, err := jc.DB().ListRunning(ctx)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	var probed int
	failures := make(map[string]string)
	pids := make(map[string]int)
	for _, rec := range rows {
		d, ok := enabled[rec.Name]
		if !ok || rec.Runtime != store.Running {
			continue
		}
		probed++
		_, perr := f.Probe(ctx, d)
		if perr == nil {
			continue
		}
		if ctx.Err() != nil {
			return scheduler.Outcome{}, ctx.Err()
		}
		failures[rec.Name] = perr.Error()
		pids[rec.Name] = rec.PID
	}
	candidates := make([]string, 0, len(failures))
	for name := range failures {
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)

	var unhealthy []string
	err = f.Exclusive(func() error {
		for _, name := range candidates {
			rec, err := jc.DB().Get(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Runtime != store.Running || rec.PID != pids[name] {
				continue
			}
			rec.Runtime = store.Crashed
			rec.LastError = "health audit: " + failures[name]
			if err := jc.DB().Upsert(ctx, rec); err != nil {
				return err
			}
			unhealthy = append(unhealthy, name)
		}
		return nil
	})
	if err != nil {
		return scheduler.Outcome{}, err
	}
	msg := fmt.Sprintf("%d probed, %d unhealthy", probed, len(unhealthy))
	if len(unhealthy) > 0 {
		msg += ": " + strings.Join(unhealthy, ", ")
	}
	return scheduler.Outcome{Success: len(unhealthy) == 0, Message: msg}, nil
}

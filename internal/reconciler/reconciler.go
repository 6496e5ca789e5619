// Package reconciler brings the observed state of every service (store rows and
// the process table) toward the state declared in the registry.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/process"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/schema"
	"github.com/agentfleet/fleetd/internal/store"
)

// Cleanup reasons emitted by a pass in addition to the process package ones.
const (
	ReasonDisabled = "no longer enabled in configuration"
	ReasonFresh    = "fresh restart"
	ReasonCrashed  = "crashed"
)

// FreshRestart selects when a pass stops every running service before starting.
type FreshRestart string

const (
	FreshBoot   FreshRestart = "boot"
	FreshAlways FreshRestart = "always"
	FreshNever  FreshRestart = "never"
)

// ParseFreshRestart validates a force_fresh_restart value. Empty means FreshBoot.
func ParseFreshRestart(s string) (FreshRestart, error) {
	switch FreshRestart(s) {
	case "":
		return FreshBoot, nil
	case FreshBoot, FreshAlways, FreshNever:
		return FreshRestart(s), nil
	}
	return "", fmt.Errorf("unknown force_fresh_restart %q", s)
}

// DefaultCrashedTTL is how long a Crashed row of a service that left the
// configuration survives before DeleteCrashed removes it.
const DefaultCrashedTTL = time.Minute

// startedSlack bounds the difference between a recorded started_at and the
// actual process start time before a pid is considered reused.
const startedSlack = 5 * time.Second

// Registry supplies the services a pass should keep running.
type Registry interface {
	ListEnabled() []registry.ServiceDescriptor
}

// Lifecycle performs the per-service transitions a pass decides on.
type Lifecycle interface {
	Start(ctx context.Context, d registry.ServiceDescriptor, ev *events.Sender) error
	Stop(ctx context.Context, name, reason string, ev *events.Sender) error
	Restart(ctx context.Context, d registry.ServiceDescriptor, reason string, ev *events.Sender) error
	Cleanup(ctx context.Context, name string, pid int, reason string, ev *events.Sender) error
}

// Processes answers liveness and orphan questions about the process table.
type Processes interface {
	IsAlive(pid int) bool
	DetectOrphans(ctx context.Context, descs []registry.ServiceDescriptor, expected map[int]bool) ([]process.Orphan, error)
}

// SchemaValidator checks declared tables before anything is started.
type SchemaValidator interface {
	ValidateAll(ctx context.Context, descs []registry.ServiceDescriptor) (schema.Report, error)
}

// Options tunes a Reconciler. Zero values select the defaults.
type Options struct {
	FreshRestart FreshRestart
	CrashedTTL   time.Duration
	Log          *slog.Logger
}

// PlannedAction is one action a pass took (or deliberately skipped).
type PlannedAction struct {
	Name   string `json:"name"`
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Result summarises a pass.
type Result struct {
	ID       string                 `json:"id"`
	Boot     bool                   `json:"boot"`
	Actions  []PlannedAction        `json:"actions"`
	States   []VerifiedServiceState `json:"states"`
	Running  int                    `json:"running"`
	Required int                    `json:"required"`
	Duration time.Duration          `json:"duration"`
}

// Reconciler runs passes. Passes never overlap.
type Reconciler struct {
	mu     sync.Mutex
	passes int

	reg    Registry
	store  store.Store
	procs  Processes
	lm     Lifecycle
	schema SchemaValidator
	fresh  FreshRestart
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time
}

// New returns a Reconciler. The first pass it runs is the boot pass.
func New(reg Registry, st store.Store, procs Processes, lm Lifecycle, sv SchemaValidator, opts Options) *Reconciler {
	r := &Reconciler{
		reg:    reg,
		store:  st,
		procs:  procs,
		lm:     lm,
		schema: sv,
		fresh:  opts.FreshRestart,
		ttl:    opts.CrashedTTL,
		log:    opts.Log,
		now:    time.Now,
	}
	if r.fresh == "" {
		r.fresh = FreshBoot
	}
	if r.ttl <= 0 {
		r.ttl = DefaultCrashedTTL
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Passes returns the number of passes run so far.
func (r *Reconciler) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

// WithPassLock runs fn while no pass is in progress. Writers of service rows
// outside the reconciler use it so a row is never changed under a pass.
func (r *Reconciler) WithPassLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// pass carries the per-pass working set.
type pass struct {
	*Reconciler
	ev       *events.Sender
	log      *slog.Logger
	boot     bool
	res      *Result
	enabled  []registry.ServiceDescriptor
	byName   map[string]registry.ServiceDescriptor
	mu       sync.Mutex
	failures []ServiceFailure
	// names recorded Starting or Running when the pass began
	active map[string]bool
}

func (p *pass) act(name string, a Action, reason string) {
	p.mu.Lock()
	p.res.Actions = append(p.res.Actions, PlannedAction{Name: name, Action: a, Reason: reason})
	p.mu.Unlock()
}

func (p *pass) fail(name string, err error) {
	p.mu.Lock()
	p.failures = append(p.failures, ServiceFailure{Name: name, Err: err})
	p.mu.Unlock()
}

// Reconcile runs one pass. Per-service failures are collected and returned as
// a *PassError after every service was attempted; store errors and strict
// schema failures abort the pass.
func (r *Reconciler) Reconcile(ctx context.Context, ev *events.Sender) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	began := r.now()
	p := &pass{
		Reconciler: r,
		ev:         ev,
		boot:       r.passes == 0,
		res:        &Result{ID: uuid.NewString()},
	}
	r.passes++
	p.res.Boot = p.boot
	p.log = r.log.With("pass", p.res.ID)
	p.enabled = r.reg.ListEnabled()
	sort.Slice(p.enabled, func(i, j int) bool { return p.enabled[i].Name < p.enabled[j].Name })
	p.byName = make(map[string]registry.ServiceDescriptor, len(p.enabled))
	for _, d := range p.enabled {
		p.byName[d.Name] = d
	}

	err := p.run(ctx)
	if err == nil && len(p.failures) > 0 {
		sort.Slice(p.failures, func(i, j int) bool { return p.failures[i].Name < p.failures[j].Name })
		err = &PassError{Failures: p.failures}
	}
	sort.SliceStable(p.res.Actions, func(i, j int) bool { return p.res.Actions[i].Name < p.res.Actions[j].Name })
	p.res.Duration = r.now().Sub(began)
	metrics.ObserveReconcile(err == nil, p.res.Duration.Seconds())
	if err != nil {
		p.log.Warn("reconcile pass failed", "error", err, "duration", p.res.Duration)
	} else {
		p.log.Info("reconcile pass complete", "running", p.res.Running, "required", p.res.Required, "actions", len(p.res.Actions), "duration", p.res.Duration)
	}
	return p.res, err
}

func (p *pass) run(ctx context.Context) error {
	names := make([]string, 0, len(p.enabled))
	for _, d := range p.enabled {
		names = append(names, d.Name)
	}

	// 1. stale rows
	if err := p.snapshotActive(ctx); err != nil {
		return err
	}
	if n, err := p.store.CleanupStale(ctx, p.procs.IsAlive); err != nil {
		return err
	} else if n > 0 {
		p.log.Info("marked dead services crashed", "count", n)
	}
	if _, err := p.store.DeleteCrashed(ctx, p.now().Add(-p.ttl), names); err != nil {
		return err
	}

	// 2. services that left the configuration
	if err := p.pruneDisabled(ctx, names); err != nil {
		return err
	}

	// 3. schemas
	p.ev.PhaseStarted(events.PhaseDatabase)
	rep, err := p.schema.ValidateAll(ctx, p.enabled)
	if err != nil {
		p.ev.PhaseFailed(events.PhaseDatabase, err)
		return fmt.Errorf("schema validation: %w", err)
	}
	for _, se := range rep.Errors {
		p.ev.Warning(se.Error(), se.Service)
	}
	p.ev.PhaseCompleted(events.PhaseDatabase)

	// 4. a row for every enabled service
	for _, d := range p.enabled {
		if _, err := p.store.Get(ctx, d.Name); errors.Is(err, store.ErrNotFound) {
			if err := p.store.Upsert(ctx, store.ServiceRecord{
				Name: d.Name, Kind: string(d.Kind), Desired: store.Enabled, Runtime: store.Stopped, Port: d.Port,
			}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	// 5. orphans and stale processes
	if err := p.cleanupStrays(ctx); err != nil {
		return err
	}

	// 6. fresh restart
	if p.fresh == FreshAlways || (p.fresh == FreshBoot && p.boot) {
		if err := p.freshRestart(ctx); err != nil {
			return err
		}
	}

	// 7. start what is not running
	if err := p.startPending(ctx); err != nil {
		return err
	}

	// 8. summary
	states, err := p.verify(ctx)
	if err != nil {
		return err
	}
	p.res.States = states
	for _, st := range states {
		if st.Runtime == store.Running {
			p.res.Running++
		}
	}
	metrics.SetServicesRunning(p.res.Running)
	p.ev.ReconciliationComplete(p.res.Running, p.res.Required)
	return nil
}

func (p *pass) snapshotActive(ctx context.Context) error {
	rows, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	p.active = make(map[string]bool, len(rows))
	for _, rec := range rows {
		if rec.Runtime == store.Starting || rec.Runtime == store.Running {
			p.active[rec.Name] = true
		}
	}
	return nil
}

func (p *pass) pruneDisabled(ctx context.Context, enabled []string) error {
	rows, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	keep := append([]string(nil), enabled...)
	for _, rec := range rows {
		if _, ok := p.byName[rec.Name]; ok {
			continue
		}
		a := DetermineAction(store.Disabled, rec.Runtime)
		// a Crashed row may still hold a live pid (health audit)
		live := rec.PID > 0 && p.procs.IsAlive(rec.PID) && process.StartedAround(rec.PID, rec.StartedAt, startedSlack)
		if live {
			if a == ActionCleanupDB {
				a = ActionCleanupProcess
			}
			if err := p.lm.Cleanup(ctx, rec.Name, rec.PID, ReasonDisabled, p.ev); err != nil {
				p.fail(rec.Name, err)
				keep = append(keep, rec.Name)
				continue
			}
		} else {
			p.ev.ServiceCleanup(rec.Name, ReasonDisabled)
		}
		p.act(rec.Name, a, ReasonDisabled)
	}
	n, err := p.store.DeleteDisabled(ctx, keep)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info("removed services no longer in configuration", "count", n)
	}
	return nil
}

func (p *pass) cleanupStrays(ctx context.Context) error {
	rows, err := p.store.List(ctx)
	if err != nil {
		return err
	}
	// any recorded pid is accounted for; Crashed rows may still hold a live
	// process that the restart path stops
	expected := make(map[int]bool)
	for _, rec := range rows {
		if rec.PID > 0 {
			expected[rec.PID] = true
		}
	}

	orphans, err := p.procs.DetectOrphans(ctx, p.enabled, expected)
	if err != nil {
		p.log.Warn("orphan scan failed", "error", err)
		p.ev.Warning("orphan scan failed", err.Error())
	}
	for _, o := range orphans {
		if err := p.lm.Cleanup(ctx, o.Name, o.PID, process.ReasonOrphan, p.ev); err != nil {
			p.fail(o.Name, err)
			continue
		}
		p.act(o.Name, ActionCleanupProcess, process.ReasonOrphan)
	}

	for _, s := range process.DetectStale(rows, p.byName) {
		switch s.Reason {
		case process.ReasonStaleBinary:
			if err := p.lm.Stop(ctx, s.Name, s.Reason, p.ev); err != nil {
				p.fail(s.Name, err)
				continue
			}
			p.act(s.Name, ActionRestart, s.Reason)
		default:
			rec, err := p.store.Get(ctx, s.Name)
			if err != nil {
				return err
			}
			rec.Runtime = store.Crashed
			rec.PID = 0
			rec.LastError = fmt.Sprintf("process %d is no longer alive", s.PID)
			if err := p.store.Upsert(ctx, rec); err != nil {
				return err
			}
			p.ev.ServiceCleanup(s.Name, s.Reason)
		}
	}
	return nil
}

func (p *pass) freshRestart(ctx context.Context) error {
	for _, d := range p.enabled {
		rec, err := p.store.Get(ctx, d.Name)
		if err != nil {
			return err
		}
		if rec.PID == 0 || !p.procs.IsAlive(rec.PID) {
			continue
		}
		if err := p.lm.Stop(ctx, d.Name, ReasonFresh, p.ev); err != nil {
			p.fail(d.Name, err)
			continue
		}
		p.act(d.Name, ActionRestart, ReasonFresh)
	}
	return nil
}

type verified struct {
	VerifiedServiceState
	desc      registry.ServiceDescriptor
	startedAt time.Time
}

// Verify returns the current state of every enabled service without changing anything.
func (r *Reconciler) Verify(ctx context.Context) ([]VerifiedServiceState, error) {
	p := &pass{Reconciler: r, enabled: r.reg.ListEnabled()}
	sort.Slice(p.enabled, func(i, j int) bool { return p.enabled[i].Name < p.enabled[j].Name })
	return p.verify(ctx)
}

func (p *pass) verify(ctx context.Context) ([]VerifiedServiceState, error) {
	vs, err := p.verified(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]VerifiedServiceState, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.VerifiedServiceState)
	}
	return out, nil
}

func (p *pass) verified(ctx context.Context) ([]verified, error) {
	out := make([]verified, 0, len(p.enabled))
	for _, d := range p.enabled {
		rec, err := p.store.Get(ctx, d.Name)
		if errors.Is(err, store.ErrNotFound) {
			rec = store.ServiceRecord{Name: d.Name, Runtime: store.Stopped}
		} else if err != nil {
			return nil, err
		}
		v := verified{desc: d, startedAt: rec.StartedAt}
		v.Name = d.Name
		v.Kind = string(d.Kind)
		v.Desired = store.Enabled
		v.Runtime = rec.Runtime
		v.Port = d.Port
		v.PID = rec.PID
		v.Error = rec.LastError
		if (rec.Runtime == store.Running || rec.Runtime == store.Starting) && !p.procs.IsAlive(rec.PID) {
			v.Runtime = store.Crashed
			v.PID = 0
			v.Error = fmt.Sprintf("process %d is no longer alive", rec.PID)
		}
		v.Action = DetermineAction(v.Desired, v.Runtime)
		v.NeedsAction = v.Action != ActionNone
		out = append(out, v)
	}
	return out, nil
}

// policy applies the restart policy and boot deferral to the table action.
// A crash found by this pass is restarted at once; a service that was already
// Crashed waits until backoff has elapsed since its last start attempt.
func (p *pass) policy(v verified) (Action, string) {
	d := v.desc
	switch {
	case v.Action == ActionStart && p.boot && d.Kind == registry.KindAgent && !d.StartupOnBoot:
		return ActionNone, "startup_on_boot disabled"
	case v.Action == ActionRestart && v.Runtime == store.Crashed:
		if d.RestartPolicy.OnCrash == registry.CrashLeave {
			return ActionNone, "restart policy never"
		}
		if b := d.RestartPolicy.Backoff; b > 0 && !p.active[v.Name] && p.now().Before(v.startedAt.Add(b)) {
			return ActionNone, "restart backoff"
		}
		return ActionRestart, ReasonCrashed
	case v.Action == ActionRestart:
		return ActionRestart, string(v.Runtime)
	}
	return v.Action, ""
}

type planned struct {
	desc   registry.ServiceDescriptor
	action Action
	reason string
}

func (p *pass) startPending(ctx context.Context) error {
	vs, err := p.verified(ctx)
	if err != nil {
		return err
	}
	var mcps, agents []planned
	for _, v := range vs {
		a, reason := p.policy(v)
		if a == ActionNone {
			if reason == "startup_on_boot disabled" {
				p.log.Debug("deferring agent start", "service", v.Name)
				continue
			}
			p.res.Required++
			if reason != "" {
				p.act(v.Name, ActionNone, reason)
			}
			continue
		}
		p.res.Required++
		pl := planned{desc: v.desc, action: a, reason: reason}
		if v.desc.Kind == registry.KindAgent {
			agents = append(agents, pl)
		} else {
			mcps = append(mcps, pl)
		}
	}

	p.ev.PhaseStarted(events.PhaseMcpServers)
	p.dispatch(ctx, mcps)
	p.ev.PhaseCompleted(events.PhaseMcpServers)

	p.ev.PhaseStarted(events.PhaseAgents)
	p.dispatch(ctx, agents)
	p.ev.PhaseCompleted(events.PhaseAgents)
	return nil
}

// dispatch runs groups of conflicting services concurrently; members of a
// group run one after another.
func (p *pass) dispatch(ctx context.Context, plan []planned) {
	var g errgroup.Group
	for _, grp := range groupByOverlap(plan) {
		g.Go(func() error {
			for _, pl := range grp {
				var err error
				switch pl.action {
				case ActionStart:
					err = p.lm.Start(ctx, pl.desc, p.ev)
				case ActionRestart:
					err = p.lm.Restart(ctx, pl.desc, pl.reason, p.ev)
				}
				p.act(pl.desc.Name, pl.action, pl.reason)
				if err != nil {
					p.fail(pl.desc.Name, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// groupByOverlap partitions plan so that services sharing a table or a port
// land in the same group. Group order follows plan order.
func groupByOverlap(plan []planned) [][]planned {
	parent := make([]int, len(plan))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	owner := make(map[string]int)
	claim := func(key string, i int) {
		if j, ok := owner[key]; ok {
			parent[find(i)] = find(j)
			return
		}
		owner[key] = i
	}
	for i, pl := range plan {
		claim(fmt.Sprintf("port:%d", pl.desc.Port), i)
		for _, t := range pl.desc.Tables() {
			claim("table:"+t, i)
		}
	}
	var out [][]planned
	index := make(map[int]int)
	for i, pl := range plan {
		root := find(i)
		k, ok := index[root]
		if !ok {
			k = len(out)
			index[root] = k
			out = append(out, nil)
		}
		out[k] = append(out[k], pl)
	}
	return out
}

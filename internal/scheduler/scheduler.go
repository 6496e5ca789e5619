package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
)

var (
	ErrUnknownJob     = errors.New("no handler registered")
	ErrAlreadyRunning = errors.New("already running")
)

// JobError is a failed execution: the handler returned an error, panicked or
// was not found.
type JobError struct {
	Job string
	Err error
}

func (e *JobError) Error() string { return fmt.Sprintf("job %s: %v", e.Job, e.Err) }
func (e *JobError) Unwrap() error { return e.Err }

// Run describes one call to ExecuteJob.
type Run struct {
	ID         string          `json:"id"`
	Job        string          `json:"job"`
	Status     store.JobStatus `json:"status,omitempty"`
	Skipped    bool            `json:"skipped,omitempty"`
	Message    string          `json:"message,omitempty"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"-"`
	DurationMs int64           `json:"duration_ms"`
}

// Options configures a Scheduler.
type Options struct {
	Enabled bool
	// App is exposed to handlers through Context.App.
	App any
	// Timeout bounds a single execution; zero means none.
	Timeout  time.Duration
	Location *time.Location
	Log      *slog.Logger
}

// Scheduler fires configured jobs on their cron schedules and guarantees that
// at most one execution per job name is in flight.
type Scheduler struct {
	catalog *Catalog
	st      store.Store
	opts    Options
	log     *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	entries map[string]cron.EntryID
	started bool

	wg sync.WaitGroup
}

// New returns a Scheduler over catalog. Jobs are not scheduled until Start.
func New(catalog *Catalog, st store.Store, opts Options) *Scheduler {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	cronOpts := []cron.Option{cron.WithParser(registry.CronParser)}
	if opts.Location != nil {
		cronOpts = append(cronOpts, cron.WithLocation(opts.Location))
	}
	return &Scheduler{
		catalog: catalog,
		st:      st,
		opts:    opts,
		log:     opts.Log.With("component", "scheduler"),
		cron:    cron.New(cronOpts...),
		running: make(map[string]bool),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers a trigger per configured, enabled and known job, then runs
// the run_on_startup subset sequentially in the background. ev is cloned;
// the clone is closed when the startup jobs are done.
func (s *Scheduler) Start(ctx context.Context, jobs []registry.JobDescriptor, ev *events.Sender) error {
	if !s.opts.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	var startup []string
	for _, j := range jobs {
		if _, ok := s.catalog.Lookup(j.Name); !ok {
			s.log.Warn("configured job has no handler", "job", j.Name)
			ev.Warning(fmt.Sprintf("job %s has no handler", j.Name), "scheduler")
			continue
		}
		if err := s.st.EnsureJob(ctx, j.Name, j.Schedule, j.Enabled); err != nil {
			return fmt.Errorf("ensure job %s: %w", j.Name, err)
		}
		if !j.Enabled {
			continue
		}
		name := j.Name
		id, err := s.cron.AddFunc(j.Schedule, func() { s.ExecuteJob(ctx, name) })
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", j.Name, err)
		}
		s.mu.Lock()
		s.entries[name] = id
		s.mu.Unlock()
		s.log.Info("job scheduled", "job", name, "schedule", j.Schedule)
		if j.RunOnStartup {
			startup = append(startup, name)
		}
	}
	s.cron.Start()

	if len(startup) > 0 {
		tx := ev.Clone()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer tx.Close()
			s.runStartup(ctx, startup, tx)
		}()
	}
	return nil
}

// runStartup runs jobs one after another so boot does not flood the store.
func (s *Scheduler) runStartup(ctx context.Context, names []string, ev *events.Sender) {
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		ev.Info("running startup job " + name)
		run := s.ExecuteJob(ctx, name)
		switch {
		case run.Skipped:
			ev.Info("startup job " + name + " skipped: already running")
		case run.Status == store.JobSuccess:
			ev.Info(fmt.Sprintf("startup job %s finished in %s", name, run.Duration.Round(time.Millisecond)))
		default:
			ev.Warning(fmt.Sprintf("startup job %s failed: %s", name, run.Error), "scheduler")
		}
	}
}

// Stop halts the cron triggers and waits for running jobs and startup jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Running reports whether an execution of name is in flight.
func (s *Scheduler) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[name]
}

// Next returns the next trigger time for a scheduled job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

func (s *Scheduler) acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// ExecuteJob runs name once unless an execution is already in flight. Failures
// are recorded on the job row and returned in Run; they never escape as panics.
func (s *Scheduler) ExecuteJob(ctx context.Context, name string) Run {
	run := Run{ID: uuid.NewString(), Job: name}
	log := s.log.With("job", name, "run", run.ID)
	if !s.acquire(name) {
		log.Info("already running, skipping")
		metrics.IncJobSkipped(name)
		run.Skipped = true
		run.Error = ErrAlreadyRunning.Error()
		return run
	}
	defer s.release(name)

	started := time.Now()
	if err := s.st.MarkJobRunning(ctx, name, started); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("mark job running", "error", err)
			return s.finish(ctx, log, run, started, Outcome{}, err)
		}
		// manual runs of known jobs absent from the configuration get a row on demand
		if _, known := s.catalog.Lookup(name); known {
			if err := s.st.EnsureJob(ctx, name, "", false); err == nil {
				_ = s.st.MarkJobRunning(ctx, name, started)
			}
		}
	}

	def, ok := s.catalog.Lookup(name)
	if !ok {
		return s.finish(ctx, log, run, started, Outcome{}, ErrUnknownJob)
	}

	runCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	log.Debug("job started")
	out, err := s.invoke(runCtx, def)
	return s.finish(ctx, log, run, started, out, err)
}

func (s *Scheduler) invoke(ctx context.Context, def Definition) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", def.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return def.Handler(ctx, jobContext{db: s.st, app: s.opts.App})
}

func (s *Scheduler) finish(ctx context.Context, log *slog.Logger, run Run, started time.Time, out Outcome, err error) Run {
	run.Duration = out.Duration
	if run.Duration <= 0 {
		run.Duration = time.Since(started)
	}
	run.DurationMs = run.Duration.Milliseconds()
	run.Message = out.Message
	switch {
	case err != nil:
		jerr := &JobError{Job: run.Job, Err: err}
		run.Status = store.JobFailed
		run.Error = jerr.Error()
		log.Error("job failed", "error", jerr, "duration", run.Duration)
	case !out.Success:
		run.Status = store.JobFailed
		run.Error = out.Message
		if run.Error == "" {
			run.Error = "handler reported failure"
		}
		log.Warn("job reported failure", "message", run.Error, "duration", run.Duration)
	default:
		run.Status = store.JobSuccess
		log.Info("job finished", "message", out.Message, "duration", run.Duration)
	}
	// the row is written even when the run context expired
	wctx := context.WithoutCancel(ctx)
	if ferr := s.st.FinishJob(wctx, run.Job, run.Status, run.Duration, run.Error); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
		log.Error("record job outcome", "error", ferr)
	}
	metrics.IncJobRun(run.Job, string(run.Status))
	return run
}

// JobInfo is a job row together with its live scheduling state.
type JobInfo struct {
	store.JobRecord
	Description string     `json:"description,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	InFlight    bool       `json:"in_flight"`
	Known       bool       `json:"known"`
}

// List returns every job row, including rows of jobs without a handler.
func (s *Scheduler) List(ctx context.Context) ([]JobInfo, error) {
	rows, err := s.st.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]JobInfo, 0, len(rows))
	for _, rec := range rows {
		info := JobInfo{JobRecord: rec, InFlight: s.Running(rec.Name)}
		if def, ok := s.catalog.Lookup(rec.Name); ok {
			info.Known = true
			info.Description = def.Description
		}
		if next, ok := s.Next(rec.Name); ok && !next.IsZero() {
			info.NextRun = &next
		}
		out = append(out, info)
	}
	return out, nil
}

// Known reports whether name has a registered handler.
func (s *Scheduler) Known(name string) bool {
	_, ok := s.catalog.Lookup(name)
	return ok
}

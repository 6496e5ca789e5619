package fleetd

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentfleet/fleetd/internal/app"
	cfg "github.com/agentfleet/fleetd/internal/config"
	"github.com/agentfleet/fleetd/internal/events"
	"github.com/agentfleet/fleetd/internal/jobs"
	"github.com/agentfleet/fleetd/internal/metrics"
	"github.com/agentfleet/fleetd/internal/reconciler"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/scheduler"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type ServiceDescriptor = registry.ServiceDescriptor

type JobDescriptor = registry.JobDescriptor

type ReconcileResult = reconciler.Result

type ServiceState = reconciler.VerifiedServiceState

type Event = events.Event

type EventSender = events.Sender

type EventReceiver = events.Receiver

type Report = events.Report

// Job catalog types for embedders that register their own jobs.

type JobBuilder = scheduler.Builder

type JobCatalog = scheduler.Catalog

type JobContext = scheduler.Context

type JobOutcome = scheduler.Outcome

type JobHandler = scheduler.Handler

type JobRun = scheduler.Run

// Options tunes a Daemon.
type Options = app.Options

// NewEvents returns a startup event channel. Close the sender when done so
// the receiver drains.
func NewEvents() (*EventSender, *EventReceiver) { return events.New() }

// NewCatalog returns the built-in jobs plus whatever extra registers.
func NewCatalog(extra func(*JobBuilder)) (*JobCatalog, error) {
	b := jobs.Register(scheduler.NewBuilder())
	if extra != nil {
		extra(b)
	}
	return b.Build()
}

// LoadConfig decodes the configuration file at path without validating it.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Daemon is a thin facade over internal/app.App.
// It provides a stable public API for embedding.
type Daemon struct{ inner *app.App }

// Load reads and validates the configuration at path.
func Load(path string, opts Options) (*Daemon, error) {
	a, err := app.Load(path, opts)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: a}, nil
}

// New builds a daemon from an already decoded configuration.
func New(c *Config, opts Options) (*Daemon, error) {
	reg, err := registry.New(c)
	if err != nil {
		return nil, err
	}
	return &Daemon{inner: app.New(reg, opts)}, nil
}

// Open connects the store and history sinks and builds the reconciler.
func (d *Daemon) Open(ctx context.Context, ev *EventSender) error { return d.inner.Open(ctx, ev) }

// Boot opens the daemon, runs the boot pass, then starts the scheduler and
// the admin API.
func (d *Daemon) Boot(ctx context.Context, ev *EventSender) error { return d.inner.Boot(ctx, ev) }

// Reconcile runs one pass.
func (d *Daemon) Reconcile(ctx context.Context, ev *EventSender) (*ReconcileResult, error) {
	return d.inner.ReconcileOnce(ctx, ev)
}
func (d *Daemon) Services(ctx context.Context) ([]ServiceState, error) {
	return d.inner.Services(ctx)
}
func (d *Daemon) RunJob(ctx context.Context, name string) (JobRun, error) {
	return d.inner.RunJob(ctx, name)
}

// StopServices stops every running service.
func (d *Daemon) StopServices(ctx context.Context) error { return d.inner.StopServices(ctx, nil) }
func (d *Daemon) Shutdown(ctx context.Context) error     { return d.inner.Shutdown(ctx) }
func (d *Daemon) ListServices() []ServiceDescriptor      { return d.inner.Registry().ListServices() }
func (d *Daemon) ListJobs() []JobDescriptor              { return d.inner.Registry().ListJobs() }

// Metrics helpers (public facade)

// RegisterMetrics registers the fleetd collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

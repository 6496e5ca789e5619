package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of services that reached Running.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	serviceStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "start_failures_total",
			Help:      "Number of failed starts by reason (port_conflict, spawn, health).",
		}, []string{"name", "reason"},
	)
	serviceStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the readiness probe succeeded.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	servicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetd",
			Name:      "services_running",
			Help:      "Services verified running after the last reconcile pass.",
		},
	)
	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Number of reconcile passes by result (ok, failed).",
		}, []string{"result"},
	)
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetd",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Duration of reconcile passes.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "job",
			Name:      "runs_total",
			Help:      "Number of job executions by final status.",
		}, []string{"job", "status"},
	)
	jobSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetd",
			Subsystem: "job",
			Name:      "skipped_total",
			Help:      "Triggers skipped because the job was already running.",
		}, []string{"job"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceStops, serviceStartFailures, serviceStartDuration, servicesRunning,
		reconcilePasses, reconcileDuration, jobRuns, jobSkipped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}
func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}
func IncStartFailure(name, reason string) {
	if regOK.Load() {
		serviceStartFailures.WithLabelValues(name, reason).Inc()
	}
}
func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		serviceStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

// SetServicesRunning records the count from the last pass.
func SetServicesRunning(n int) {
	if regOK.Load() {
		servicesRunning.Set(float64(n))
	}
}

// ObserveReconcile counts a pass and its duration.
func ObserveReconcile(ok bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	reconcilePasses.WithLabelValues(result).Inc()
	reconcileDuration.Observe(seconds)
}

func IncJobRun(job, status string) {
	if regOK.Load() {
		jobRuns.WithLabelValues(job, status).Inc()
	}
}
func IncJobSkipped(job string) {
	if regOK.Load() {
		jobSkipped.WithLabelValues(job).Inc()
	}
}

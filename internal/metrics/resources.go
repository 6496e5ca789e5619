package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a running service process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceCollector samples CPU and memory of service processes and exports
// them as gauges labelled by service name.
type ResourceCollector struct {
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]Usage

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewResourceCollector returns a collector sampling every interval (default 15s).
func NewResourceCollector(interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ResourceCollector{
		interval: interval,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the service process.",
		}, []string{"name"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the service process.",
		}, []string{"name"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetd",
			Subsystem: "service",
			Name:      "num_threads",
			Help:      "Number of threads of the service process.",
		}, []string{"name"}),
	}
}

func (c *ResourceCollector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.cpu, c.rss, c.threads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the pids returned by running until ctx is cancelled or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context, running func() map[string]int32) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(ctx, running())
			}
		}
	}()
}

func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples each pid once and drops series for services no longer listed.
func (c *ResourceCollector) Collect(ctx context.Context, pids map[string]int32) {
	now := time.Now()
	results := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := sample(ctx, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		results[name] = u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name := range c.latest {
		if _, ok := results[name]; !ok {
			c.cpu.DeleteLabelValues(name)
			c.rss.DeleteLabelValues(name)
			c.threads.DeleteLabelValues(name)
		}
	}
	for name, u := range results {
		c.cpu.WithLabelValues(name).Set(u.CPUPercent)
		c.rss.WithLabelValues(name).Set(float64(u.MemoryRSS))
		c.threads.WithLabelValues(name).Set(float64(u.NumThreads))
	}
	c.latest = results
}

func sample(ctx context.Context, pid int32, at time.Time) (Usage, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{PID: pid, MemoryRSS: mem.RSS, Timestamp: at}
	// CPU and thread counts are best effort
	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	if n, err := proc.NumFDsWithContext(ctx); err == nil {
		u.NumFDs = n
	}
	return u, nil
}

// Get returns the latest sample for a service.
func (c *ResourceCollector) Get(name string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[name]
	return u, ok
}

// All returns a copy of the latest samples.
func (c *ResourceCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

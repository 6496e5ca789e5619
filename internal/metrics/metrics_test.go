package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncStop("a")
	IncStartFailure("a", "health")
	ObserveStartDuration("a", 1.25)
	SetServicesRunning(3)
	ObserveReconcile(true, 0.2)
	IncJobRun("database_vacuum", "success")
	IncJobSkipped("database_vacuum")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"fleetd_service_starts_total":           false,
		"fleetd_service_stops_total":            false,
		"fleetd_service_start_failures_total":   false,
		"fleetd_service_start_duration_seconds": false,
		"fleetd_services_running":               false,
		"fleetd_reconcile_passes_total":         false,
		"fleetd_reconcile_duration_seconds":     false,
		"fleetd_job_runs_total":                 false,
		"fleetd_job_skipped_total":              false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "fleetd_service_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncStop("c")
			IncJobRun("j", "success")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart("test")
	IncStop("test")
	IncStartFailure("test", "spawn")
	ObserveStartDuration("test", 1.0)
	SetServicesRunning(5)
	ObserveReconcile(false, 1)
	IncJobRun("test", "failed")
	IncJobSkipped("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResourceCollectorSamplesSelf(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewResourceCollector(time.Hour)
	if err := c.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	c.Collect(context.Background(), map[string]int32{"self": int32(os.Getpid()), "none": 0})

	u, ok := c.Get("self")
	if !ok || u.MemoryRSS == 0 || u.PID != int32(os.Getpid()) {
		t.Fatalf("expected sample for self, got %+v ok=%v", u, ok)
	}
	if _, ok := c.Get("none"); ok {
		t.Fatalf("pid 0 must not be sampled")
	}

	// a service that disappears loses its series
	c.Collect(context.Background(), map[string]int32{})
	if len(c.All()) != 0 {
		t.Fatalf("expected no samples, got %v", c.All())
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if len(mf.GetMetric()) != 0 {
			t.Fatalf("series %s should have been deleted", mf.GetName())
		}
	}
}

func TestResourceCollectorStartStop(t *testing.T) {
	c := NewResourceCollector(20 * time.Millisecond)
	self := int32(os.Getpid())
	c.Start(context.Background(), func() map[string]int32 { return map[string]int32{"self": self} })
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("self"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Stop()
	c.Stop()
	if _, ok := c.Get("self"); !ok {
		t.Fatalf("collector never sampled")
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

package fleetd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "fleetd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDaemonFacadeRunsCustomJob(t *testing.T) {
	p := writeConfig(t, `
store:
  dsn: fleet.db
settings:
  pid_dir: run
jobs:
  - name: ping
    schedule: "@every 1h"
`)
	calls := 0
	catalog, err := NewCatalog(func(b *JobBuilder) {
		b.Register("ping", "answer pong", func(ctx context.Context, jc JobContext) (JobOutcome, error) {
			calls++
			return JobOutcome{Success: true, Message: "pong"}, nil
		})
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	d, err := Load(p, Options{Catalog: catalog})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	ctx := context.Background()
	if err := d.Open(ctx, nil); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := d.Reconcile(ctx, nil)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Required != 0 || len(res.Actions) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	run, err := d.RunJob(ctx, "ping")
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if calls != 1 || run.Message != "pong" || run.Error != "" {
		t.Fatalf("unexpected run: %+v (calls=%d)", run, calls)
	}
	if jobs := d.ListJobs(); len(jobs) != 1 || jobs[0].Name != "ping" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if svcs := d.ListServices(); len(svcs) != 0 {
		t.Fatalf("unexpected services: %+v", svcs)
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(func(b *JobBuilder) {
		b.Register("database_vacuum", "again", func(ctx context.Context, jc JobContext) (JobOutcome, error) {
			return JobOutcome{Success: true}, nil
		})
	})
	if err == nil || !strings.Contains(err.Error(), "registered twice") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := writeConfig(t, `
settings:
  schema_validation_mode: loose
`)
	c, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := New(c, Options{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEventsFacade(t *testing.T) {
	tx, rx := NewEvents()
	tx.Info("hello")
	tx.Close()
	evs := rx.Collect()
	if len(evs) != 1 || evs[0].Kind() != "info" {
		t.Fatalf("unexpected events: %+v", evs)
	}
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	rr := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rr.Code)
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, code int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/healthz", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, map[string]any{"ok": true, "pid": 1})
	})
	mux.HandleFunc("GET /api/services", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []ServiceState{{Name: "search", Kind: "mcp", Runtime: "running", Port: 5001, PID: 42}})
	})
	mux.HandleFunc("GET /api/services/{name}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") != "search" {
			write(w, http.StatusNotFound, ErrorResponse{Error: "service " + r.PathValue("name") + ": not found"})
			return
		}
		write(w, http.StatusOK, ServiceState{Name: "search", Runtime: "running"})
	})
	mux.HandleFunc("POST /api/services/{name}/restart", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/reconcile", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusInternalServerError, map[string]any{
			"result": ReconcileResult{ID: "p1", Running: 1, Required: 2},
			"error":  "1 service(s) failed: search (port 5001 held by 7777)",
		})
	})
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []JobInfo{{Name: "database_vacuum", RunCount: 3, Known: true}})
	})
	mux.HandleFunc("POST /api/jobs/{name}/run", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("name") == "busy" {
			write(w, http.StatusConflict, JobRun{Job: "busy", Skipped: true, Error: "already running"})
			return
		}
		write(w, http.StatusOK, JobRun{ID: "r1", Job: r.PathValue("name"), Status: "success", DurationMs: 12})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientServices(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api/", Timeout: time.Second})
	ctx := context.Background()

	assert.True(t, c.IsReachable(ctx))

	states, err := c.Services(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "search", states[0].Name)
	assert.Equal(t, 42, states[0].PID)

	st, err := c.Service(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, "running", st.Runtime)

	_, err = c.Service(ctx, "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")

	require.NoError(t, c.RestartService(ctx, "search"))
}

func TestClientReconcileFailureKeepsResult(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})

	res, err := c.Reconcile(context.Background())
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "p1", res.ID)
	assert.Equal(t, 2, res.Required)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, apiErr.Message, "search (port 5001 held by 7777)")
}

func TestClientJobs(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api"})
	ctx := context.Background()

	jobs, err := c.Jobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(3), jobs[0].RunCount)

	run, err := c.RunJob(ctx, "database_vacuum")
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, int64(12), run.DurationMs)

	run, err = c.RunJob(ctx, "busy")
	require.Error(t, err)
	assert.True(t, run.Skipped)
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	assert.False(t, c.IsReachable(context.Background()))
}

func TestSetupClientTLS(t *testing.T) {
	cfg, err := setupClientTLS(Config{Insecure: true})
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)

	bad := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	_, err = setupClientTLS(Config{TLS: &TLSClientConfig{CACert: bad}})
	assert.Error(t, err)

	_, err = setupClientTLS(Config{TLS: &TLSClientConfig{CACert: filepath.Join(t.TempDir(), "missing")}})
	assert.Error(t, err)
}

package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/internal/registry"
)

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return p
}

func desc(port int, probe registry.ProbeKind, path string) registry.ServiceDescriptor {
	return registry.ServiceDescriptor{
		Name: "svc", Port: port,
		Health: registry.HealthSpec{Probe: probe, Path: path, Timeout: 500 * time.Millisecond, MaxAttempts: 3, Interval: 20 * time.Millisecond},
	}
}

func TestNewProberValidatesBase(t *testing.T) {
	_, err := NewProber("ftp://127.0.0.1", "")
	require.Error(t, err)
	_, err = NewProber("http://", "")
	require.Error(t, err)
	p, err := NewProber("", "1.0")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:5001/health", p.Endpoint(5001, "health"))
}

func TestHTTPProbe(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	d := desc(portOf(t, srv.URL), registry.ProbeHTTP, "/health")

	_, err = p.Probe(context.Background(), d)
	require.NoError(t, err)

	healthy = false
	_, err = p.Probe(context.Background(), d)
	require.ErrorContains(t, err, "status 503")
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	_, err = p.Probe(context.Background(), desc(ln.Addr().(*net.TCPAddr).Port, registry.ProbeTCP, ""))
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), desc(closedPort(t), registry.ProbeTCP, ""))
	require.Error(t, err)

	_, err = p.Probe(context.Background(), desc(1, "carrier-pigeon", ""))
	require.ErrorContains(t, err, "unknown probe")
}

func TestMCPInitializeProbeCountsTools(t *testing.T) {
	s := server.NewMCPServer("search", "1.0.0", server.WithToolCapabilities(false))
	for _, name := range []string{"search", "fetch"} {
		s.AddTool(mcp.NewTool(name, mcp.WithDescription(name)), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("ok"), nil
		})
	}
	srv := httptest.NewServer(server.NewStreamableHTTPServer(s))
	defer srv.Close()

	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	res, err := p.Probe(context.Background(), desc(portOf(t, srv.URL), registry.ProbeMCP, "/mcp"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Tools)
}

func TestWaitIsBoundedByAttemptsAndInterval(t *testing.T) {
	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	d := desc(closedPort(t), registry.ProbeTCP, "")
	d.Health.MaxAttempts = 5
	d.Health.Interval = 40 * time.Millisecond

	var seen []int
	start := time.Now()
	_, n, err := p.Wait(context.Background(), d, func(a int) { seen = append(seen, a) }, nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, 5, n)
	require.Equal(t, []int{1, 2, 3, 4, 5}, seen)
	// k*i plus slack for five refused dials
	require.Less(t, elapsed, 5*40*time.Millisecond+time.Second)
}

func TestWaitStopsEarly(t *testing.T) {
	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	d := desc(closedPort(t), registry.ProbeTCP, "")
	d.Health.MaxAttempts = 50

	boom := errors.New("child exited")
	_, n, err := p.Wait(context.Background(), d, nil, func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, n)
}

func TestWaitSucceedsOnceListening(t *testing.T) {
	port := closedPort(t)
	p, err := NewProber("http://127.0.0.1", "test")
	require.NoError(t, err)
	d := desc(port, registry.ProbeTCP, "")
	d.Health.MaxAttempts = 50

	var ln net.Listener
	defer func() {
		if ln != nil {
			_ = ln.Close()
		}
	}()
	_, n, err := p.Wait(context.Background(), d, func(a int) {
		if a == 3 {
			ln, _ = net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		}
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

// Package fleettest holds helpers shared by tests that spawn real service
// processes. A test package opts in by declaring
//
//	func TestHelperProcess(t *testing.T) { fleettest.RunHelper() }
//
// and spawning HelperDescriptor; the test binary re-executes itself as the child.
package fleettest

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
	"github.com/agentfleet/fleetd/internal/store/sqlite"
)

const (
	helperEnv = "FLEETD_HELPER_PROCESS"
	modeEnv   = "FLEETD_HELPER_MODE"
)

// RunHelper turns the current test binary into a fake service when started by
// HelperDescriptor. It listens on $PORT until killed. With FLEETD_HELPER_MODE=mcp
// it serves an MCP server with one tool over streamable HTTP.
func RunHelper() {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	addr := "127.0.0.1:" + os.Getenv("PORT")
	if os.Getenv(modeEnv) == "mcp" {
		s := server.NewMCPServer("fleettest", "1.0.0", server.WithToolCapabilities(false))
		s.AddTool(mcp.NewTool("echo", mcp.WithDescription("echo input")),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return mcp.NewToolResultText("ok"), nil
			})
		srv := &http.Server{Addr: addr, Handler: server.NewStreamableHTTPServer(s), ReadHeaderTimeout: 5 * time.Second}
		_ = srv.ListenAndServe()
		os.Exit(3)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		os.Exit(3)
	}
	for {
		c, err := ln.Accept()
		if err != nil {
			os.Exit(0)
		}
		_ = c.Close()
	}
}

// HelperDescriptor describes an enabled MCP service backed by the test binary,
// probed with tcp-connect.
func HelperDescriptor(name string, port int) registry.ServiceDescriptor {
	return registry.ServiceDescriptor{
		Name:       name,
		Kind:       registry.KindMCP,
		Enabled:    true,
		Port:       port,
		BinaryPath: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$"},
		Env:        map[string]string{helperEnv: "1"},
		Health: registry.HealthSpec{
			Probe:       registry.ProbeTCP,
			Timeout:     500 * time.Millisecond,
			MaxAttempts: 50,
			Interval:    100 * time.Millisecond,
		},
		RestartPolicy: registry.RestartPolicy{OnCrash: registry.CrashRestart},
	}
}

// MCPHelperDescriptor is HelperDescriptor serving MCP and probed with mcp-initialize.
func MCPHelperDescriptor(name string, port int) registry.ServiceDescriptor {
	d := HelperDescriptor(name, port)
	d.Env[modeEnv] = "mcp"
	d.Health.Probe = registry.ProbeMCP
	d.Health.Path = "/mcp"
	d.Health.Timeout = 2 * time.Second
	return d
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// Listening reports whether something accepts connections on port.
func Listening(port int) bool {
	c, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

// WaitFor polls cond until it holds or d elapses.
func WaitFor(t testing.TB, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// NewStore opens a schema-initialised SQLite store under t.TempDir().
func NewStore(t testing.TB) *store.SQL {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/fleet.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

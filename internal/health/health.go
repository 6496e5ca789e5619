// Package health implements the readiness probes run after a service is spawned.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentfleet/fleetd/internal/registry"
)

// MCPTransportTimeout bounds every request made to an MCP server so a stuck
// server cannot freeze the caller.
const MCPTransportTimeout = 30 * time.Second

const protocolVersion = "2024-11-05"

// Result carries what a successful probe learned about the service.
type Result struct {
	// Tools is the number of tools an MCP server advertised; 0 for other probes.
	Tools int
}

// Prober runs probes against services listening on a base host.
type Prober struct {
	base    *url.URL
	version string
}

// NewProber parses base, e.g. "http://127.0.0.1". version is sent as the MCP client version.
func NewProber(base, version string) (*Prober, error) {
	if base == "" {
		base = "http://127.0.0.1"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("health base %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("health base %q: scheme must be http or https", base)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("health base %q: missing host", base)
	}
	if version == "" {
		version = "dev"
	}
	return &Prober{base: u, version: version}, nil
}

// Endpoint returns the URL of path on the service's port.
func (p *Prober) Endpoint(port int, path string) string {
	u := *p.base
	u.Host = net.JoinHostPort(p.base.Hostname(), strconv.Itoa(port))
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = path
	return u.String()
}

// Probe runs one readiness check for d. Each attempt is bounded by d.Health.Timeout.
func (p *Prober) Probe(ctx context.Context, d registry.ServiceDescriptor) (Result, error) {
	timeout := d.Health.Timeout
	if timeout <= 0 {
		timeout = registry.DefaultProbeTimeout
	}
	switch d.Health.Probe {
	case registry.ProbeHTTP:
		return Result{}, p.httpGet(ctx, p.Endpoint(d.Port, d.Health.Path), timeout)
	case registry.ProbeMCP:
		return p.mcpInitialize(ctx, p.Endpoint(d.Port, d.Health.Path), timeout)
	case registry.ProbeTCP, "":
		return Result{}, p.tcpConnect(ctx, d.Port, timeout)
	default:
		return Result{}, fmt.Errorf("unknown probe %q", d.Health.Probe)
	}
}

func (p *Prober) tcpConnect(ctx context.Context, port int, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.base.Hostname(), strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *Prober) httpGet(ctx context.Context, endpoint string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	return nil
}

// mcpInitialize performs the MCP initialize handshake over streamable HTTP and
// counts the advertised tools.
func (p *Prober) mcpInitialize(ctx context.Context, endpoint string, timeout time.Duration) (Result, error) {
	c, err := client.NewStreamableHttpClient(endpoint, transport.WithHTTPTimeout(MCPTransportTimeout))
	if err != nil {
		return Result{}, fmt.Errorf("create mcp client: %w", err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("start mcp client: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: "fleetd", Version: p.version}
	initRes, err := c.Initialize(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("mcp initialize: %w", err)
	}
	if initRes.Capabilities.Tools == nil {
		return Result{}, nil
	}
	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return Result{}, fmt.Errorf("mcp list tools: %w", err)
	}
	return Result{Tools: len(tools.Tools)}, nil
}

// ErrNotReady is wrapped by Wait when every attempt failed.
var ErrNotReady = errors.New("service never became healthy")

// Wait probes up to d.Health.MaxAttempts times, sleeping d.Health.Interval between
// attempts. onAttempt, when set, is called before each attempt. stop, when set,
// is polled between attempts and aborts the wait with its error.
func (p *Prober) Wait(ctx context.Context, d registry.ServiceDescriptor, onAttempt func(attempt int), stop func() error) (Result, int, error) {
	attempts := d.Health.MaxAttempts
	if attempts <= 0 {
		attempts = registry.DefaultProbeMaxAttempts
	}
	interval := d.Health.Interval
	if interval <= 0 {
		interval = registry.DefaultProbeInterval
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if onAttempt != nil {
			onAttempt(i)
		}
		res, err := p.Probe(ctx, d)
		if err == nil {
			return res, i, nil
		}
		lastErr = err
		if i == attempts {
			break
		}
		if stop != nil {
			if serr := stop(); serr != nil {
				return Result{}, i, serr
			}
		}
		select {
		case <-ctx.Done():
			return Result{}, i, ctx.Err()
		case <-time.After(interval):
		}
	}
	return Result{}, attempts, fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempts, lastErr)
}

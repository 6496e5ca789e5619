// Package client talks to the fleetd admin API.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:7420/api"

// Client provides HTTP client functionality to communicate with the fleetd daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{BaseURL: defaultBaseURL, Timeout: 30 * time.Second}
}

// New creates a fleetd API client. A TLS setup failure is logged and the
// client falls back to the default transport.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks if the daemon answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

// Services lists every enabled service.
func (c *Client) Services(ctx context.Context) ([]ServiceState, error) {
	var out []ServiceState
	return out, c.do(ctx, http.MethodGet, "/services", &out)
}

func (c *Client) Service(ctx context.Context, name string) (ServiceState, error) {
	var out ServiceState
	return out, c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), &out)
}

// RestartService asks the daemon to stop and start one service.
func (c *Client) RestartService(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/restart", nil)
}

// Reconcile runs a pass. A failed pass still returns its result together
// with an *APIError carrying the composite message.
func (c *Client) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	var resp struct {
		Result *ReconcileResult `json:"result"`
		Error  string           `json:"error"`
	}
	err := c.do(ctx, http.MethodPost, "/reconcile", &resp)
	if apiErr, ok := err.(*APIError); ok && resp.Error != "" {
		apiErr.Message = resp.Error
	}
	return resp.Result, err
}

// Jobs lists the configured jobs with their last run.
func (c *Client) Jobs(ctx context.Context) ([]JobInfo, error) {
	var out []JobInfo
	return out, c.do(ctx, http.MethodGet, "/jobs", &out)
}

// RunJob triggers name now. A job already in flight answers 409; the
// returned JobRun has Skipped set in that case.
func (c *Client) RunJob(ctx context.Context, name string) (JobRun, error) {
	var out JobRun
	return out, c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(name)+"/run", &out)
}

// do sends a request and decodes the JSON body into out, for error answers too.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		apiErr.Message = er.Error
	}
	if out != nil {
		_ = json.Unmarshal(body, out)
	}
	c.logger.Debug("API request failed", "path", path, "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	// #nosec G402 verification is skipped only on explicit request
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS == nil {
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		caCert, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

package registry

import (
	"time"

	"github.com/agentfleet/fleetd/internal/logger"
)

// Kind distinguishes MCP tool servers from A2A agents.
type Kind string

const (
	KindMCP   Kind = "mcp"
	KindAgent Kind = "agent"
)

// ProbeKind selects how readiness is checked after spawn.
type ProbeKind string

const (
	ProbeHTTP ProbeKind = "http-get"
	ProbeTCP  ProbeKind = "tcp-connect"
	// ProbeMCP performs an MCP initialize handshake over streamable HTTP.
	ProbeMCP ProbeKind = "mcp-initialize"
)

// CrashPolicy decides whether a crashed service is restarted by reconcile.
type CrashPolicy string

const (
	CrashRestart CrashPolicy = "always"
	CrashLeave   CrashPolicy = "never"
)

// Health probe defaults.
const (
	DefaultProbeTimeout     = time.Second
	DefaultProbeMaxAttempts = 10
	DefaultProbeInterval    = 500 * time.Millisecond
	DefaultRestartBackoff   = 5 * time.Second
	MinPort                 = 1024
)

// HealthSpec is a resolved readiness probe.
type HealthSpec struct {
	Probe       ProbeKind     `json:"probe"`
	Path        string        `json:"path,omitempty"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
	Interval    time.Duration `json:"interval"`
}

// RestartPolicy decides what a pass does with a Crashed service.
type RestartPolicy struct {
	OnCrash CrashPolicy   `json:"on_crash"`
	Backoff time.Duration `json:"backoff"`
}

// TableSchema is a table a service owns in the shared store.
type TableSchema struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	DDL     string   `json:"ddl,omitempty"`
}

// ServiceDescriptor is the desired configuration of one MCP server or agent.
// Values are immutable for the duration of a reconcile pass.
type ServiceDescriptor struct {
	Name          string            `json:"name"`
	Kind          Kind              `json:"kind"`
	Enabled       bool              `json:"enabled"`
	Port          int               `json:"port"`
	BinaryPath    string            `json:"binary_path"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkDir       string            `json:"work_dir,omitempty"`
	Schemas       []TableSchema     `json:"schemas,omitempty"`
	Health        HealthSpec        `json:"health"`
	StartupOnBoot bool              `json:"startup_on_boot"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	Log           logger.FileConfig `json:"-"`
}

// Tables returns the declared table names.
func (d ServiceDescriptor) Tables() []string {
	out := make([]string, 0, len(d.Schemas))
	for _, s := range d.Schemas {
		out = append(out, s.Table)
	}
	return out
}

// JobDescriptor is a configured background job.
type JobDescriptor struct {
	Name         string `json:"name"`
	Schedule     string `json:"schedule"`
	Enabled      bool   `json:"enabled"`
	RunOnStartup bool   `json:"run_on_startup"`
}

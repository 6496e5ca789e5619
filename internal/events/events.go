// Package events carries the typed startup and lifecycle progress feed.
// It is a live feed for interactive consumers, not a durable log.
package events

import "time"

// Phase is a coarse stage of daemon startup.
type Phase int

const (
	PhasePreFlight Phase = iota
	PhaseDatabase
	PhaseMcpServers
	PhaseAgents
	PhaseAPIServer
	PhaseComplete
)

var phaseNames = [...]string{"PreFlight", "Database", "McpServers", "Agents", "ApiServer", "Complete"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "Unknown"
	}
	return phaseNames[p]
}

// MarshalText renders the phase name in JSON reports.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Phases lists all phases in boot order.
func Phases() []Phase {
	return []Phase{PhasePreFlight, PhaseDatabase, PhaseMcpServers, PhaseAgents, PhaseAPIServer, PhaseComplete}
}

// Event is the closed set of startup events. Consumers switch on the concrete type.
type Event interface {
	// Kind is a stable identifier for the variant.
	Kind() string
	isEvent()
}

type PhaseStarted struct {
	Phase Phase `json:"phase"`
}

type PhaseCompleted struct {
	Phase Phase `json:"phase"`
}

type PhaseFailed struct {
	Phase Phase  `json:"phase"`
	Err   string `json:"error"`
}

type PortAvailable struct {
	Port int `json:"port"`
}

type PortConflict struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

type ModulesLoaded struct {
	Count   int      `json:"count"`
	Modules []string `json:"modules"`
}

type McpStarting struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type McpHealthCheck struct {
	Name        string `json:"name"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

type McpReady struct {
	Name    string        `json:"name"`
	Port    int           `json:"port"`
	Startup time.Duration `json:"startup"`
	Tools   int           `json:"tools"`
}

type McpFailed struct {
	Name string `json:"name"`
	Err  string `json:"error"`
}

type AgentStarting struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

type AgentReady struct {
	Name    string        `json:"name"`
	Port    int           `json:"port"`
	Startup time.Duration `json:"startup"`
}

type AgentFailed struct {
	Name string `json:"name"`
	Err  string `json:"error"`
}

type ServiceCleanup struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type ReconciliationComplete struct {
	Running  int `json:"running"`
	Required int `json:"required"`
}

type ServerListening struct {
	Addr string `json:"addr"`
	PID  int    `json:"pid"`
}

type Warning struct {
	Msg     string `json:"message"`
	Context string `json:"context,omitempty"`
}

type Info struct {
	Msg string `json:"message"`
}

type Error struct {
	Msg   string `json:"message"`
	Fatal bool   `json:"fatal"`
}

// ServiceInfo summarises one service in StartupComplete.
type ServiceInfo struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Port   int    `json:"port"`
	PID    int    `json:"pid,omitempty"`
	Status string `json:"status"`
}

type StartupComplete struct {
	Duration time.Duration `json:"duration"`
	APIURL   string        `json:"api_url"`
	Services []ServiceInfo `json:"services"`
}

func (PhaseStarted) Kind() string           { return "phase_started" }
func (PhaseCompleted) Kind() string         { return "phase_completed" }
func (PhaseFailed) Kind() string            { return "phase_failed" }
func (PortAvailable) Kind() string          { return "port_available" }
func (PortConflict) Kind() string           { return "port_conflict" }
func (ModulesLoaded) Kind() string          { return "modules_loaded" }
func (McpStarting) Kind() string            { return "mcp_starting" }
func (McpHealthCheck) Kind() string         { return "mcp_health_check" }
func (McpReady) Kind() string               { return "mcp_ready" }
func (McpFailed) Kind() string              { return "mcp_failed" }
func (AgentStarting) Kind() string          { return "agent_starting" }
func (AgentReady) Kind() string             { return "agent_ready" }
func (AgentFailed) Kind() string            { return "agent_failed" }
func (ServiceCleanup) Kind() string         { return "service_cleanup" }
func (ReconciliationComplete) Kind() string { return "reconciliation_complete" }
func (ServerListening) Kind() string        { return "server_listening" }
func (Warning) Kind() string                { return "warning" }
func (Info) Kind() string                   { return "info" }
func (Error) Kind() string                  { return "error" }
func (StartupComplete) Kind() string        { return "startup_complete" }

func (PhaseStarted) isEvent()           {}
func (PhaseCompleted) isEvent()         {}
func (PhaseFailed) isEvent()            {}
func (PortAvailable) isEvent()          {}
func (PortConflict) isEvent()           {}
func (ModulesLoaded) isEvent()          {}
func (McpStarting) isEvent()            {}
func (McpHealthCheck) isEvent()         {}
func (McpReady) isEvent()               {}
func (McpFailed) isEvent()              {}
func (AgentStarting) isEvent()          {}
func (AgentReady) isEvent()             {}
func (AgentFailed) isEvent()            {}
func (ServiceCleanup) isEvent()         {}
func (ReconciliationComplete) isEvent() {}
func (ServerListening) isEvent()        {}
func (Warning) isEvent()                {}
func (Info) isEvent()                   {}
func (Error) isEvent()                  {}
func (StartupComplete) isEvent()        {}

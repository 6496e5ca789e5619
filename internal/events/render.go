package events

import (
	"fmt"
	"io"
	"sort"
	"time"
)

const (
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorReset  = "\033[0m"
)

// Banner renders events as the interactive startup banner.
type Banner struct {
	w     io.Writer
	color bool
}

func NewBanner(w io.Writer, color bool) *Banner { return &Banner{w: w, color: color} }

func (b *Banner) paint(c, s string) string {
	if !b.color {
		return s
	}
	return c + s + colorReset
}

func (b *Banner) line(format string, args ...any) {
	_, _ = fmt.Fprintf(b.w, format+"\n", args...)
}

// Render writes the line(s) for one event.
func (b *Banner) Render(ev Event) {
	switch e := ev.(type) {
	case PhaseStarted:
		b.line("%s", b.paint(colorBold, "== "+e.Phase.String()+" =="))
	case PhaseFailed:
		b.line("%s %s", b.paint(colorRed, "✗ "+e.Phase.String()+" failed:"), e.Err)
	case PortConflict:
		b.line("%s", b.paint(colorRed, fmt.Sprintf("  ✗ port %d held by pid %d", e.Port, e.PID)))
	case ModulesLoaded:
		b.line("  %d services declared", e.Count)
	case McpStarting:
		b.line("  ▸ %s starting on :%d", e.Name, e.Port)
	case AgentStarting:
		b.line("  ▸ %s (agent) starting on :%d", e.Name, e.Port)
	case McpReady:
		b.line("%s", b.paint(colorGreen, fmt.Sprintf("  ✓ %s ready on :%d (%s, %d tools)", e.Name, e.Port, e.Startup.Round(time.Millisecond), e.Tools)))
	case AgentReady:
		b.line("%s", b.paint(colorGreen, fmt.Sprintf("  ✓ %s ready on :%d (%s)", e.Name, e.Port, e.Startup.Round(time.Millisecond))))
	case McpFailed:
		b.line("%s", b.paint(colorRed, fmt.Sprintf("  ✗ %s: %s", e.Name, e.Err)))
	case AgentFailed:
		b.line("%s", b.paint(colorRed, fmt.Sprintf("  ✗ %s: %s", e.Name, e.Err)))
	case ServiceCleanup:
		b.line("%s", b.paint(colorCyan, fmt.Sprintf("  ↺ %s: %s", e.Name, e.Reason)))
	case ReconciliationComplete:
		c := colorGreen
		if e.Running < e.Required {
			c = colorYellow
		}
		b.line("%s", b.paint(c, fmt.Sprintf("  %d/%d services running", e.Running, e.Required)))
	case ServerListening:
		b.line("  API listening on %s (pid %d)", e.Addr, e.PID)
	case Warning:
		msg := e.Msg
		if e.Context != "" {
			msg += " (" + e.Context + ")"
		}
		b.line("%s", b.paint(colorYellow, "  ! "+msg))
	case Info:
		b.line("  %s", e.Msg)
	case Error:
		b.line("%s", b.paint(colorRed, "  ✗ "+e.Msg))
	case StartupComplete:
		b.line("%s", b.paint(colorBold, fmt.Sprintf("Ready in %s  %s", e.Duration.Round(time.Millisecond), e.APIURL)))
	}
}

// Report is the structured rendition of a startup run, used for JSON output.
type Report struct {
	Phases     []PhaseResult    `json:"phases"`
	Services   []ServiceResult  `json:"services"`
	Cleanups   []ServiceCleanup `json:"cleanups,omitempty"`
	Warnings   []Warning        `json:"warnings,omitempty"`
	Errors     []Error          `json:"errors,omitempty"`
	Running    int              `json:"running"`
	Required   int              `json:"required"`
	APIURL     string           `json:"api_url,omitempty"`
	DurationMs int64            `json:"duration_ms"`

	services map[string]*ServiceResult
}

type PhaseResult struct {
	Phase  Phase  `json:"phase"`
	Status string `json:"status"` // started, completed, failed
	Err    string `json:"error,omitempty"`
}

type ServiceResult struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Port      int    `json:"port,omitempty"`
	Status    string `json:"status"` // starting, ready, failed
	Attempts  int    `json:"health_checks,omitempty"`
	StartupMs int64  `json:"startup_ms,omitempty"`
	Err       string `json:"error,omitempty"`
}

func NewReport() *Report { return &Report{services: make(map[string]*ServiceResult)} }

func (r *Report) service(name, kind string) *ServiceResult {
	if s, ok := r.services[name]; ok {
		return s
	}
	s := &ServiceResult{Name: name, Kind: kind}
	r.services[name] = s
	return s
}

func (r *Report) phase(p Phase, status, err string) {
	for i := range r.Phases {
		if r.Phases[i].Phase == p {
			r.Phases[i].Status = status
			r.Phases[i].Err = err
			return
		}
	}
	r.Phases = append(r.Phases, PhaseResult{Phase: p, Status: status, Err: err})
}

// Apply folds one event into the report.
func (r *Report) Apply(ev Event) {
	switch e := ev.(type) {
	case PhaseStarted:
		r.phase(e.Phase, "started", "")
	case PhaseCompleted:
		r.phase(e.Phase, "completed", "")
	case PhaseFailed:
		r.phase(e.Phase, "failed", e.Err)
	case McpStarting:
		s := r.service(e.Name, "mcp")
		s.Port, s.Status = e.Port, "starting"
	case AgentStarting:
		s := r.service(e.Name, "agent")
		s.Port, s.Status = e.Port, "starting"
	case McpHealthCheck:
		r.service(e.Name, "mcp").Attempts = e.Attempt
	case McpReady:
		s := r.service(e.Name, "mcp")
		s.Status, s.StartupMs = "ready", e.Startup.Milliseconds()
	case AgentReady:
		s := r.service(e.Name, "agent")
		s.Status, s.StartupMs = "ready", e.Startup.Milliseconds()
	case McpFailed:
		s := r.service(e.Name, "mcp")
		s.Status, s.Err = "failed", e.Err
	case AgentFailed:
		s := r.service(e.Name, "agent")
		s.Status, s.Err = "failed", e.Err
	case ServiceCleanup:
		r.Cleanups = append(r.Cleanups, e)
	case ReconciliationComplete:
		r.Running, r.Required = e.Running, e.Required
	case Warning:
		r.Warnings = append(r.Warnings, e)
	case Error:
		r.Errors = append(r.Errors, e)
	case StartupComplete:
		r.APIURL = e.APIURL
		r.DurationMs = e.Duration.Milliseconds()
	}
}

// Finish sorts service results; call before marshalling.
func (r *Report) Finish() *Report {
	r.Services = make([]ServiceResult, 0, len(r.services))
	for _, s := range r.services {
		r.Services = append(r.Services, *s)
	}
	sort.Slice(r.Services, func(i, j int) bool { return r.Services[i].Name < r.Services[j].Name })
	return r
}

// Fatal reports whether a fatal error or failed phase was observed.
func (r *Report) Fatal() bool {
	for _, e := range r.Errors {
		if e.Fatal {
			return true
		}
	}
	for _, p := range r.Phases {
		if p.Status == "failed" {
			return true
		}
	}
	return false
}

package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentfleet/fleetd/internal/config"
)

// ConfigError reports why a configuration was rejected.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Registry is a read-through view over a validated configuration.
// Reload swaps the whole view atomically; callers that need a stable view for
// a reconcile pass should take it once with ListEnabled/ListServices.
type Registry struct {
	mu       sync.RWMutex
	cfg      *config.Config
	services map[string]ServiceDescriptor
	names    []string
	jobs     []JobDescriptor
}

// Load reads path and builds a Registry.
func Load(path string) (*Registry, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}
	return New(cfg)
}

// New validates cfg and builds a Registry.
func New(cfg *config.Config) (*Registry, error) {
	r := &Registry{}
	if err := r.apply(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) apply(cfg *config.Config) error {
	services, jobs, err := build(cfg)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(services))
	for n := range services {
		names = append(names, n)
	}
	sort.Strings(names)

	r.mu.Lock()
	r.cfg = cfg
	r.services = services
	r.names = names
	r.jobs = jobs
	r.mu.Unlock()
	return nil
}

// Reload re-reads the configuration file the registry was built from.
// On error the previous view is kept.
func (r *Registry) Reload() error {
	r.mu.RLock()
	path := r.cfg.Path
	r.mu.RUnlock()
	if path == "" {
		return &ConfigError{Problems: []string{"registry was not loaded from a file"}}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return &ConfigError{Problems: []string{err.Error()}}
	}
	return r.apply(cfg)
}

// Replace validates cfg and swaps it in. Used by the config watcher.
func (r *Registry) Replace(cfg *config.Config) error { return r.apply(cfg) }

// Config returns the configuration currently in effect.
func (r *Registry) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// ListServices returns every declared service ordered by name.
func (r *Registry) ListServices() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.services[n])
	}
	return out
}

// ListEnabled returns enabled services ordered by name.
func (r *Registry) ListEnabled() []ServiceDescriptor {
	all := r.ListServices()
	out := all[:0]
	for _, d := range all {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Get returns the descriptor for name, enabled or not.
func (r *Registry) Get(name string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[name]
	return d, ok
}

// ListJobs returns the configured jobs in configuration order.
func (r *Registry) ListJobs() []JobDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]JobDescriptor(nil), r.jobs...)
}

// CronParser is the schedule grammar accepted for jobs: five standard fields
// plus descriptors such as @hourly and @every 10m.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var (
	schemaModes   = map[string]bool{"strict": true, "warn": true, "skip": true}
	freshRestarts = map[string]bool{"boot": true, "always": true, "never": true}
)

func build(cfg *config.Config) (map[string]ServiceDescriptor, []JobDescriptor, error) {
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if !schemaModes[cfg.Settings.SchemaValidationMode] {
		addf("settings.schema_validation_mode %q must be one of strict, warn, skip", cfg.Settings.SchemaValidationMode)
	}
	if !freshRestarts[cfg.Settings.ForceFreshRestart] {
		addf("settings.force_fresh_restart %q must be one of boot, always, never", cfg.Settings.ForceFreshRestart)
	}

	services := make(map[string]ServiceDescriptor)
	ports := make(map[int]string)
	add := func(kind Kind, section map[string]config.ServiceConfig) {
		names := make([]string, 0, len(section))
		for n := range section {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			d, errs := describe(name, kind, section[name], cfg.Settings)
			problems = append(problems, errs...)
			if prev, dup := services[name]; dup {
				addf("service %q declared as both %s and %s", name, prev.Kind, kind)
				continue
			}
			if d.Port != 0 {
				if other, dup := ports[d.Port]; dup {
					addf("port %d used by both %q and %q", d.Port, other, name)
				} else {
					ports[d.Port] = name
				}
			}
			services[name] = d
		}
	}
	add(KindMCP, cfg.MCPServers)
	add(KindAgent, cfg.Agents)

	jobs := make([]JobDescriptor, 0, len(cfg.Jobs))
	seenJobs := make(map[string]bool)
	for i, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			addf("jobs[%d]: name is required", i)
			continue
		}
		if seenJobs[name] {
			addf("job %q declared more than once", name)
			continue
		}
		seenJobs[name] = true
		if jc.Schedule == "" {
			addf("job %q: schedule is required", name)
		} else if _, err := CronParser.Parse(jc.Schedule); err != nil {
			addf("job %q: invalid schedule %q: %v", name, jc.Schedule, err)
		}
		jobs = append(jobs, JobDescriptor{
			Name:         name,
			Schedule:     jc.Schedule,
			Enabled:      jc.Enabled == nil || *jc.Enabled,
			RunOnStartup: jc.RunOnStartup,
		})
	}

	if len(problems) > 0 {
		return nil, nil, &ConfigError{Problems: problems}
	}
	return services, jobs, nil
}

func describe(name string, kind Kind, sc config.ServiceConfig, settings config.Settings) (ServiceDescriptor, []string) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf("%s %q: ", kind, name)+fmt.Sprintf(format, args...))
	}
	if !IsSafeName(name) {
		addf("name may only contain [A-Za-z0-9._-]")
	}
	if strings.TrimSpace(sc.BinaryPath) == "" {
		addf("binary_path is required")
	}
	if sc.Port == 0 {
		addf("port is required")
	} else if sc.Port < MinPort || sc.Port > 65535 {
		addf("port %d must be within %d-65535", sc.Port, MinPort)
	}

	h := HealthSpec{
		Probe:       ProbeKind(strings.ToLower(sc.Health.Probe)),
		Path:        sc.Health.Path,
		Timeout:     msOr(sc.Health.TimeoutMs, DefaultProbeTimeout),
		MaxAttempts: sc.Health.MaxAttempts,
		Interval:    msOr(sc.Health.IntervalMs, DefaultProbeInterval),
	}
	switch h.Probe {
	case "", "tcp":
		h.Probe = ProbeTCP
	case "http":
		h.Probe = ProbeHTTP
	case "mcp":
		h.Probe = ProbeMCP
	case ProbeTCP, ProbeHTTP, ProbeMCP:
	default:
		addf("unknown health probe %q", sc.Health.Probe)
	}
	if h.Probe == ProbeHTTP && h.Path == "" {
		h.Path = "/health"
	}
	if h.Probe == ProbeMCP && h.Path == "" {
		h.Path = "/mcp"
	}
	if h.MaxAttempts <= 0 {
		h.MaxAttempts = DefaultProbeMaxAttempts
	}

	rp := RestartPolicy{OnCrash: CrashPolicy(strings.ToLower(sc.RestartPolicy.OnCrash)), Backoff: DefaultRestartBackoff}
	switch rp.OnCrash {
	case "":
		rp.OnCrash = CrashRestart
	case CrashRestart, CrashLeave:
	default:
		addf("restart_policy.on_crash %q must be always or never", sc.RestartPolicy.OnCrash)
	}
	if sc.RestartPolicy.BackoffSeconds > 0 {
		rp.Backoff = time.Duration(sc.RestartPolicy.BackoffSeconds) * time.Second
	}

	schemas := make([]TableSchema, 0, len(sc.Schemas))
	seenTables := make(map[string]bool)
	for i, s := range sc.Schemas {
		if s.Table == "" {
			addf("schemas[%d]: table is required", i)
			continue
		}
		if seenTables[s.Table] {
			addf("table %q declared twice", s.Table)
			continue
		}
		seenTables[s.Table] = true
		ddl, err := s.ReadDDL()
		if err != nil {
			addf("table %q: %v", s.Table, err)
			continue
		}
		schemas = append(schemas, TableSchema{Table: s.Table, Columns: s.Columns, DDL: ddl})
	}

	logCfg := settings.ServiceLogs
	if sc.Log != nil {
		logCfg = *sc.Log
	}

	d := ServiceDescriptor{
		Name:          name,
		Kind:          kind,
		Enabled:       sc.Enabled == nil || *sc.Enabled,
		Port:          sc.Port,
		BinaryPath:    sc.BinaryPath,
		Args:          sc.Args,
		Env:           sc.Env,
		WorkDir:       sc.WorkDir,
		Schemas:       schemas,
		Health:        h,
		StartupOnBoot: kind == KindMCP || sc.StartupOnBoot == nil || *sc.StartupOnBoot,
		RestartPolicy: rp,
		Log:           logCfg,
	}
	return d, problems
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// IsSafeName reports whether s can be used as a service name in file names and URLs.
func IsSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

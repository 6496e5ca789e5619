package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentfleet/fleetd/internal/registry"
)

// normalizedService is a service with every default applied.
type normalizedService struct {
	Name          string            `yaml:"name"`
	Kind          string            `yaml:"kind"`
	Enabled       bool              `yaml:"enabled"`
	Port          int               `yaml:"port"`
	BinaryPath    string            `yaml:"binary_path"`
	Args          []string          `yaml:"args,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	WorkDir       string            `yaml:"work_dir,omitempty"`
	StartupOnBoot bool              `yaml:"startup_on_boot"`
	Health        struct {
		Probe       string `yaml:"probe"`
		Path        string `yaml:"path,omitempty"`
		Timeout     string `yaml:"timeout"`
		MaxAttempts int    `yaml:"max_attempts"`
		Interval    string `yaml:"interval"`
	} `yaml:"health"`
	RestartPolicy struct {
		OnCrash string `yaml:"on_crash"`
		Backoff string `yaml:"backoff"`
	} `yaml:"restart_policy"`
	Tables []string `yaml:"tables,omitempty"`
}

type normalizedJob struct {
	Name         string `yaml:"name"`
	Schedule     string `yaml:"schedule"`
	Enabled      bool   `yaml:"enabled"`
	RunOnStartup bool   `yaml:"run_on_startup"`
}

type normalizedConfig struct {
	Settings struct {
		SchemaValidationMode string `yaml:"schema_validation_mode"`
		ForceFreshRestart    string `yaml:"force_fresh_restart"`
		ReconcileInterval    string `yaml:"reconcile_interval"`
		GracePeriod          string `yaml:"grace_period"`
		PIDDir               string `yaml:"pid_dir,omitempty"`
	} `yaml:"settings"`
	Store    string              `yaml:"store"`
	Services []normalizedService `yaml:"services"`
	Jobs     []normalizedJob     `yaml:"jobs,omitempty"`
	Env      map[string]string   `yaml:"env,omitempty"`
	Server   map[string]any      `yaml:"server,omitempty"`
	Features map[string]bool     `yaml:"features"`
}

func normalize(reg *registry.Registry) normalizedConfig {
	cfg := reg.Config()
	var out normalizedConfig
	out.Settings.SchemaValidationMode = cfg.Settings.SchemaValidationMode
	out.Settings.ForceFreshRestart = cfg.Settings.ForceFreshRestart
	out.Settings.ReconcileInterval = cfg.Settings.ReconcileInterval.String()
	out.Settings.GracePeriod = cfg.Settings.GracePeriod.String()
	out.Settings.PIDDir = cfg.Settings.PIDDir
	out.Store = redactDSN(cfg.Store.DSN)
	out.Env = cfg.Env
	if cfg.Server.Enabled {
		out.Server = map[string]any{
			"listen":    cfg.Server.Listen,
			"base_path": cfg.Server.BasePath,
			"tls":       cfg.Server.TLS != nil && cfg.Server.TLS.Enabled,
		}
	}
	out.Features = map[string]bool{
		"history":   cfg.History.Enabled,
		"metrics":   cfg.Metrics.Enabled,
		"scheduler": cfg.SchedulerEnabled(),
		"watch":     cfg.Settings.WatchConfig,
	}
	for _, d := range reg.ListServices() {
		s := normalizedService{
			Name: d.Name, Kind: string(d.Kind), Enabled: d.Enabled, Port: d.Port,
			BinaryPath: d.BinaryPath, Args: d.Args, Env: d.Env, WorkDir: d.WorkDir,
			StartupOnBoot: d.StartupOnBoot, Tables: d.Tables(),
		}
		s.Health.Probe = string(d.Health.Probe)
		s.Health.Path = d.Health.Path
		s.Health.Timeout = d.Health.Timeout.String()
		s.Health.MaxAttempts = d.Health.MaxAttempts
		s.Health.Interval = d.Health.Interval.String()
		s.RestartPolicy.OnCrash = string(d.RestartPolicy.OnCrash)
		s.RestartPolicy.Backoff = d.RestartPolicy.Backoff.String()
		out.Services = append(out.Services, s)
	}
	for _, j := range reg.ListJobs() {
		out.Jobs = append(out.Jobs, normalizedJob{Name: j.Name, Schedule: j.Schedule, Enabled: j.Enabled, RunOnStartup: j.RunOnStartup})
	}
	return out
}

// redactDSN hides the password of URL-shaped DSNs.
func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return u.Redacted()
}

func runValidate(w io.Writer, path string, printYAML bool) error {
	reg, err := registry.Load(path)
	if err != nil {
		return err
	}
	if printYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(normalize(reg)); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	}
	services := reg.ListServices()
	_, _ = fmt.Fprintf(w, "%s: OK (%d services, %d enabled, %d jobs)\n",
		path, len(services), len(reg.ListEnabled()), len(reg.ListJobs()))
	return nil
}

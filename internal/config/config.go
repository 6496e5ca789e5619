package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/agentfleet/fleetd/internal/env"
	"github.com/agentfleet/fleetd/internal/logger"
)

// EnvPrefix is the prefix for environment overrides, e.g. FLEETD_STORE_DSN.
const EnvPrefix = "FLEETD"

// Config is the decoded configuration document.
type Config struct {
	Settings   Settings                 `mapstructure:"settings"`
	Store      StoreConfig              `mapstructure:"store"`
	History    HistoryConfig            `mapstructure:"history"`
	Log        logger.Config            `mapstructure:"log"`
	Server     ServerConfig             `mapstructure:"server"`
	Metrics    MetricsConfig            `mapstructure:"metrics"`
	Scheduler  SchedulerConfig          `mapstructure:"scheduler"`
	Env        map[string]string        `mapstructure:"env"`
	EnvFiles   []string                 `mapstructure:"env_files"`
	UseOSEnv   bool                     `mapstructure:"use_os_env"`
	MCPServers map[string]ServiceConfig `mapstructure:"mcp_servers"`
	Agents     map[string]ServiceConfig `mapstructure:"agents"`
	Jobs       []JobConfig              `mapstructure:"jobs"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

// Settings holds daemon-wide knobs.
type Settings struct {
	SchemaValidationMode string            `mapstructure:"schema_validation_mode"`
	ForceFreshRestart    string            `mapstructure:"force_fresh_restart"`
	ReconcileInterval    time.Duration     `mapstructure:"reconcile_interval"`
	GracePeriod          time.Duration     `mapstructure:"grace_period"`
	PIDDir               string            `mapstructure:"pid_dir"`
	HealthBase           string            `mapstructure:"health_base"`
	WatchConfig          bool              `mapstructure:"watch_config"`
	ServiceLogs          logger.FileConfig `mapstructure:"service_logs"`
}

// StoreConfig selects the state store. The DSN scheme picks the driver.
type StoreConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"` // DSNs, see history/factory
}

// ServerConfig configures the admin API listener.
type ServerConfig struct {
	Enabled  bool       `mapstructure:"enabled"`
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      *TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS on the admin API.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidityDays int      `mapstructure:"validity_days"`
	MinVersion   string   `mapstructure:"min_version"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ResourceInterval enables per-service CPU/memory sampling when > 0.
	ResourceInterval time.Duration `mapstructure:"resource_interval"`
}

type SchedulerConfig struct {
	Enabled *bool `mapstructure:"enabled"`
}

// ServiceConfig is one entry under mcp_servers or agents.
type ServiceConfig struct {
	Enabled       *bool              `mapstructure:"enabled"`
	Port          int                `mapstructure:"port"`
	BinaryPath    string             `mapstructure:"binary_path"`
	Args          []string           `mapstructure:"args"`
	Env           map[string]string  `mapstructure:"env"`
	WorkDir       string             `mapstructure:"work_dir"`
	Health        HealthConfig       `mapstructure:"health"`
	RestartPolicy RestartConfig      `mapstructure:"restart_policy"`
	Schemas       []SchemaConfig     `mapstructure:"schemas"`
	StartupOnBoot *bool              `mapstructure:"startup_on_boot"`
	Log           *logger.FileConfig `mapstructure:"log"`
}

type HealthConfig struct {
	Probe       string `mapstructure:"probe"` // http-get | tcp-connect | mcp-initialize
	Path        string `mapstructure:"path"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	IntervalMs  int    `mapstructure:"interval_ms"`
}

type RestartConfig struct {
	OnCrash        string `mapstructure:"on_crash"` // always | never
	BackoffSeconds int    `mapstructure:"backoff_seconds"`
}

type SchemaConfig struct {
	Table   string   `mapstructure:"table"`
	Columns []string `mapstructure:"columns"`
	DDL     string   `mapstructure:"ddl"`
	DDLFile string   `mapstructure:"ddl_file"`
}

// JobConfig is one entry of the jobs list.
type JobConfig struct {
	Name         string `mapstructure:"name"`
	Schedule     string `mapstructure:"schedule"`
	Enabled      *bool  `mapstructure:"enabled"`
	RunOnStartup bool   `mapstructure:"run_on_startup"`
}

// Defaults applied before decoding.
const (
	DefaultSchemaMode        = "warn"
	DefaultForceFreshRestart = "boot"
	DefaultGracePeriod       = 5 * time.Second
	DefaultHealthBase        = "http://127.0.0.1"
	DefaultStoreDSN          = "fleetd.db"
	DefaultListen            = "127.0.0.1:7420"
	DefaultBasePath          = "/api"
)

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("settings.schema_validation_mode", DefaultSchemaMode)
	v.SetDefault("settings.force_fresh_restart", DefaultForceFreshRestart)
	v.SetDefault("settings.grace_period", DefaultGracePeriod)
	v.SetDefault("settings.health_base", DefaultHealthBase)
	v.SetDefault("store.dsn", DefaultStoreDSN)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	return v
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Load reads and decodes the configuration file at path.
// Relative paths inside the document (pid_dir, ddl_file, env_files, sqlite DSN)
// are resolved against the directory of the file.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.Path = path
	c.normalize()
	return &c, nil
}

// Watch invokes onChange with a freshly decoded Config whenever the file changes.
// Decode failures are passed to onError and the previous configuration stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		c, err := decode(v, path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(c)
	})
	v.WatchConfig()
	return nil
}

func (c *Config) baseDir() string {
	if c.Path == "" {
		return ""
	}
	return filepath.Dir(c.Path)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.baseDir() == "" {
		return p
	}
	return filepath.Join(c.baseDir(), p)
}

// normalize resolves relative paths and restores upper-case env keys,
// which viper lower-cases while decoding maps.
func (c *Config) normalize() {
	c.Settings.PIDDir = c.resolve(c.Settings.PIDDir)
	c.Settings.ServiceLogs.Dir = c.resolve(c.Settings.ServiceLogs.Dir)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = c.resolve(f)
	}
	resolveServices := func(m map[string]ServiceConfig) {
		for name, s := range m {
			for i := range s.Schemas {
				s.Schemas[i].DDLFile = c.resolve(s.Schemas[i].DDLFile)
			}
			s.Env = upperKeys(s.Env)
			if s.Log != nil {
				s.Log.Dir = c.resolve(s.Log.Dir)
			}
			m[name] = s
		}
	}
	resolveServices(c.MCPServers)
	resolveServices(c.Agents)
	c.Env = upperKeys(c.Env)
	if dsn := c.Store.DSN; dsn != "" && !strings.Contains(dsn, "://") && dsn != ":memory:" {
		c.Store.DSN = c.resolve(dsn)
	}
}

func upperKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// GlobalEnv builds the environment shared by all services.
// Precedence: OS env (when use_os_env), then env_files in order, then env.
func (c *Config) GlobalEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.EnvFiles {
		pairs, err := env.LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for k, v := range c.Env {
		e.Set(k, v)
	}
	return e, nil
}

// SchedulerEnabled reports whether the job scheduler should run. Defaults to true.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// ReadDDL returns the inline DDL or the contents of DDLFile.
func (s SchemaConfig) ReadDDL() (string, error) {
	if s.DDL != "" || s.DDLFile == "" {
		return s.DDL, nil
	}
	b, err := os.ReadFile(filepath.Clean(s.DDLFile))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for lumberjack writers.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated file destinations.
// For child processes, when StdoutPath/StderrPath are empty and Dir is set,
// files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// For the daemon itself only Dir (fleetd.log) or StdoutPath is consulted.
type FileConfig struct {
	Dir        string `mapstructure:"dir" json:"dir,omitempty"`
	StdoutPath string `mapstructure:"stdout" json:"stdout,omitempty"`
	StderrPath string `mapstructure:"stderr" json:"stderr,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days,omitempty"`
	Compress   bool   `mapstructure:"compress" json:"compress,omitempty"`
}

// Config is the logging section of the daemon configuration.
type Config struct {
	Level      string     `mapstructure:"level" json:"level,omitempty"`   // debug, info, warn, error
	Format     string     `mapstructure:"format" json:"format,omitempty"` // text, json
	Color      bool       `mapstructure:"color" json:"color,omitempty"`
	TimeStamps bool       `mapstructure:"timestamps" json:"timestamps,omitempty"`
	File       FileConfig `mapstructure:"file" json:"file,omitempty"`
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the daemon logger. Output goes to stderr unless a file destination
// is configured, in which case it is rotated by lumberjack.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if fw := cfg.daemonWriter(); fw != nil {
		w = fw
	}
	return slog.New(cfg.handler(w))
}

func (c Config) handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if !c.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts)
	}
	if c.Color {
		return NewColorTextHandler(w, opts, c.TimeStamps)
	}
	return slog.NewTextHandler(w, opts)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

func (c Config) daemonWriter() io.WriteCloser {
	path := c.File.StdoutPath
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, "fleetd.log")
	}
	if path == "" {
		return nil
	}
	return c.File.rotating(path)
}

// Writers returns rotating writers for a service's stdout and stderr. A nil
// writer means the stream is not captured.
func (f FileConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = f.rotating(stdout)
	}
	if stderr != "" {
		errW = f.rotating(stderr)
	}
	return outW, errW, nil
}

// Enabled reports whether any file destination is configured.
func (f FileConfig) Enabled() bool {
	return f.Dir != "" || f.StdoutPath != "" || f.StderrPath != ""
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

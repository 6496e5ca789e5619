package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RuntimeStatus is what the process table and the store report about a service.
type RuntimeStatus string

const (
	Stopped  RuntimeStatus = "stopped"
	Starting RuntimeStatus = "starting"
	Running  RuntimeStatus = "running"
	Crashed  RuntimeStatus = "crashed"
	Orphaned RuntimeStatus = "orphaned"
)

// DesiredStatus is what the configuration says should be true.
type DesiredStatus string

const (
	Enabled  DesiredStatus = "enabled"
	Disabled DesiredStatus = "disabled"
)

// ServiceRecord is the last known runtime state of one named service.
// Zero values mean "absent": PID 0, Port 0, zero times, empty LastError.
// Invariants enforced by Upsert:
//   - Running requires PID, Port and StartedAt
//   - Stopped implies no PID
type ServiceRecord struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind,omitempty"`
	Desired     DesiredStatus `json:"desired_status"`
	Runtime     RuntimeStatus `json:"runtime_status"`
	PID         int           `json:"pid,omitempty"`
	Port        int           `json:"port,omitempty"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	BinaryMtime time.Time     `json:"binary_mtime_at_start,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// JobStatus is the outcome of the most recent run of a job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// JobRecord is the persisted state of one scheduled job.
type JobRecord struct {
	Name           string    `json:"name"`
	Schedule       string    `json:"schedule"`
	Enabled        bool      `json:"enabled"`
	LastStatus     JobStatus `json:"last_status"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	LastDurationMs int64     `json:"last_duration_ms,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	RunCount       int64     `json:"run_count"`
}

// ErrNotFound is returned by lookups for an unknown name.
var ErrNotFound = errors.New("not found")

// StoreError wraps a database failure with the operation that caused it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Services persists ServiceRecords. Callers serialize writes per name.
type Services interface {
	Get(ctx context.Context, name string) (ServiceRecord, error)
	List(ctx context.Context) ([]ServiceRecord, error)
	ListRunning(ctx context.Context) ([]ServiceRecord, error)
	Upsert(ctx context.Context, rec ServiceRecord) error
	Delete(ctx context.Context, name string) error
	// DeleteDisabled removes rows whose name is not in enabled and returns the count.
	DeleteDisabled(ctx context.Context, enabled []string) (int, error)
	// CleanupStale marks Starting/Running rows whose PID is not alive as Crashed.
	CleanupStale(ctx context.Context, alive func(pid int) bool) (int, error)
	// DeleteCrashed removes Crashed rows last updated before cutoff, except names
	// in keep. Rows still holding a pid are left for the reconciler to clean up.
	DeleteCrashed(ctx context.Context, cutoff time.Time, keep []string) (int, error)
}

// Jobs persists JobRecords.
type Jobs interface {
	// EnsureJob creates the row or updates schedule/enabled, keeping run statistics.
	EnsureJob(ctx context.Context, name, schedule string, enabled bool) error
	GetJob(ctx context.Context, name string) (JobRecord, error)
	ListJobs(ctx context.Context) ([]JobRecord, error)
	// MarkJobRunning sets Running, stamps last_run_at and increments run_count.
	MarkJobRunning(ctx context.Context, name string, at time.Time) error
	FinishJob(ctx context.Context, name string, status JobStatus, duration time.Duration, errMsg string) error
	// PurgeJobs deletes job rows whose name is not in keep.
	PurgeJobs(ctx context.Context, keep []string) (int, error)
}

// Introspector exposes the live schema for service-owned tables.
type Introspector interface {
	TableExists(ctx context.Context, table string) (bool, error)
	Columns(ctx context.Context, table string) ([]string, error)
	// ApplyDDL executes ddl inside a single transaction.
	ApplyDDL(ctx context.Context, ddl string) error
}

// Store is the full persistence surface used by the daemon.
type Store interface {
	Services
	Jobs
	Introspector
	EnsureSchema(ctx context.Context) error
	// Maintain runs dialect specific housekeeping (VACUUM / ANALYZE).
	Maintain(ctx context.Context) error
	Ping(ctx context.Context) error
	DB() *sql.DB
	Dialect() string
	Close() error
}

package client

import (
	"fmt"
	"time"
)

// ServiceState is the verified state of one enabled service.
type ServiceState struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Desired     string `json:"desired_status"`
	Runtime     string `json:"runtime_status"`
	Port        int    `json:"port"`
	PID         int    `json:"pid,omitempty"`
	Error       string `json:"error,omitempty"`
	NeedsAction bool   `json:"needs_action"`
	Action      string `json:"action"`
}

// PlannedAction is one action a reconcile pass took.
type PlannedAction struct {
	Name   string `json:"name"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ReconcileResult summarises a reconcile pass.
type ReconcileResult struct {
	ID       string          `json:"id"`
	Boot     bool            `json:"boot"`
	Actions  []PlannedAction `json:"actions"`
	States   []ServiceState  `json:"states"`
	Running  int             `json:"running"`
	Required int             `json:"required"`
	// Duration is in nanoseconds, as encoded by the daemon.
	Duration time.Duration `json:"duration"`
}

// JobInfo is a job row plus its live scheduling state.
type JobInfo struct {
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	Enabled        bool       `json:"enabled"`
	LastStatus     string     `json:"last_status"`
	LastRunAt      time.Time  `json:"last_run_at,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RunCount       int64      `json:"run_count"`
	Description    string     `json:"description,omitempty"`
	NextRun        *time.Time `json:"next_run,omitempty"`
	InFlight       bool       `json:"in_flight"`
	Known          bool       `json:"known"`
}

// JobRun is the outcome of a manual job trigger.
type JobRun struct {
	ID         string `json:"id"`
	Job        string `json:"job"`
	Status     string `json:"status,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

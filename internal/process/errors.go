package process

import (
	"errors"
	"fmt"
)

// SpawnError reports that exec of a service binary failed.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Name, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessError reports a failed OS call (signal, stat, scan) against a pid.
type ProcessError struct {
	Op  string
	PID int
	Err error
}

func (e *ProcessError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s pid %d: %v", e.Op, e.PID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// ErrGraceExpired is returned by TerminateGracefully when the process outlived the grace period.
var ErrGraceExpired = errors.New("process still alive after grace period")

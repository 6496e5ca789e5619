package lifecycle

import (
	"fmt"
)

// PortConflictError means the desired port is held by a process fleetd does not own.
// HolderPID is 0 when the holder is not visible to this user.
type PortConflictError struct {
	Service   string
	Port      int
	HolderPID int
}

func (e *PortConflictError) Error() string {
	if e.HolderPID == 0 {
		return fmt.Sprintf("port %d held by another process", e.Port)
	}
	return fmt.Sprintf("port %d held by %d", e.Port, e.HolderPID)
}

// HealthTimeoutError means the service was spawned but never passed its readiness probe.
type HealthTimeoutError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("never became healthy after %d attempts: %v", e.Attempts, e.Err)
}

func (e *HealthTimeoutError) Unwrap() error { return e.Err }

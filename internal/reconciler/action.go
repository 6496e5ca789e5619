package reconciler

import (
	"github.com/agentfleet/fleetd/internal/store"
)

// Action is what a pass does to bring one service toward its desired state.
type Action string

const (
	ActionNone           Action = "none"
	ActionStart          Action = "start"
	ActionStop           Action = "stop"
	ActionRestart        Action = "restart"
	ActionCleanupDB      Action = "cleanup_db"
	ActionCleanupProcess Action = "cleanup_process"
)

// DetermineAction maps (desired, runtime) to an action. Unknown combinations yield ActionNone.
//
//	desired \ runtime | stopped   | starting | running | crashed   | orphaned
//	enabled           | start     | none     | none    | restart   | restart
//	disabled          | cleanupdb | stop     | stop    | cleanupdb | cleanup_process
func DetermineAction(desired store.DesiredStatus, runtime store.RuntimeStatus) Action {
	switch desired {
	case store.Enabled:
		switch runtime {
		case store.Stopped:
			return ActionStart
		case store.Crashed, store.Orphaned:
			return ActionRestart
		}
	case store.Disabled:
		switch runtime {
		case store.Stopped, store.Crashed:
			return ActionCleanupDB
		case store.Starting, store.Running:
			return ActionStop
		case store.Orphaned:
			return ActionCleanupProcess
		}
	}
	return ActionNone
}

// IsHealthy reports an enabled service that is starting or running.
func IsHealthy(desired store.DesiredStatus, runtime store.RuntimeStatus) bool {
	return desired == store.Enabled && (runtime == store.Starting || runtime == store.Running)
}

// NeedsAttention reports whether the pair maps to any action.
func NeedsAttention(desired store.DesiredStatus, runtime store.RuntimeStatus) bool {
	return DetermineAction(desired, runtime) != ActionNone
}

// VerifiedServiceState is the per-pass view of one service after checking the
// recorded pid against the process table. It is never persisted.
type VerifiedServiceState struct {
	Name        string              `json:"name"`
	Kind        string              `json:"kind"`
	Desired     store.DesiredStatus `json:"desired_status"`
	Runtime     store.RuntimeStatus `json:"runtime_status"`
	Port        int                 `json:"port"`
	PID         int                 `json:"pid,omitempty"`
	Error       string              `json:"error,omitempty"`
	NeedsAction bool                `json:"needs_action"`
	Action      Action              `json:"action"`
}

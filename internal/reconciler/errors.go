package reconciler

import (
	"fmt"
	"strings"
)

// ServiceFailure is one service that could not be brought to its desired state.
type ServiceFailure struct {
	Name string
	Err  error
}

// PassError collects every per-service failure of a pass.
type PassError struct {
	Failures []ServiceFailure
}

func (e *PassError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%v)", f.Name, f.Err))
	}
	return fmt.Sprintf("reconcile: %d service(s) failed: %s", len(e.Failures), strings.Join(parts, ", "))
}

// Unwrap exposes the per-service errors to errors.Is / errors.As.
func (e *PassError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle transition.
type EventType string

const (
	EventStart   EventType = "start"
	EventReady   EventType = "ready"
	EventFailed  EventType = "failed"
	EventStop    EventType = "stop"
	EventCleanup EventType = "cleanup"
)

// Event is one lifecycle transition exported to analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	Kind       string    `json:"kind,omitempty"`
	PID        int       `json:"pid,omitempty"`
	Port       int       `json:"port,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to every sink. Sink failures are logged and never
// returned, so exporting history cannot fail a lifecycle operation.
// A nil *Recorder discards events.
type Recorder struct {
	sinks []Sink
	log   *slog.Logger
}

// NewRecorder fans events out to sinks in order.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log}
}

// Len returns the number of sinks.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	return len(r.sinks)
}

// Record stamps e (when OccurredAt is zero) and sends it to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "service", e.Service, "event", string(e.Type), "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/agentfleet/fleetd/internal/history"
	"github.com/agentfleet/fleetd/internal/store/storetest"
)

func TestPostgresSink_Integration(t *testing.T) {
	ctx := context.Background()
	dsn := storetest.Postgres(t)

	sink, err := New(dsn)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	for _, typ := range []history.EventType{history.EventStart, history.EventReady, history.EventStop} {
		e := history.Event{Type: typ, OccurredAt: time.Now().UTC(), Service: "planner", Kind: "agent", PID: 4321, Port: 7001, Status: string(typ)}
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", typ, err)
		}
	}

	count, err := sink.Count(ctx, "planner")
	if err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 rows, got %d", count)
	}
}

func TestPostgresSinkEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

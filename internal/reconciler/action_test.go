package reconciler

import (
	"errors"
	"testing"

	"github.com/agentfleet/fleetd/internal/lifecycle"
	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
)

func TestDetermineActionTable(t *testing.T) {
	cases := []struct {
		desired store.DesiredStatus
		runtime store.RuntimeStatus
		want    Action
	}{
		{store.Enabled, store.Stopped, ActionStart},
		{store.Enabled, store.Starting, ActionNone},
		{store.Enabled, store.Running, ActionNone},
		{store.Enabled, store.Crashed, ActionRestart},
		{store.Enabled, store.Orphaned, ActionRestart},
		{store.Disabled, store.Stopped, ActionCleanupDB},
		{store.Disabled, store.Starting, ActionStop},
		{store.Disabled, store.Running, ActionStop},
		{store.Disabled, store.Crashed, ActionCleanupDB},
		{store.Disabled, store.Orphaned, ActionCleanupProcess},
		{store.Enabled, store.RuntimeStatus("bogus"), ActionNone},
		{store.DesiredStatus("bogus"), store.Running, ActionNone},
	}
	for _, c := range cases {
		if got := DetermineAction(c.desired, c.runtime); got != c.want {
			t.Errorf("DetermineAction(%s, %s) = %s, want %s", c.desired, c.runtime, got, c.want)
		}
		if got := NeedsAttention(c.desired, c.runtime); got != (c.want != ActionNone) {
			t.Errorf("NeedsAttention(%s, %s) = %v", c.desired, c.runtime, got)
		}
	}
}

func TestIsHealthy(t *testing.T) {
	for _, rt := range []store.RuntimeStatus{store.Stopped, store.Starting, store.Running, store.Crashed, store.Orphaned} {
		want := rt == store.Starting || rt == store.Running
		if got := IsHealthy(store.Enabled, rt); got != want {
			t.Errorf("IsHealthy(enabled, %s) = %v", rt, got)
		}
		if IsHealthy(store.Disabled, rt) {
			t.Errorf("disabled services are never healthy (%s)", rt)
		}
	}
}

func TestParseFreshRestart(t *testing.T) {
	for in, want := range map[string]FreshRestart{"": FreshBoot, "boot": FreshBoot, "always": FreshAlways, "never": FreshNever} {
		got, err := ParseFreshRestart(in)
		if err != nil || got != want {
			t.Errorf("ParseFreshRestart(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFreshRestart("sometimes"); err == nil {
		t.Errorf("expected error")
	}
}

func TestPassErrorListsServices(t *testing.T) {
	pce := &lifecycle.PortConflictError{Service: "search", Port: 5001, HolderPID: 7777}
	err := &PassError{Failures: []ServiceFailure{
		{Name: "search", Err: pce},
		{Name: "x", Err: errors.New("boom")},
	}}
	want := "reconcile: 2 service(s) failed: search (port 5001 held by 7777), x (boom)"
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
	var got *lifecycle.PortConflictError
	if !errors.As(err, &got) || got.HolderPID != 7777 {
		t.Fatalf("PassError must unwrap to the service errors")
	}
}

func TestGroupByOverlap(t *testing.T) {
	mk := func(name string, port int, tables ...string) planned {
		d := registry.ServiceDescriptor{Name: name, Port: port}
		for _, tb := range tables {
			d.Schemas = append(d.Schemas, registry.TableSchema{Table: tb})
		}
		return planned{desc: d, action: ActionStart}
	}
	plan := []planned{
		mk("a", 5001, "notes"),
		mk("b", 5002),
		mk("c", 5003, "events", "notes"),
		mk("d", 5004, "events"),
		mk("e", 5005, "audit"),
	}
	groups := groupByOverlap(plan)
	var got [][]string
	for _, g := range groups {
		var names []string
		for _, p := range g {
			names = append(names, p.desc.Name)
		}
		got = append(got, names)
	}
	want := [][]string{{"a", "c", "d"}, {"b"}, {"e"}}
	if len(got) != len(want) {
		t.Fatalf("groups %v, want %v", got, want)
	}
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("groups %v, want %v", got, want)
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("groups %v, want %v", got, want)
			}
		}
	}
}

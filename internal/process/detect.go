package process

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/agentfleet/fleetd/internal/registry"
	"github.com/agentfleet/fleetd/internal/store"
)

// Cleanup reasons reported for detected processes.
const (
	ReasonOrphan      = "orphan"
	ReasonStaleBinary = "stale binary"
	ReasonExited      = "process exited"
)

// Orphan is a live process running a service binary that no store row owns.
type Orphan struct {
	Name string
	PID  int
	Port int
}

// Stale is a service whose recorded process should be replaced.
type Stale struct {
	Name   string
	PID    int
	Reason string
}

// listeners maps listening TCP ports to the owning pid (0 when the pid is not visible).
func listeners(ctx context.Context) (map[int]int, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	out := make(map[int]int)
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		port := int(c.Laddr.Port)
		if out[port] == 0 {
			out[port] = int(c.Pid)
		}
	}
	return out, nil
}

// PortHolder returns the pid bound to port. held is true when the port cannot be
// bound even if the owner is not visible to this user; pid is 0 then.
func PortHolder(ctx context.Context, port int) (pid int, held bool, err error) {
	if l, lerr := listeners(ctx); lerr == nil {
		if p, ok := l[port]; ok {
			if p > 0 {
				return p, true, nil
			}
			held = true
		}
	}
	ln, lerr := net.Listen("tcp", ":"+strconv.Itoa(port))
	if lerr != nil {
		return 0, true, nil
	}
	_ = ln.Close()
	return 0, held, nil
}

// commandMatches reports whether pid runs binary, either directly or as the
// script argument of an interpreter.
func commandMatches(ctx context.Context, pid int, binary string) bool {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	want := map[string]bool{binary: true}
	if abs, err := filepath.Abs(binary); err == nil {
		want[abs] = true
	}
	if real, err := filepath.EvalSymlinks(binary); err == nil {
		want[real] = true
	}
	if exe, err := p.ExeWithContext(ctx); err == nil && want[exe] {
		return true
	}
	args, err := p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return false
	}
	for i := 0; i < len(args) && i < 2; i++ {
		if want[args[i]] {
			return true
		}
	}
	return false
}

// inExpectedGroup reports whether pid belongs to the process group of an expected pid.
func inExpectedGroup(pid int, expected map[int]bool) bool {
	pgid, err := syscall.Getpgid(pid)
	return err == nil && expected[pgid]
}

// DetectOrphans finds live processes running a service binary whose pid is not in
// expected. A candidate must either hold the service's port or be recorded in the
// service's pidfile, so unrelated processes sharing a binary are left alone.
func (m *Manager) DetectOrphans(ctx context.Context, descs []registry.ServiceDescriptor, expected map[int]bool) ([]Orphan, error) {
	self := os.Getpid()
	skip := func(pid int) bool {
		return pid <= 0 || pid == self || expected[pid] || m.Owns(pid) || inExpectedGroup(pid, expected)
	}
	ports, err := listeners(ctx)
	if err != nil {
		return nil, &ProcessError{Op: "scan listeners", Err: err}
	}
	seen := make(map[int]bool)
	var out []Orphan
	for _, d := range descs {
		if path := PIDFilePath(m.pidDir, d.Name); path != "" {
			if pid, alive := PIDFileAlive(path); alive && !skip(pid) && !seen[pid] && commandMatches(ctx, pid, d.BinaryPath) {
				seen[pid] = true
				out = append(out, Orphan{Name: d.Name, PID: pid, Port: d.Port})
			}
		}
		pid := ports[d.Port]
		if skip(pid) || seen[pid] || !IsAlive(pid) {
			continue
		}
		if commandMatches(ctx, pid, d.BinaryPath) {
			seen[pid] = true
			out = append(out, Orphan{Name: d.Name, PID: pid, Port: d.Port})
		}
	}
	return out, nil
}

// BinaryMtime returns the modification time of path truncated to milliseconds,
// the precision kept by the store.
func BinaryMtime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime().UTC().Truncate(time.Millisecond), nil
}

// DetectStale returns Running or Starting records whose pid is dead, or whose
// binary changed on disk after the process was started.
func DetectStale(records []store.ServiceRecord, descs map[string]registry.ServiceDescriptor) []Stale {
	var out []Stale
	for _, r := range records {
		if r.Runtime != store.Running && r.Runtime != store.Starting {
			continue
		}
		if !IsAlive(r.PID) {
			out = append(out, Stale{Name: r.Name, PID: r.PID, Reason: ReasonExited})
			continue
		}
		d, ok := descs[r.Name]
		if !ok || r.BinaryMtime.IsZero() {
			continue
		}
		mt, err := BinaryMtime(d.BinaryPath)
		if err == nil && mt.After(r.BinaryMtime) {
			out = append(out, Stale{Name: r.Name, PID: r.PID, Reason: ReasonStaleBinary})
		}
	}
	return out
}

package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/agentfleet/fleetd/internal/registry"
)

const pollInterval = 50 * time.Millisecond

// Manager spawns service binaries and inspects or signals pids.
// Children it spawned are reaped by a waiter goroutine so they never linger as zombies.
type Manager struct {
	pidDir string
	log    *slog.Logger

	mu       sync.Mutex
	children map[int]*child
}

type child struct {
	name    string
	pidFile string
	done    chan struct{}
	err     error
	closers []io.Closer
}

// NewManager returns a Manager writing pidfiles under pidDir ("" disables pidfiles).
func NewManager(pidDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{pidDir: pidDir, log: log, children: make(map[int]*child)}
}

// PIDDir returns the directory pidfiles are written to.
func (m *Manager) PIDDir() string { return m.pidDir }

// buildCommand constructs the exec.Cmd for a descriptor. The binary is executed
// directly; no shell is involved.
func buildCommand(d registry.ServiceDescriptor, env []string) *exec.Cmd {
	// #nosec G204 binary_path and args come from the operator's configuration
	cmd := exec.Command(d.BinaryPath, d.Args...)
	if d.WorkDir != "" {
		cmd.Dir = d.WorkDir
	}
	cmd.Env = withServiceEnv(env, d)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// withServiceEnv adds PORT and FLEETD_SERVICE unless the caller already set them.
func withServiceEnv(env []string, d registry.ServiceDescriptor) []string {
	out := append([]string(nil), env...)
	has := func(k string) bool {
		for _, kv := range env {
			if len(kv) > len(k) && kv[:len(k)+1] == k+"=" {
				return true
			}
		}
		return false
	}
	if !has("PORT") {
		out = append(out, "PORT="+strconv.Itoa(d.Port))
	}
	if !has("FLEETD_SERVICE") {
		out = append(out, "FLEETD_SERVICE="+d.Name)
	}
	return out
}

// Spawn starts the service binary and returns its pid and port. It does not wait for readiness.
func (m *Manager) Spawn(d registry.ServiceDescriptor, env []string) (int, int, error) {
	if d.BinaryPath == "" {
		return 0, 0, &SpawnError{Name: d.Name, Err: errors.New("binary_path is empty")}
	}
	cmd := buildCommand(d, env)

	c := &child{name: d.Name, done: make(chan struct{})}
	if d.Log.Enabled() {
		if d.Log.Dir != "" {
			_ = os.MkdirAll(d.Log.Dir, 0o750)
		}
		outW, errW, err := d.Log.Writers(d.Name)
		if err != nil {
			m.log.Warn("service log writers", "service", d.Name, "error", err)
		}
		if outW != nil {
			cmd.Stdout = outW
			c.closers = append(c.closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			c.closers = append(c.closers, errW)
		}
	}
	// nil Stdout/Stderr means /dev/null for os/exec

	if err := cmd.Start(); err != nil {
		c.close()
		return 0, 0, &SpawnError{Name: d.Name, Err: err}
	}
	pid := cmd.Process.Pid

	c.pidFile = PIDFilePath(m.pidDir, d.Name)
	meta := PIDMeta{Name: d.Name, BinaryPath: d.BinaryPath, Port: d.Port, StartUnix: startUnix(pid)}
	if err := WritePIDFile(c.pidFile, pid, meta); err != nil {
		m.log.Warn("write pidfile", "service", d.Name, "pid", pid, "error", err)
	}

	m.mu.Lock()
	m.prune()
	m.children[pid] = c
	m.mu.Unlock()

	go m.wait(pid, cmd, c)
	m.log.Debug("spawned", "service", d.Name, "pid", pid, "port", d.Port)
	return pid, d.Port, nil
}

func (m *Manager) wait(pid int, cmd *exec.Cmd, c *child) {
	err := cmd.Wait()
	c.err = err
	c.close()
	if c.pidFile != "" {
		if p, _, rerr := ReadPIDFile(c.pidFile); rerr == nil && p == pid {
			_ = os.Remove(c.pidFile)
		}
	}
	close(c.done)
	m.log.Debug("child exited", "service", c.name, "pid", pid, "error", err)
}

// prune forgets exited children. Callers hold m.mu.
func (m *Manager) prune() {
	for pid, c := range m.children {
		select {
		case <-c.done:
			delete(m.children, pid)
		default:
		}
	}
}

func (c *child) close() {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	c.closers = nil
}

// Exited reports whether pid is a child of this manager that has already exited,
// together with its exit error. Unknown pids report false.
func (m *Manager) Exited(pid int) (bool, error) {
	m.mu.Lock()
	c, ok := m.children[pid]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-c.done:
		return true, c.err
	default:
		return false, nil
	}
}

// Owns reports whether pid was spawned by this manager and has not exited.
func (m *Manager) Owns(pid int) bool {
	m.mu.Lock()
	c, ok := m.children[pid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// IsAlive is a non-blocking liveness check. Zombies count as dead.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsAlive delegates to the package level check.
func (m *Manager) IsAlive(pid int) bool { return IsAlive(pid) }

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// signal sends sig to the process group led by pid, or to pid alone when it
// is not a group leader.
func signal(pid int, sig syscall.Signal) error {
	target := pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}
	err := syscall.Kill(target, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// TerminateGracefully sends SIGTERM and polls until the process exits or grace elapses.
// It returns ErrGraceExpired when the process is still alive afterwards.
func (m *Manager) TerminateGracefully(ctx context.Context, pid int, grace time.Duration) error {
	if !IsAlive(pid) {
		return nil
	}
	if err := signal(pid, syscall.SIGTERM); err != nil {
		return &ProcessError{Op: "sigterm", PID: pid, Err: err}
	}
	if waitGone(ctx, pid, grace) {
		return nil
	}
	return ErrGraceExpired
}

// ForceKill sends SIGKILL to the process group and waits briefly for it to disappear.
func (m *Manager) ForceKill(pid int) error {
	if !IsAlive(pid) {
		return nil
	}
	if err := signal(pid, syscall.SIGKILL); err != nil {
		return &ProcessError{Op: "sigkill", PID: pid, Err: err}
	}
	if !waitGone(context.Background(), pid, time.Second) {
		return &ProcessError{Op: "sigkill", PID: pid, Err: errors.New("process did not exit")}
	}
	return nil
}

// Stop terminates gracefully and escalates to SIGKILL after grace.
func (m *Manager) Stop(ctx context.Context, pid int, grace time.Duration) error {
	err := m.TerminateGracefully(ctx, pid, grace)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrGraceExpired) {
		m.log.Warn("graceful stop failed", "pid", pid, "error", err)
	}
	return m.ForceKill(pid)
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !IsAlive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !IsAlive(pid)
		case <-time.After(pollInterval):
		}
	}
}

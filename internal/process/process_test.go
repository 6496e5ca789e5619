package process

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/agentfleet/fleetd/internal/logger"
	"github.com/agentfleet/fleetd/internal/registry"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// TestHelperProcess is not a real test. It is re-executed as a child that
// listens on $PORT until killed.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FLEETD_HELPER_PROCESS") != "1" {
		return
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+os.Getenv("PORT"))
	if err != nil {
		os.Exit(3)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	time.Sleep(time.Minute)
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func helperDescriptor(name string, port int) registry.ServiceDescriptor {
	return registry.ServiceDescriptor{
		Name:       name,
		Kind:       registry.KindMCP,
		Port:       port,
		BinaryPath: os.Args[0],
		Args:       []string{"-test.run=^TestHelperProcess$"},
	}
}

func shDescriptor(name, script string) registry.ServiceDescriptor {
	return registry.ServiceDescriptor{Name: name, Port: 9999, BinaryPath: "/bin/sh", Args: []string{"-c", script}}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestSpawnWritesPIDFileAndEnv(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "env.out")
	m := NewManager(filepath.Join(dir, "pids"), nil)

	d := shDescriptor("envcheck", `echo "$PORT $FLEETD_SERVICE $GREETING" > `+out+`; sleep 5`)
	pid, port, err := m.Spawn(d, []string{"GREETING=hi"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	t.Cleanup(func() { _ = m.ForceKill(pid) })
	if pid <= 0 || port != 9999 {
		t.Fatalf("unexpected pid/port %d/%d", pid, port)
	}
	if !m.Owns(pid) || !m.IsAlive(pid) {
		t.Fatalf("spawned child should be owned and alive")
	}

	gotPID, meta, err := ReadPIDFile(PIDFilePath(m.PIDDir(), "envcheck"))
	if err != nil || gotPID != pid || meta == nil || meta.Name != "envcheck" || meta.Port != 9999 {
		t.Fatalf("pidfile: pid=%d meta=%+v err=%v", gotPID, meta, err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(b)) == "9999 envcheck hi"
	}) {
		b, _ := os.ReadFile(out)
		t.Fatalf("child env not applied: %q", string(b))
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	requireUnix(t)
	m := NewManager("", nil)
	_, _, err := m.Spawn(registry.ServiceDescriptor{Name: "ghost", BinaryPath: "/definitely/not/here"}, nil)
	var se *SpawnError
	if !errors.As(err, &se) || se.Name != "ghost" {
		t.Fatalf("expected SpawnError, got %v", err)
	}
	if _, _, err := m.Spawn(registry.ServiceDescriptor{Name: "empty"}, nil); !errors.As(err, &se) {
		t.Fatalf("expected SpawnError for empty binary, got %v", err)
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	requireUnix(t)
	logs := t.TempDir()
	m := NewManager("", nil)
	d := shDescriptor("chatty", "echo out; echo err 1>&2")
	d.Log = logger.FileConfig{Dir: logs}
	pid, _, err := m.Spawn(d, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { done, _ := m.Exited(pid); return done }) {
		t.Fatalf("child did not exit")
	}
	b, err := os.ReadFile(filepath.Join(logs, "chatty.stdout.log"))
	if err != nil || !strings.Contains(string(b), "out") {
		t.Fatalf("stdout log: %q err=%v", string(b), err)
	}
	b, err = os.ReadFile(filepath.Join(logs, "chatty.stderr.log"))
	if err != nil || !strings.Contains(string(b), "err") {
		t.Fatalf("stderr log: %q err=%v", string(b), err)
	}
}

func TestExitedReportsExitError(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	m := NewManager(dir, nil)
	pid, _, err := m.Spawn(shDescriptor("quitter", "exit 7"), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	var exitErr error
	if !waitFor(t, 2*time.Second, func() bool {
		done, e := m.Exited(pid)
		exitErr = e
		return done
	}) {
		t.Fatalf("child did not exit")
	}
	if exitErr == nil || m.Owns(pid) {
		t.Fatalf("expected exit error and no ownership, got err=%v owns=%v", exitErr, m.Owns(pid))
	}
	if IsAlive(pid) {
		t.Fatalf("exited child must not be alive")
	}
	if !waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(PIDFilePath(dir, "quitter"))
		return os.IsNotExist(err)
	}) {
		t.Fatalf("pidfile should be removed after exit")
	}
}

func TestTerminateGracefully(t *testing.T) {
	requireUnix(t)
	m := NewManager("", nil)
	pid, _, err := m.Spawn(shDescriptor("polite", "sleep 30"), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	start := time.Now()
	if err := m.TerminateGracefully(context.Background(), pid, 2*time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("terminate took too long: %v", time.Since(start))
	}
	if IsAlive(pid) {
		t.Fatalf("process still alive")
	}
	// already gone: no error
	if err := m.TerminateGracefully(context.Background(), pid, time.Second); err != nil {
		t.Fatalf("terminate dead pid: %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	m := NewManager("", nil)
	pid, _, err := m.Spawn(shDescriptor("stubborn", "trap '' TERM; sleep 30"), nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// let the shell install its trap
	time.Sleep(200 * time.Millisecond)
	err = m.TerminateGracefully(context.Background(), pid, 300*time.Millisecond)
	if !errors.Is(err, ErrGraceExpired) {
		t.Fatalf("expected ErrGraceExpired, got %v", err)
	}
	if err := m.Stop(context.Background(), pid, 100*time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if IsAlive(pid) {
		t.Fatalf("process survived SIGKILL")
	}
}

func TestIsAliveEdgeCases(t *testing.T) {
	requireUnix(t)
	if IsAlive(0) || IsAlive(-1) {
		t.Fatalf("non-positive pids are never alive")
	}
	if !IsAlive(os.Getpid()) {
		t.Fatalf("self should be alive")
	}
}

func TestPortHolder(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	pid, held, err := PortHolder(context.Background(), port)
	if err != nil || !held {
		t.Fatalf("port %d should be held: pid=%d err=%v", port, pid, err)
	}
	if pid != 0 && pid != os.Getpid() {
		t.Fatalf("holder pid %d, want self %d", pid, os.Getpid())
	}

	free := freePort(t)
	if _, held, err := PortHolder(context.Background(), free); err != nil || held {
		t.Fatalf("port %d should be free: held=%v err=%v", free, held, err)
	}
}

func TestDetectOrphansFindsRogueListener(t *testing.T) {
	requireUnix(t)
	port := freePort(t)
	d := helperDescriptor("search", port)

	// the rogue is started outside any Manager so nobody owns it
	rogue := NewManager("", nil)
	pid, _, err := rogue.Spawn(d, []string{"FLEETD_HELPER_PROCESS=1"})
	if err != nil {
		t.Fatalf("spawn rogue: %v", err)
	}
	t.Cleanup(func() { _ = rogue.ForceKill(pid) })
	if !waitFor(t, 5*time.Second, func() bool {
		c, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			_ = c.Close()
		}
		return err == nil
	}) {
		t.Fatalf("helper never listened on %d", port)
	}

	m := NewManager("", nil)
	orphans, err := m.DetectOrphans(context.Background(), []registry.ServiceDescriptor{d}, nil)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	holder, _, _ := PortHolder(context.Background(), port)
	if holder == 0 {
		t.Skip("listener pid not visible on this system")
	}
	if len(orphans) != 1 || orphans[0].PID != pid || orphans[0].Name != "search" {
		t.Fatalf("expected rogue %d, got %+v", pid, orphans)
	}

	// an expected pid is never reported
	orphans, err = m.DetectOrphans(context.Background(), []registry.ServiceDescriptor{d}, map[int]bool{pid: true})
	if err != nil || len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %+v err=%v", orphans, err)
	}
}

func TestDetectOrphansIgnoresForeignBinary(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	m := NewManager("", nil)
	d := registry.ServiceDescriptor{Name: "other", Port: port, BinaryPath: "/usr/local/bin/not-this-test"}
	orphans, err := m.DetectOrphans(context.Background(), []registry.ServiceDescriptor{d}, nil)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("listener running a different binary is not an orphan: %+v", orphans)
	}
}

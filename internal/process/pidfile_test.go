package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PIDFilePath(filepath.Join(dir, "nested"), "search")
	if filepath.Base(path) != "search.pid" {
		t.Fatalf("unexpected path %s", path)
	}
	meta := PIDMeta{Name: "search", BinaryPath: "/bin/search", Port: 5001, StartUnix: 1700000000}
	if err := WritePIDFile(path, 4242, meta); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, got, err := ReadPIDFile(path)
	if err != nil || pid != 4242 || got == nil || *got != meta {
		t.Fatalf("read: pid=%d meta=%+v err=%v", pid, got, err)
	}
}

func TestReadPIDFileLegacyAndBroken(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.pid")
	_ = os.WriteFile(legacy, []byte("123\n"), 0o600)
	pid, meta, err := ReadPIDFile(legacy)
	if err != nil || pid != 123 || meta != nil {
		t.Fatalf("legacy: pid=%d meta=%v err=%v", pid, meta, err)
	}

	broken := filepath.Join(dir, "broken.pid")
	_ = os.WriteFile(broken, []byte("77\n{not json"), 0o600)
	pid, meta, err = ReadPIDFile(broken)
	if err != nil || pid != 77 || meta != nil {
		t.Fatalf("broken meta should still yield pid: pid=%d meta=%v err=%v", pid, meta, err)
	}

	bad := filepath.Join(dir, "bad.pid")
	_ = os.WriteFile(bad, []byte("abc"), 0o600)
	if _, _, err := ReadPIDFile(bad); err == nil {
		t.Fatalf("expected error for invalid pid")
	}
}

func TestWritePIDFileNoop(t *testing.T) {
	if err := WritePIDFile("", 10, PIDMeta{}); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	if PIDFilePath("", "x") != "" {
		t.Fatalf("empty dir should disable pidfiles")
	}
}

func TestPIDFileAliveDetectsReuse(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "self.pid")
	self := os.Getpid()

	if err := WritePIDFile(path, self, PIDMeta{Name: "self", StartUnix: startUnix(self)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if pid, alive := PIDFileAlive(path); pid != self || !alive {
		t.Fatalf("self should be alive: pid=%d alive=%v", pid, alive)
	}

	if startUnix(self) == 0 {
		t.Skip("process start time unavailable")
	}
	// a different start time means the pid now belongs to someone else
	if err := WritePIDFile(path, self, PIDMeta{Name: "self", StartUnix: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, alive := PIDFileAlive(path); alive {
		t.Fatalf("reused pid must not be reported alive")
	}
	if _, alive := PIDFileAlive(filepath.Join(dir, "missing.pid")); alive {
		t.Fatalf("missing pidfile is not alive")
	}
}

func TestStartedAround(t *testing.T) {
	self := os.Getpid()
	if !StartedAround(self, time.Time{}, time.Second) {
		t.Fatalf("zero time must match")
	}
	if startUnix(self) == 0 {
		t.Skip("start time not available")
	}
	if StartedAround(self, time.Now().Add(24*time.Hour), time.Minute) {
		t.Fatalf("a process cannot start tomorrow")
	}
}

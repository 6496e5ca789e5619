package process

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is the JSON line stored after the pid in a service pidfile.
type PIDMeta struct {
	Name       string `json:"name"`
	BinaryPath string `json:"binary_path"`
	Port       int    `json:"port"`
	StartUnix  int64  `json:"start_unix"`
}

// PIDFilePath returns <dir>/<name>.pid, or "" when dir is unset.
func PIDFilePath(dir, name string) string {
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, name+".pid")
}

// WritePIDFile writes the pid on the first line and meta as JSON on the second.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a pidfile written by WritePIDFile. Files holding only a
// pid are accepted; meta is nil for them or when the JSON line is unreadable.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		return pid, nil, nil
	}
	return pid, &meta, nil
}

// PIDFileAlive reports whether the pid recorded at path is alive and, when
// the file carries a start time, is still the same process.
func PIDFileAlive(path string) (int, bool) {
	pid, meta, err := ReadPIDFile(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	if meta != nil && meta.StartUnix > 0 {
		if cur := startUnix(pid); cur > 0 && cur != meta.StartUnix {
			return pid, false // pid reused
		}
	}
	return pid, IsAlive(pid)
}

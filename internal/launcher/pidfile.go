package launcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// pidfilePayload is the JSON body of a runtime-dir pidfile.
type pidfilePayload struct {
	Name      string `json:"name"`
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	CreatedAt string `json:"created_at"`
}

func pidfilePath(runtimeDir, name string) string {
	return filepath.Join(runtimeDir, name+".pid")
}

func writePidfile(runtimeDir, name string, pid, port int) error {
	payload := pidfilePayload{
		Name:      name,
		PID:       pid,
		Port:      port,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return os.WriteFile(pidfilePath(runtimeDir, name), data, 0o644)
}

func readPidfile(path string) (pidfilePayload, bool) {
	var payload pidfilePayload
	data, err := os.ReadFile(path)
	if err != nil {
		return payload, false
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.PID <= 0 {
		return payload, false
	}
	if payload.Name == "" {
		base := filepath.Base(path)
		payload.Name = strings.TrimSuffix(base, ".pid")
	}
	return payload, true
}

func removePidfile(runtimeDir, name string) {
	_ = os.Remove(pidfilePath(runtimeDir, name))
}

// listPidfiles returns every parseable pidfile in the runtime dir.
func listPidfiles(runtimeDir string) []pidfilePayload {
	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		return nil
	}
	var out []pidfilePayload
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		if payload, ok := readPidfile(filepath.Join(runtimeDir, entry.Name())); ok {
			out = append(out, payload)
		}
	}
	return out
}

// processAlive reports whether pid exists. os.FindProcess always succeeds
// on Unix, so signal 0 does the actual check.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

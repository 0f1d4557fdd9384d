package launcher

import (
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"
)

// StopResult reports what happened to one discovered process.
type StopResult struct {
	Name    string
	PID     int
	Outcome string
}

// Stop discovers running specialists and terminates them. Pidfiles in the
// runtime dir are the primary record; when none match a live process the
// configured ports are cross-checked against /proc listeners, which covers
// fleets whose runtime dir was wiped. Each process gets SIGTERM, the grace
// period, then SIGKILL.
func Stop(cfg StopOptions) []StopResult {
	targets := map[int]string{}

	for _, payload := range listPidfiles(cfg.RuntimeDir) {
		if processAlive(payload.PID) {
			targets[payload.PID] = payload.Name
		} else {
			removePidfile(cfg.RuntimeDir, payload.Name)
		}
	}

	if len(targets) == 0 && len(cfg.Ports) > 0 {
		for port, pid := range listenerPIDs(cfg.Ports) {
			if pid != os.Getpid() {
				targets[pid] = fmt.Sprintf("port %d", port)
			}
		}
	}

	pids := make([]int, 0, len(targets))
	for pid := range targets {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	results := make([]StopResult, 0, len(pids))
	for _, pid := range pids {
		results = append(results, stopOne(pid, targets[pid], cfg.Grace))
	}

	for _, res := range results {
		if res.Outcome != "not running" {
			removePidfile(cfg.RuntimeDir, res.Name)
		}
	}
	return results
}

func stopOne(pid int, name string, grace time.Duration) StopResult {
	proc, err := os.FindProcess(pid)
	if err != nil || !processAlive(pid) {
		return StopResult{Name: name, PID: pid, Outcome: "not running"}
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return StopResult{Name: name, PID: pid, Outcome: fmt.Sprintf("signal failed: %v", err)}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return StopResult{Name: name, PID: pid, Outcome: "terminated"}
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return StopResult{Name: name, PID: pid, Outcome: fmt.Sprintf("kill failed: %v", err)}
	}
	return StopResult{Name: name, PID: pid, Outcome: "killed"}
}

// StopOptions names what Stop needs from the launcher config plus the
// managed ports for the /proc fallback.
type StopOptions struct {
	RuntimeDir string
	Ports      []int
	Grace      time.Duration
}

// Package launcher brings up the specialist fleet as child processes and
// keeps it alive. Children start staggered to avoid port-bind races, are
// polled on /health until ready, and are restarted with backoff when they
// exit non-zero. Teardown sends SIGTERM, waits out a grace period, then
// SIGKILLs stragglers.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/observability"
)

// ChildSpec describes one specialist process.
type ChildSpec struct {
	Name string
	Args []string
	Port int
	URL  string
}

// Handle is a running child as the monitor loop sees it.
type Handle interface {
	PID() int
	Signal(sig os.Signal) error
	// Done delivers the exit result exactly once. A nil error is a clean
	// exit; *exec.ExitError carries the code.
	Done() <-chan error
}

// Runner starts children. The default runner execs this binary with a
// specialist subcommand; tests substitute scripted processes.
type Runner interface {
	Start(spec ChildSpec, logPath string) (Handle, error)
}

// Options wires a Launcher.
type Options struct {
	Config  config.LauncherConfig
	Specs   []config.SpecialistConfig
	Runner  Runner
	Metrics *observability.Metrics
	Logger  *slog.Logger

	// BinPath is the executable children run. Defaults to os.Executable.
	BinPath string
	// ExtraArgs are appended to every child's argv, typically the
	// --config flag the parent was launched with.
	ExtraArgs []string
	// Probe overrides the readiness check in tests.
	Probe func(ctx context.Context, url string) error
}

// Launcher supervises the specialist fleet.
type Launcher struct {
	cfg     config.LauncherConfig
	specs   []config.SpecialistConfig
	runner  Runner
	metrics *observability.Metrics
	logger  *slog.Logger
	probe   func(ctx context.Context, url string) error

	mu       sync.Mutex
	children map[string]*child
}

type child struct {
	spec     ChildSpec
	handle   Handle
	logPath  string
	restarts int
}

// New builds a Launcher. A nil Runner gets the exec-based default.
func New(opts Options) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = &execRunner{bin: opts.BinPath}
	}
	probe := opts.Probe
	if probe == nil {
		probe = httpProbe
	}
	return &Launcher{
		cfg:      opts.Config,
		specs:    opts.Specs,
		runner:   wrapRunner(runner, opts.ExtraArgs),
		metrics:  opts.Metrics,
		logger:   logger.With("component", "launcher"),
		probe:    probe,
		children: map[string]*child{},
	}
}

// wrapRunner appends the shared argv tail before specs reach the real runner.
func wrapRunner(r Runner, extra []string) Runner {
	if len(extra) == 0 {
		return r
	}
	return runnerFunc(func(spec ChildSpec, logPath string) (Handle, error) {
		spec.Args = append(append([]string(nil), spec.Args...), extra...)
		return r.Start(spec, logPath)
	})
}

type runnerFunc func(spec ChildSpec, logPath string) (Handle, error)

func (f runnerFunc) Start(spec ChildSpec, logPath string) (Handle, error) { return f(spec, logPath) }

// Up starts every enabled specialist with a stagger between launches,
// then polls each child's health endpoint until it answers or the ready
// timeout lapses. Stragglers are logged, not fatal: the supervisor's own
// health endpoint reports them as degraded.
func (l *Launcher) Up(ctx context.Context) error {
	if err := os.MkdirAll(l.cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.MkdirAll(l.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	for _, spec := range l.specs {
		if spec.Disabled {
			l.logger.Info("specialist disabled, skipping", "child", spec.Name)
			continue
		}
		if err := l.start(childSpec(spec)); err != nil {
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.StartStagger):
		}
	}

	l.waitReady(ctx)
	return nil
}

func childSpec(spec config.SpecialistConfig) ChildSpec {
	return ChildSpec{
		Name: spec.Name,
		Args: []string{"specialist", spec.Name},
		Port: spec.Port,
		URL:  spec.BaseURL(),
	}
}

func (l *Launcher) start(spec ChildSpec) error {
	logPath := filepath.Join(l.cfg.LogDir, spec.Name+".log")
	handle, err := l.runner.Start(spec, logPath)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prior := 0
	if existing, ok := l.children[spec.Name]; ok {
		prior = existing.restarts
	}
	l.children[spec.Name] = &child{spec: spec, handle: handle, logPath: logPath, restarts: prior}
	l.mu.Unlock()

	if err := writePidfile(l.cfg.RuntimeDir, spec.Name, handle.PID(), spec.Port); err != nil {
		l.logger.Warn("pidfile write failed", "child", spec.Name, "error", err)
	}
	l.logger.Info("specialist started", "child", spec.Name, "pid", handle.PID(), "port", spec.Port)
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) {
	pending := map[string]string{}
	l.mu.Lock()
	for name, c := range l.children {
		pending[name] = c.spec.URL
	}
	l.mu.Unlock()

	deadline := time.Now().Add(l.cfg.ReadyTimeout)
	for len(pending) > 0 && time.Now().Before(deadline) {
		for name, url := range pending {
			probeCtx, cancel := context.WithTimeout(ctx, time.Second)
			err := l.probe(probeCtx, url+"/health")
			cancel()
			if err == nil {
				l.logger.Info("specialist ready", "child", name)
				delete(pending, name)
			}
		}
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
	for name := range pending {
		l.logger.Warn("specialist not ready before timeout", "child", name)
	}
}

func httpProbe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// Monitor watches the fleet until ctx is canceled. Children that exited
// non-zero are restarted after a backoff that doubles per consecutive
// restart; clean exits are treated as deliberate and left down.
func (l *Launcher) Monitor(ctx context.Context) {
	interval := l.cfg.MonitorInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Launcher) sweep(ctx context.Context) {
	l.mu.Lock()
	snapshot := make(map[string]*child, len(l.children))
	for name, c := range l.children {
		snapshot[name] = c
	}
	l.mu.Unlock()

	for name, c := range snapshot {
		select {
		case err := <-c.handle.Done():
			l.reap(ctx, name, c, err)
		default:
		}
	}
}

func (l *Launcher) reap(ctx context.Context, name string, c *child, exitErr error) {
	removePidfile(l.cfg.RuntimeDir, name)

	if exitErr == nil {
		l.logger.Info("specialist exited cleanly, not restarting", "child", name)
		l.mu.Lock()
		delete(l.children, name)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	c.restarts++
	restarts := c.restarts
	l.mu.Unlock()

	delay := restartDelay(restarts)
	l.logger.Warn("specialist crashed, restarting",
		"child", name, "error", exitErr, "restarts", restarts, "delay", delay)
	if l.metrics != nil {
		l.metrics.ChildRestarts.WithLabelValues(name).Inc()
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := l.start(c.spec); err != nil {
		l.logger.Error("restart failed", "child", name, "error", err)
		l.mu.Lock()
		delete(l.children, name)
		l.mu.Unlock()
	}
}

// restartDelay doubles per consecutive restart, capped at 15s.
func restartDelay(restarts int) time.Duration {
	delay := 250 * time.Millisecond
	for i := 1; i < restarts; i++ {
		delay *= 2
		if delay >= 15*time.Second {
			return 15 * time.Second
		}
	}
	return delay
}

// Shutdown terminates the fleet: SIGTERM to every child, a grace wait,
// SIGKILL for anything still up. Pidfiles are removed for children that
// actually went down.
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	snapshot := make(map[string]*child, len(l.children))
	for name, c := range l.children {
		snapshot[name] = c
	}
	l.children = map[string]*child{}
	l.mu.Unlock()

	for name, c := range snapshot {
		if err := c.handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			l.logger.Warn("signal failed", "child", name, "error", err)
		}
	}

	graceEnd := time.Now().Add(l.cfg.ShutdownGrace)
	for name, c := range snapshot {
		remaining := time.Until(graceEnd)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-c.handle.Done():
			timer.Stop()
			l.logger.Info("specialist stopped", "child", name)
		case <-timer.C:
			// The child may have exited right as the grace lapsed.
			select {
			case <-c.handle.Done():
				l.logger.Info("specialist stopped", "child", name)
			default:
				l.logger.Warn("specialist ignored SIGTERM, killing", "child", name)
				_ = c.handle.Signal(syscall.SIGKILL)
				<-c.handle.Done()
			}
		}
		removePidfile(l.cfg.RuntimeDir, name)
	}
}

// execRunner starts real children from this binary. Stdout and stderr go
// to the per-child log file.
type execRunner struct {
	bin string
}

func (r *execRunner) Start(spec ChildSpec, logPath string) (Handle, error) {
	bin := r.bin
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}

	cmd := exec.Command(bin, spec.Args...) // #nosec G204 -- argv is built from config, not request input
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		logFile.Close()
		done <- err
	}()
	return &execHandle{cmd: cmd, done: done}, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan error
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }

func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }

func (h *execHandle) Done() <-chan error { return h.done }

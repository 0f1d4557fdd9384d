package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/Log-LogN/warden/internal/approval"
	"github.com/Log-LogN/warden/internal/audit"
	"github.com/Log-LogN/warden/internal/cache"
	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/launcher"
	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/mcpserver"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/sessions"
	"github.com/Log-LogN/warden/internal/specialists/gitops"
	"github.com/Log-LogN/warden/internal/specialists/intel"
	"github.com/Log-LogN/warden/internal/specialists/recon"
	"github.com/Log-LogN/warden/internal/specialists/scribe"
	"github.com/Log-LogN/warden/internal/specialists/threat"
	"github.com/Log-LogN/warden/internal/summarize"
	"github.com/Log-LogN/warden/internal/supervisor"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/internal/upstream"
)

const defaultConfigName = "warden.yaml"

// toolCallTimeout bounds one fleet tool call end to end, sized for the
// slowest mutating tools.
const toolCallTimeout = 30 * time.Second

// cachePruneSchedule drops expired tool-result cache entries. The memory
// backend also evicts lazily on read; this keeps idle entries from
// holding memory between reads.
const cachePruneSchedule = "@every 5m"

// loadConfig reads the config file. The default name is allowed to be
// absent, which yields the built-in defaults plus the environment overlay;
// an explicitly named file must exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigName {
		return config.Load("")
	}
	return config.Load(path)
}

func buildLogger(cfg *config.Config, debug bool) *observability.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}

func redisURL(cfg *config.Config) string {
	if cfg.Redis.Enabled {
		return cfg.Redis.URL
	}
	return ""
}

func approvalService(cfg *config.Config) *approval.Service {
	if cfg.Approval.Secret == "" {
		return nil
	}
	return approval.NewService(cfg.Approval.Secret, cfg.Approval.TokenTTL)
}

// newTracer builds the OTLP tracer for one process. With no endpoint
// configured it is a no-op.
func newTracer(cfg *config.Config, service string) (*observability.Tracer, func(context.Context) error) {
	return observability.NewTracer(observability.TraceConfig{
		ServiceName: service,
		Version:     version,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
}

func stopTracer(shutdown func(context.Context) error, slogger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slogger.Error("error shutting down tracer", "error", err)
	}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg, debug)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return startSupervisor(ctx, cfg, configPath, debug, logger, observability.NewMetrics())
}

func runUp(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg, debug)
	metrics := observability.NewMetrics()
	slogger := logger.Slog()

	// Children get the same config file the parent resolved, by absolute
	// path so cwd changes cannot desync the fleet.
	var extraArgs []string
	if _, err := os.Stat(configPath); err == nil {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		extraArgs = []string{"--config", abs}
	}
	if debug {
		extraArgs = append(extraArgs, "--debug")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fleet := launcher.New(launcher.Options{
		Config:    cfg.Launcher,
		Specs:     cfg.Specialists,
		Metrics:   metrics,
		Logger:    slogger,
		ExtraArgs: extraArgs,
	})
	if err := fleet.Up(ctx); err != nil {
		fleet.Shutdown()
		return fmt.Errorf("start fleet: %w", err)
	}
	go fleet.Monitor(ctx)

	err = startSupervisor(ctx, cfg, configPath, debug, logger, metrics)
	slogger.Info("stopping specialist fleet")
	fleet.Shutdown()
	return err
}

// startSupervisor wires the chat stack and serves until ctx is canceled.
func startSupervisor(ctx context.Context, cfg *config.Config, configPath string, debug bool, logger *observability.Logger, metrics *observability.Metrics) error {
	slogger := logger.Slog()
	slogger.Info("starting supervisor",
		"version", version,
		"addr", net.JoinHostPort(cfg.Supervisor.Host, strconv.Itoa(cfg.Supervisor.Port)),
		"specialists", len(cfg.Specialists),
	)

	tracer, shutdownTracer := newTracer(cfg, "warden-supervisor")
	defer stopTracer(shutdownTracer, slogger)

	store, err := sessions.New(cfg.Session, redisURL(cfg))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	fleet := mcp.NewFleet(cfg.Specialists, toolCallTimeout, slogger)
	refreshCtx, cancelRefresh := context.WithTimeout(ctx, 10*time.Second)
	fleet.Refresh(refreshCtx)
	cancelRefresh()

	// SIGHUP re-discovers the fleet's tools without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				fleet.Refresh(refreshCtx)
				cancel()
				slogger.Info("fleet tool index refreshed on SIGHUP")
			}
		}
	}()

	provider := summarize.Pick(cfg.LLM)
	orch := supervisor.NewOrchestrator(supervisor.Options{
		Fleet:     fleet,
		Store:     store,
		Compactor: sessions.NewCompactor(cfg.Session, provider),
		Approval:  approvalService(cfg),
		Provider:  provider,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    slogger,
		Config:    cfg.Supervisor,
	})

	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		dropped, err := store.Sweep(sweepCtx)
		if err != nil {
			slogger.Warn("session sweep failed", "error", err)
			return
		}
		if dropped > 0 {
			slogger.Info("session sweep", "dropped", dropped)
		}
		if counter, ok := store.(interface{ Len() int }); ok {
			metrics.ActiveSessions.Set(float64(counter.Len()))
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", cfg.Session.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := supervisor.NewServer(supervisor.ServerOptions{
		Orchestrator: orch,
		Fleet:        fleet,
		Store:        store,
		Metrics:      metrics,
		Config:       cfg.Supervisor,
		Version:      version,
		Logger:       slogger,
	})

	// Reloadable settings (log level, thresholds, rate limit) follow
	// edits to the config file; everything else needs a restart.
	if _, statErr := os.Stat(configPath); statErr == nil {
		go func() {
			watchErr := config.Watch(ctx, configPath, func(next *config.Config) {
				level := next.Logging.Level
				if debug {
					level = "debug"
				}
				logger.SetLevel(level)
				orch.UpdateConfig(next.Supervisor)
				srv.UpdateRateLimit(next.Supervisor.RateLimitPerMinute)
				slogger.Info("configuration reloaded",
					"log_level", level,
					"rate_limit_per_minute", next.Supervisor.RateLimitPerMinute)
			}, func(err error) {
				slogger.Warn("config reload skipped", "error", err)
			})
			if watchErr != nil {
				slogger.Warn("config watch unavailable", "error", watchErr)
			}
		}()
	}

	return srv.Run(ctx, net.JoinHostPort(cfg.Supervisor.Host, strconv.Itoa(cfg.Supervisor.Port)))
}

func runSpecialist(ctx context.Context, configPath, name string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var spec *config.SpecialistConfig
	for i := range cfg.Specialists {
		if cfg.Specialists[i].Name == name {
			spec = &cfg.Specialists[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("unknown specialist %q", name)
	}
	if spec.Disabled {
		return fmt.Errorf("specialist %q is disabled in the configuration", name)
	}

	logger := buildLogger(cfg, debug)
	slogger := logger.Slog()
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := newTracer(cfg, "warden-"+name)
	defer stopTracer(shutdownTracer, slogger)

	auditLogger, err := audit.NewLogger(audit.Config{
		Enabled:       !cfg.Audit.Disabled,
		Output:        cfg.Audit.Output,
		MaskThreshold: cfg.Audit.MaskThreshold,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLogger.Close()

	cacheBackend, err := cache.New(cfg.Cache, redisURL(cfg))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cacheBackend.Close()

	pruner := cron.New()
	if _, err := pruner.AddFunc(cachePruneSchedule, func() {
		pruneCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		dropped, err := cacheBackend.Prune(pruneCtx)
		if err != nil {
			slogger.Warn("cache prune failed", "error", err)
			return
		}
		if dropped > 0 {
			slogger.Debug("cache pruned", "dropped", dropped)
		}
	}); err != nil {
		return fmt.Errorf("cache prune schedule: %w", err)
	}
	pruner.Start()
	defer pruner.Stop()

	reg := tools.NewRegistry(tools.Options{
		Service:  name,
		Cache:    cacheBackend,
		CacheTTL: cfg.Cache.TTL,
		Approval: approvalService(cfg),
		Audit:    auditLogger,
		Metrics:  metrics,
		Logger:   slogger,
	})

	client := upstream.New(upstream.Options{Metrics: metrics, Tracer: tracer, Logger: slogger})
	cleanup, err := registerSpecialist(name, cfg, reg, client, slogger)
	if err != nil {
		return err
	}
	defer cleanup()

	host := spec.Host
	if host == "" {
		host = "127.0.0.1"
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	srv := mcpserver.New(name, version, reg, slogger)
	return srv.Run(ctx, net.JoinHostPort(host, strconv.Itoa(spec.Port)))
}

// registerSpecialist builds the named service and registers its tools.
func registerSpecialist(name string, cfg *config.Config, reg *tools.Registry, client *upstream.Client, slogger *slog.Logger) (func(), error) {
	noop := func() {}
	switch name {
	case "threat":
		svc := threat.New(cfg.Upstreams, cfg.Supervisor.Thresholds, client, slogger)
		svc.Register(reg)
		if err := svc.Start(); err != nil {
			return noop, fmt.Errorf("start threat service: %w", err)
		}
		return svc.Close, nil
	case "recon":
		recon.New(slogger).Register(reg)
		return noop, nil
	case "intel":
		intel.New(cfg.Upstreams, client, slogger).Register(reg)
		return noop, nil
	case "gitops":
		gitops.New(cfg.Upstreams, client, slogger).Register(reg)
		return noop, nil
	case "scribe":
		scribe.New(cfg.Reports, slogger).Register(reg)
		return noop, nil
	default:
		return noop, fmt.Errorf("unknown specialist %q", name)
	}
}

func runStop(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ports := make([]int, 0, len(cfg.Specialists)+1)
	for _, spec := range cfg.Specialists {
		if !spec.Disabled && spec.Port > 0 {
			ports = append(ports, spec.Port)
		}
	}
	ports = append(ports, cfg.Supervisor.Port)

	results := launcher.Stop(launcher.StopOptions{
		RuntimeDir: cfg.Launcher.RuntimeDir,
		Ports:      ports,
		Grace:      cfg.Launcher.ShutdownGrace,
	})

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No running fleet found.")
		return nil
	}
	for _, res := range results {
		fmt.Fprintf(out, "%s (pid %d): %s\n", res.Name, res.PID, res.Outcome)
	}
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration OK: %s\n", configPath)
	fmt.Fprintf(out, "  supervisor:  %s\n", net.JoinHostPort(cfg.Supervisor.Host, strconv.Itoa(cfg.Supervisor.Port)))
	enabled := 0
	for _, spec := range cfg.Specialists {
		if !spec.Disabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "  specialists: %d enabled of %d configured\n", enabled, len(cfg.Specialists))
	fmt.Fprintf(out, "  sessions:    %s backend, TTL %s\n", cfg.Session.Backend, cfg.Session.TTL)
	fmt.Fprintf(out, "  cache:       %s backend, TTL %s\n", cfg.Cache.Backend, cfg.Cache.TTL)
	if cfg.Approval.Secret == "" {
		fmt.Fprintln(out, "  warning: approval secret unset, destructive tools will be refused")
	}
	return nil
}

// Package config loads, validates, and watches warden configuration.
// Files are YAML or JSON5 with $include merging and ${ENV} expansion;
// a fixed set of environment variables overrides file values.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for every warden process.
type Config struct {
	Supervisor  SupervisorConfig   `yaml:"supervisor" json:"supervisor"`
	Specialists []SpecialistConfig `yaml:"specialists" json:"specialists"`
	Session     SessionConfig      `yaml:"session" json:"session"`
	Cache       CacheConfig        `yaml:"cache" json:"cache"`
	Redis       RedisConfig        `yaml:"redis" json:"redis"`
	Approval    ApprovalConfig     `yaml:"approval" json:"approval"`
	LLM         LLMConfig          `yaml:"llm" json:"llm"`
	Upstreams   UpstreamsConfig    `yaml:"upstreams" json:"upstreams"`
	Launcher    LauncherConfig     `yaml:"launcher" json:"launcher"`
	Reports     ReportsConfig      `yaml:"reports" json:"reports"`
	Logging     LoggingConfig      `yaml:"logging" json:"logging"`
	Audit       AuditConfig        `yaml:"audit" json:"audit"`
	Tracing     TracingConfig      `yaml:"tracing" json:"tracing"`
}

// SupervisorConfig shapes the /chat surface.
type SupervisorConfig struct {
	Host               string           `yaml:"host" json:"host"`
	Port               int              `yaml:"port" json:"port"`
	APIKey             string           `yaml:"api_key" json:"api_key"`
	MaxMessageLength   int              `yaml:"max_message_length" json:"max_message_length"`
	RateLimitPerMinute int              `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	TurnTimeout        time.Duration    `yaml:"turn_timeout" json:"turn_timeout"`
	MaxParallelSteps   int              `yaml:"max_parallel_steps" json:"max_parallel_steps"`
	Thresholds         ThresholdsConfig `yaml:"thresholds" json:"thresholds"`
}

// ThresholdsConfig carries the severity cutoffs the renderers and the risk
// engine use. Deployments tune these without code changes.
type ThresholdsConfig struct {
	// EPSSHigh and EPSSMedium grade exploit probability in threat replies.
	EPSSHigh   float64 `yaml:"epss_high" json:"epss_high"`
	EPSSMedium float64 `yaml:"epss_medium" json:"epss_medium"`
	// ScoreHigh and ScoreMedium grade the 0-100 risk engine output.
	ScoreHigh   int `yaml:"score_high" json:"score_high"`
	ScoreMedium int `yaml:"score_medium" json:"score_medium"`
}

// SpecialistConfig describes one tool server in the fleet.
type SpecialistConfig struct {
	Name     string `yaml:"name" json:"name"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	URL      string `yaml:"url" json:"url"`
	Disabled bool   `yaml:"disabled" json:"disabled"`
}

// BaseURL returns the endpoint the MCP client dials.
func (s SpecialistConfig) BaseURL() string {
	if s.URL != "" {
		return s.URL
	}
	host := s.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// SessionConfig controls the session store and compaction budgets.
type SessionConfig struct {
	// Backend: memory, redis, or sqlite.
	Backend         string        `yaml:"backend" json:"backend"`
	TTL             time.Duration `yaml:"ttl" json:"ttl"`
	TextLimit       int           `yaml:"text_limit" json:"text_limit"`
	KeepMessages    int           `yaml:"keep_messages" json:"keep_messages"`
	SummaryMaxChars int           `yaml:"summary_max_chars" json:"summary_max_chars"`
	SQLitePath      string        `yaml:"sqlite_path" json:"sqlite_path"`
	// SweepSchedule is a cron expression for expired-session cleanup.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
}

// CacheConfig controls the tool-result cache.
type CacheConfig struct {
	// Backend: memory or redis.
	Backend    string        `yaml:"backend" json:"backend"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
}

// RedisConfig is shared by the redis cache and session backends.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
}

// ApprovalConfig controls destructive-tool gating.
type ApprovalConfig struct {
	Secret   string        `yaml:"secret" json:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// LLMConfig configures the optional summarizer. With no API keys the
// deterministic local compactor and renderers are used.
type LLMConfig struct {
	// Provider: "", "openai", or "anthropic". Empty picks whichever has a
	// key, preferring OpenAI.
	Provider       string `yaml:"provider" json:"provider"`
	OpenAIKey      string `yaml:"openai_key" json:"openai_key"`
	OpenAIModel    string `yaml:"openai_model" json:"openai_model"`
	AnthropicKey   string `yaml:"anthropic_key" json:"anthropic_key"`
	AnthropicModel string `yaml:"anthropic_model" json:"anthropic_model"`
}

// UpstreamsConfig carries external API endpoints so deployments (and tests)
// can point specialists at mirrors.
type UpstreamsConfig struct {
	NVDBaseURL      string `yaml:"nvd_base_url" json:"nvd_base_url"`
	EPSSBaseURL     string `yaml:"epss_base_url" json:"epss_base_url"`
	KEVCatalogURL   string `yaml:"kev_catalog_url" json:"kev_catalog_url"`
	ExploitIndexURL string `yaml:"exploit_index_url" json:"exploit_index_url"`
	OSVBaseURL      string `yaml:"osv_base_url" json:"osv_base_url"`
	GitHubBaseURL   string `yaml:"github_base_url" json:"github_base_url"`
	GitHubToken     string `yaml:"github_token" json:"github_token"`
	// KEVRefreshSchedule is a cron expression for catalog refresh.
	KEVRefreshSchedule string `yaml:"kev_refresh_schedule" json:"kev_refresh_schedule"`
}

// LauncherConfig controls fleet supervision.
type LauncherConfig struct {
	RuntimeDir      string        `yaml:"runtime_dir" json:"runtime_dir"`
	LogDir          string        `yaml:"log_dir" json:"log_dir"`
	MonitorInterval time.Duration `yaml:"monitor_interval" json:"monitor_interval"`
	StartStagger    time.Duration `yaml:"start_stagger" json:"start_stagger"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// ReportsConfig controls where scribe writes Markdown reports.
type ReportsConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// LoggingConfig mirrors observability.LogConfig.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// AuditConfig controls the invocation audit log. Audit is on unless
// explicitly disabled.
type AuditConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	// Output: "stdout", "stderr", or "file:/path/to/audit.log".
	Output string `yaml:"output" json:"output"`
	// MaskThreshold middle-redacts argument strings longer than this.
	MaskThreshold int `yaml:"mask_threshold" json:"mask_threshold"`
}

// TracingConfig mirrors observability.TraceConfig.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// DefaultFleet is the specialist set used when the config names none.
func DefaultFleet() []SpecialistConfig {
	return []SpecialistConfig{
		{Name: "threat", Port: 8711},
		{Name: "recon", Port: 8712},
		{Name: "intel", Port: 8713},
		{Name: "gitops", Port: 8714},
		{Name: "scribe", Port: 8715},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Supervisor.Host == "" {
		cfg.Supervisor.Host = "127.0.0.1"
	}
	if cfg.Supervisor.Port == 0 {
		cfg.Supervisor.Port = 8700
	}
	if cfg.Supervisor.MaxMessageLength == 0 {
		cfg.Supervisor.MaxMessageLength = 8000
	}
	if cfg.Supervisor.RateLimitPerMinute == 0 {
		cfg.Supervisor.RateLimitPerMinute = 60
	}
	if cfg.Supervisor.TurnTimeout == 0 {
		cfg.Supervisor.TurnTimeout = 120 * time.Second
	}
	if cfg.Supervisor.MaxParallelSteps == 0 {
		cfg.Supervisor.MaxParallelSteps = 4
	}
	if cfg.Supervisor.Thresholds.EPSSHigh == 0 {
		cfg.Supervisor.Thresholds.EPSSHigh = 0.5
	}
	if cfg.Supervisor.Thresholds.EPSSMedium == 0 {
		cfg.Supervisor.Thresholds.EPSSMedium = 0.1
	}
	if cfg.Supervisor.Thresholds.ScoreHigh == 0 {
		cfg.Supervisor.Thresholds.ScoreHigh = 70
	}
	if cfg.Supervisor.Thresholds.ScoreMedium == 0 {
		cfg.Supervisor.Thresholds.ScoreMedium = 40
	}

	if len(cfg.Specialists) == 0 {
		cfg.Specialists = DefaultFleet()
	}

	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
	if cfg.Session.TTL == 0 {
		cfg.Session.TTL = 24 * time.Hour
	}
	if cfg.Session.TextLimit == 0 {
		cfg.Session.TextLimit = 6000
	}
	if cfg.Session.KeepMessages == 0 {
		cfg.Session.KeepMessages = 8
	}
	if cfg.Session.SummaryMaxChars == 0 {
		cfg.Session.SummaryMaxChars = 2000
	}
	if cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = "warden.db"
	}
	if cfg.Session.SweepSchedule == "" {
		cfg.Session.SweepSchedule = "@every 10m"
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 15 * time.Minute
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 4096
	}

	if cfg.Approval.TokenTTL == 0 {
		cfg.Approval.TokenTTL = 5 * time.Minute
	}

	if cfg.LLM.OpenAIModel == "" {
		cfg.LLM.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.LLM.AnthropicModel == "" {
		cfg.LLM.AnthropicModel = "claude-sonnet-4-20250514"
	}

	if cfg.Upstreams.NVDBaseURL == "" {
		cfg.Upstreams.NVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	}
	if cfg.Upstreams.EPSSBaseURL == "" {
		cfg.Upstreams.EPSSBaseURL = "https://api.first.org/data/v1/epss"
	}
	if cfg.Upstreams.KEVCatalogURL == "" {
		cfg.Upstreams.KEVCatalogURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	}
	if cfg.Upstreams.ExploitIndexURL == "" {
		cfg.Upstreams.ExploitIndexURL = "https://poc-in-github.motikan2010.net/api/v1/"
	}
	if cfg.Upstreams.OSVBaseURL == "" {
		cfg.Upstreams.OSVBaseURL = "https://api.osv.dev"
	}
	if cfg.Upstreams.GitHubBaseURL == "" {
		cfg.Upstreams.GitHubBaseURL = "https://api.github.com"
	}
	if cfg.Upstreams.KEVRefreshSchedule == "" {
		cfg.Upstreams.KEVRefreshSchedule = "@every 6h"
	}

	if cfg.Launcher.RuntimeDir == "" {
		cfg.Launcher.RuntimeDir = ".warden/run"
	}
	if cfg.Launcher.LogDir == "" {
		cfg.Launcher.LogDir = ".warden/log"
	}
	if cfg.Launcher.MonitorInterval == 0 {
		cfg.Launcher.MonitorInterval = 2 * time.Second
	}
	if cfg.Launcher.StartStagger == 0 {
		cfg.Launcher.StartStagger = 250 * time.Millisecond
	}
	if cfg.Launcher.ReadyTimeout == 0 {
		cfg.Launcher.ReadyTimeout = 15 * time.Second
	}
	if cfg.Launcher.ShutdownGrace == 0 {
		cfg.Launcher.ShutdownGrace = 5 * time.Second
	}

	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "reports"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Audit.Output == "" {
		cfg.Audit.Output = "stderr"
	}
	if cfg.Audit.MaskThreshold == 0 {
		cfg.Audit.MaskThreshold = 32
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Supervisor.Port < 1 || c.Supervisor.Port > 65535 {
		return fmt.Errorf("supervisor port %d out of range", c.Supervisor.Port)
	}
	seen := make(map[string]bool, len(c.Specialists))
	ports := map[int]string{c.Supervisor.Port: "supervisor"}
	for _, sp := range c.Specialists {
		if sp.Name == "" {
			return fmt.Errorf("specialist with empty name")
		}
		if seen[sp.Name] {
			return fmt.Errorf("duplicate specialist %q", sp.Name)
		}
		seen[sp.Name] = true
		if sp.Disabled || sp.URL != "" {
			continue
		}
		if sp.Port < 1 || sp.Port > 65535 {
			return fmt.Errorf("specialist %q port %d out of range", sp.Name, sp.Port)
		}
		if owner, taken := ports[sp.Port]; taken {
			return fmt.Errorf("specialist %q port %d already used by %s", sp.Name, sp.Port, owner)
		}
		ports[sp.Port] = sp.Name
	}
	switch c.Session.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if (c.Session.Backend == "redis" || c.Cache.Backend == "redis") && c.Redis.URL == "" {
		return fmt.Errorf("redis backend selected but redis.url is empty")
	}
	if c.Session.KeepMessages < 1 {
		return fmt.Errorf("session keep_messages must be positive")
	}
	if c.Session.TextLimit < c.Session.SummaryMaxChars {
		return fmt.Errorf("session text_limit %d below summary_max_chars %d",
			c.Session.TextLimit, c.Session.SummaryMaxChars)
	}
	return nil
}

// Specialist returns the fleet entry with the given name.
func (c *Config) Specialist(name string) (SpecialistConfig, bool) {
	for _, sp := range c.Specialists {
		if sp.Name == name {
			return sp, true
		}
	}
	return SpecialistConfig{}, false
}

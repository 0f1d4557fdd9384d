package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector warden exports. Each process
// owns its registry so tests can build as many instances as they like.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal       *prometheus.CounterVec
	TurnDuration     prometheus.Histogram
	IntentsTotal     *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	UpstreamRetries  *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	ApprovalDenials  *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	CompactionsTotal prometheus.Counter
	ChildRestarts    *prometheus.CounterVec
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_turns_total",
			Help: "Chat turns handled by the supervisor, by outcome.",
		}, []string{"status"}),

		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warden_turn_duration_seconds",
			Help:    "End-to-end latency of a chat turn.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		IntentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_intents_total",
			Help: "Routed intents, by intent name.",
		}, []string{"intent"}),

		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Tool invocations, by service, tool, and status.",
		}, []string{"service", "tool", "status"}),

		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_tool_call_duration_seconds",
			Help:    "Tool handler latency including upstream calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"service", "tool"}),

		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_cache_hits_total",
			Help: "Tool-result cache hits, by service and tool.",
		}, []string{"service", "tool"}),

		CacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_cache_misses_total",
			Help: "Tool-result cache misses, by service and tool.",
		}, []string{"service", "tool"}),

		UpstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_upstream_retries_total",
			Help: "Retries against external APIs, by source.",
		}, []string{"source"}),

		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),

		ApprovalDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_approval_denials_total",
			Help: "Approval-token validation failures, by reason.",
		}, []string{"reason"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "warden_active_sessions",
			Help: "Sessions currently held by the session store.",
		}),

		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "warden_compactions_total",
			Help: "Session history compactions performed.",
		}),

		ChildRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_child_restarts_total",
			Help: "Specialist processes restarted by the launcher.",
		}, []string{"child"}),
	}
}

// Handler serves this process's registry, mounted at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

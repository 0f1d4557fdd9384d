package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.ToolCallsTotal.WithLabelValues("threat", "epss_score", "success").Inc()
	m2.ToolCallsTotal.WithLabelValues("threat", "epss_score", "success").Add(5)

	if m1.registry == m2.registry {
		t.Fatal("instances share a registry")
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewMetrics()
	m.TurnsTotal.WithLabelValues("success").Inc()
	m.RateLimitedTotal.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil).WithContext(context.Background())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "warden_turns_total") {
		t.Errorf("missing warden_turns_total in exposition:\n%s", body)
	}
	if !strings.Contains(body, "warden_rate_limited_total 1") {
		t.Errorf("missing rate limited count in exposition:\n%s", body)
	}
}

func TestTracerNoopWithoutEndpoint(t *testing.T) {
	tr, shutdown := NewTracer(TraceConfig{ServiceName: "test"})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	ctx, span := tr.StartToolCall(context.Background(), "threat", "kev_check")
	if ctx == nil {
		t.Fatal("nil context from StartToolCall")
	}
	End(span, nil)
}

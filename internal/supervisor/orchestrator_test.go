package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Log-LogN/warden/internal/approval"
	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/sessions"
	"github.com/Log-LogN/warden/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MaxMessageLength: 8000,
		TurnTimeout:      30 * time.Second,
		MaxParallelSteps: 4,
		Thresholds:       testThresholds,
	}
}

// stubCaller plays the fleet: canned envelopes per tool, captured args.
type stubCaller struct {
	mu       sync.Mutex
	calls    []stubCall
	data     map[string]any
	failWith map[string]string
	errWith  map[string]error
	resolved map[string][]models.Resolution
	cached   map[string]bool
}

type stubCall struct {
	Tool string
	Args map[string]any
}

func newStubCaller() *stubCaller {
	return &stubCaller{
		data:     map[string]any{},
		failWith: map[string]string{},
		errWith:  map[string]error{},
		resolved: map[string][]models.Resolution{},
		cached:   map[string]bool{},
	}
}

func (c *stubCaller) CallTool(_ context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	copied := make(map[string]any, len(args))
	for k, v := range args {
		copied[k] = v
	}
	c.mu.Lock()
	c.calls = append(c.calls, stubCall{Tool: tool, Args: copied})
	c.mu.Unlock()

	if err, ok := c.errWith[tool]; ok {
		return nil, err
	}

	env := models.Envelope{
		Status:    models.StatusSuccess,
		Timestamp: time.Now().UTC(),
		Source:    "stub",
		Cache:     models.CacheMeta{Hit: c.cached[tool]},
		Resolved:  c.resolved[tool],
	}
	if msg, ok := c.failWith[tool]; ok {
		env.Status = models.StatusError
		env.Error = msg
	} else if v, ok := c.data[tool]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	} else {
		env.Data = json.RawMessage(`{}`)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.ResultContent{{Type: "text", Text: string(raw)}},
		IsError: env.Status != models.StatusSuccess,
	}, nil
}

func (c *stubCaller) callsFor(tool string) []stubCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stubCall
	for _, call := range c.calls {
		if call.Tool == tool {
			out = append(out, call)
		}
	}
	return out
}

func (c *stubCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// riskStub answers every tool a full risk assessment touches.
func riskStub() *stubCaller {
	c := newStubCaller()
	c.data["cvss_lookup"] = map[string]any{"cve": "CVE-2024-3094", "base_score": 9.8, "severity": "CRITICAL"}
	c.data["epss_score"] = map[string]any{"cve": "CVE-2024-3094", "epss": 0.92, "percentile": 0.99, "found": true}
	c.data["kev_check"] = map[string]any{"cve": "CVE-2024-3094", "listed": true, "date_added": "2024-03-29"}
	c.data["exploit_check"] = map[string]any{"cve": "CVE-2024-3094", "exploit_count": 3}
	c.data["port_scan"] = map[string]any{
		"host": "web-prod-3.example.com", "open_ports": []int{22, 443}, "open_count": 2, "scanned": 14,
	}
	c.data["risk_score"] = map[string]any{
		"cve": "CVE-2024-3094", "score": 87, "severity": "HIGH",
		"reasons": []string{"critical CVSS base score 9.8", "listed in the CISA KEV catalog"},
	}
	return c
}

func buildOrchestrator(t *testing.T, caller Caller, appr *approval.Service) (*Orchestrator, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	orch := NewOrchestrator(Options{
		Fleet:    caller,
		Store:    store,
		Approval: appr,
		Metrics:  observability.NewMetrics(),
		Logger:   testLogger(),
		Config:   testSupervisorConfig(),
	})
	return orch, store
}

func newTestOrchestrator(t *testing.T, caller Caller) (*Orchestrator, sessions.Store) {
	t.Helper()
	return buildOrchestrator(t, caller, approval.NewService("supervisor-test-secret", time.Minute))
}

func TestTurnRiskAssessment(t *testing.T) {
	stub := riskStub()
	orch, store := newTestOrchestrator(t, stub)
	ctx := context.Background()

	resp, err := orch.Turn(ctx, models.TurnRequest{
		Message: "Analyze risk of CVE-2024-3094 on web-prod-3.example.com",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if resp.AgentUsed != "threat" {
		t.Errorf("agent = %q", resp.AgentUsed)
	}
	if resp.SessionID == "" {
		t.Error("no session id allocated")
	}
	if len(resp.ToolCalls) != 6 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	for _, tc := range resp.ToolCalls {
		if tc.Status != models.StatusSuccess {
			t.Errorf("%s status = %s", tc.Tool, tc.Status)
		}
	}

	var calls, results int
	for _, ev := range resp.Trace {
		switch ev.Kind {
		case models.TraceToolCall:
			calls++
		case models.TraceToolResult:
			results++
		}
	}
	if calls != 6 || results != 6 {
		t.Errorf("trace: %d calls, %d results", calls, results)
	}
	if resp.Trace[0].Kind != models.TraceRoute {
		t.Errorf("first event = %s", resp.Trace[0].Kind)
	}
	if last := resp.Trace[len(resp.Trace)-1]; last.Kind != models.TraceReply {
		t.Errorf("last event = %s", last.Kind)
	}
	// The whole stage is announced before any result lands.
	for i := 1; i <= 5; i++ {
		if resp.Trace[i].Kind != models.TraceToolCall || resp.Trace[i].Step != i {
			t.Errorf("event %d = %s step %d", i, resp.Trace[i].Kind, resp.Trace[i].Step)
		}
	}
	if resp.Trace[6].Kind != models.TraceToolResult || resp.Trace[6].Step != 1 {
		t.Errorf("event 6 = %s step %d", resp.Trace[6].Kind, resp.Trace[6].Step)
	}

	scored := stub.callsFor("risk_score")
	if len(scored) != 1 {
		t.Fatalf("risk_score calls = %d", len(scored))
	}
	args := scored[0].Args
	if args["cvss"] != 9.8 || args["epss"] != 0.92 || args["kev"] != true || args["exploit_count"] != 3 {
		t.Errorf("risk inputs = %+v", args)
	}
	if !reflect.DeepEqual(args["open_ports"], []int{22, 443}) {
		t.Errorf("open_ports = %v", args["open_ports"])
	}

	if !strings.Contains(resp.Output, "HIGH") || !strings.Contains(resp.Output, "87/100") {
		t.Errorf("output = %q", resp.Output)
	}

	arts, err := store.Artifacts(ctx, resp.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Type != models.ArtifactRisk {
		t.Fatalf("artifacts = %+v", arts)
	}
	var payload map[string]any
	if err := json.Unmarshal(arts[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["cve"] != "CVE-2024-3094" || payload["host"] != "web-prod-3.example.com" {
		t.Errorf("artifact payload = %v", payload)
	}

	hist, err := store.History(ctx, resp.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.History) != 2 ||
		hist.History[0].Role != models.RoleUser ||
		hist.History[1].Role != models.RoleAssistant {
		t.Errorf("history = %+v", hist.History)
	}
}

func TestTurnThreatOnly(t *testing.T) {
	stub := newStubCaller()
	stub.data["epss_score"] = map[string]any{"cve": "CVE-2021-44228", "epss": 0.97, "found": true}
	stub.data["kev_check"] = map[string]any{"cve": "CVE-2021-44228", "listed": true, "date_added": "2021-12-10"}
	stub.data["exploit_check"] = map[string]any{"cve": "CVE-2021-44228", "exploit_count": 5}
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "Is CVE-2021-44228 actively exploited?",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentUsed != "threat" {
		t.Errorf("agent = %q", resp.AgentUsed)
	}
	if len(resp.ToolCalls) != 3 {
		t.Errorf("tool calls = %d", len(resp.ToolCalls))
	}
	for _, want := range []string{"HIGH", "97%", "CISA KEV"} {
		if !strings.Contains(resp.Output, want) {
			t.Errorf("output misses %q: %q", want, resp.Output)
		}
	}
}

func TestTurnSessionAnalysis(t *testing.T) {
	stub := newStubCaller()
	orch, store := newTestOrchestrator(t, stub)
	ctx := context.Background()

	if _, err := store.Load(ctx, "sess-c"); err != nil {
		t.Fatal(err)
	}
	for _, payload := range []string{
		`{"cve":"CVE-2023-4863","host":"cdn.example.com","score":55,"severity":"MEDIUM"}`,
		`{"cve":"CVE-2024-3094","host":"web-prod-3.example.com","score":87,"severity":"HIGH"}`,
	} {
		err := store.AppendArtifact(ctx, "sess-c", models.Artifact{
			Type: models.ArtifactRisk, Payload: json.RawMessage(payload),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	resp, err := orch.Turn(ctx, models.TurnRequest{
		Message: "What's the highest risk so far?", SessionID: "sess-c",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentUsed != "supervisor" {
		t.Errorf("agent = %q", resp.AgentUsed)
	}
	if len(resp.ToolCalls) != 0 || stub.callCount() != 0 {
		t.Errorf("session analysis called tools: %+v", stub.calls)
	}
	if !strings.Contains(resp.Output, "CVE-2024-3094 on web-prod-3.example.com, score 87/100 (HIGH)") {
		t.Errorf("output = %q", resp.Output)
	}

	arts, err := store.Artifacts(ctx, "sess-c")
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 3 || arts[2].Type != models.ArtifactSessionAnalysis {
		t.Errorf("artifacts = %d, last = %s", len(arts), arts[len(arts)-1].Type)
	}
}

func TestTurnApprovalFlow(t *testing.T) {
	stub := newStubCaller()
	stub.data["workflow_dispatch"] = map[string]any{
		"repo": "octo/site", "workflow_id": 161335, "ref": "main", "status": "dispatched",
	}
	appr := approval.NewService("dispatch-test-secret", time.Minute)
	orch, _ := buildOrchestrator(t, stub, appr)
	ctx := context.Background()

	first, err := orch.Turn(ctx, models.TurnRequest{
		Message: "Trigger the deploy workflow on octo/site",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(first.Output, "Approval required") ||
		!strings.Contains(first.Output, `"approve": true`) {
		t.Errorf("gate reply = %q", first.Output)
	}
	if stub.callCount() != 0 {
		t.Fatalf("destructive tool dispatched without approval: %+v", stub.calls)
	}
	if len(first.ToolCalls) != 0 {
		t.Errorf("tool calls reported on a gated turn: %+v", first.ToolCalls)
	}
	var gated bool
	for _, ev := range first.Trace {
		if ev.Kind == models.TraceError {
			gated = true
		}
	}
	if !gated {
		t.Error("no error event for the gate")
	}

	second, err := orch.Turn(ctx, models.TurnRequest{
		Message:   "Trigger the deploy workflow on octo/site",
		SessionID: first.SessionID,
		Approve:   true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	calls := stub.callsFor("workflow_dispatch")
	if len(calls) != 1 {
		t.Fatalf("workflow_dispatch calls = %d", len(calls))
	}
	token, _ := calls[0].Args[approval.ArgField].(string)
	if token == "" {
		t.Fatal("no approval token attached to the dispatched args")
	}

	// The token must verify over exactly the argument set that was sent.
	sent := make(map[string]any, len(calls[0].Args))
	for k, v := range calls[0].Args {
		if k != approval.ArgField {
			sent[k] = v
		}
	}
	if err := appr.Validate(token, "workflow_dispatch", sent, second.SessionID); err != nil {
		t.Errorf("token does not validate over the dispatched args: %v", err)
	}
	if !strings.Contains(second.Output, "dispatched") {
		t.Errorf("output = %q", second.Output)
	}
}

func TestTurnCriticalFailureAborts(t *testing.T) {
	stub := riskStub()
	stub.failWith["risk_score"] = "invalid arguments: cvss out of range"
	orch, store := newTestOrchestrator(t, stub)
	ctx := context.Background()

	resp, err := orch.Turn(ctx, models.TurnRequest{
		Message: "Analyze risk of CVE-2024-3094 on web-prod-3.example.com",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Output, "couldn't complete") || !strings.Contains(resp.Output, "risk_score") {
		t.Errorf("output = %q", resp.Output)
	}

	var sawError bool
	for _, ev := range resp.Trace {
		if ev.Kind == models.TraceError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no error event in trace")
	}

	arts, err := store.Artifacts(ctx, resp.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 0 {
		t.Errorf("artifact recorded despite aborted plan: %+v", arts)
	}
}

func TestTurnNonCriticalFailureContinues(t *testing.T) {
	stub := newStubCaller()
	stub.errWith["epss_score"] = errors.New("dial tcp 127.0.0.1:8711: connection refused")
	stub.data["kev_check"] = map[string]any{"cve": "CVE-2021-44228", "listed": true}
	stub.data["exploit_check"] = map[string]any{"cve": "CVE-2021-44228", "exploit_count": 2}
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "Is CVE-2021-44228 actively exploited?",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 3 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	var failed int
	for _, tc := range resp.ToolCalls {
		if tc.Status == models.StatusError {
			failed++
			if tc.Tool != "epss_score" {
				t.Errorf("failed tool = %s", tc.Tool)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed calls = %d", failed)
	}
	if !strings.Contains(resp.Output, "HIGH") {
		t.Errorf("partial data did not render: %q", resp.Output)
	}
	if !strings.Contains(resp.Output, "Incomplete signals: epss_score") {
		t.Errorf("missing failure note: %q", resp.Output)
	}
}

func TestTurnValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, newStubCaller())
	ctx := context.Background()

	if _, err := orch.Turn(ctx, models.TurnRequest{Message: "   "}, nil); !fault.IsValidation(err) {
		t.Errorf("blank message: %v", err)
	}
	long := strings.Repeat("a", 8001)
	if _, err := orch.Turn(ctx, models.TurnRequest{Message: long}, nil); !fault.IsValidation(err) {
		t.Errorf("oversized message: %v", err)
	}
}

func TestTurnAsksForMissingHost(t *testing.T) {
	stub := newStubCaller()
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "assess the risk of CVE-2024-3094",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Output, "Which host") {
		t.Errorf("output = %q", resp.Output)
	}
	if stub.callCount() != 0 {
		t.Errorf("tools called while asking for entities: %+v", stub.calls)
	}
}

func TestTurnDirectAnswer(t *testing.T) {
	stub := newStubCaller()
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{Message: "hello there"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.AgentUsed != "supervisor" || stub.callCount() != 0 {
		t.Errorf("agent = %q, calls = %d", resp.AgentUsed, stub.callCount())
	}
	if !strings.Contains(resp.Output, "specialists") {
		t.Errorf("output = %q", resp.Output)
	}
}

func TestTurnEmitterMirrorsTrace(t *testing.T) {
	orch, _ := newTestOrchestrator(t, riskStub())

	var streamed []models.TraceKind
	emit := func(ev models.TraceEvent) { streamed = append(streamed, ev.Kind) }
	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "Analyze risk of CVE-2024-3094 on web-prod-3.example.com",
	}, emit)
	if err != nil {
		t.Fatal(err)
	}
	if len(streamed) != len(resp.Trace) {
		t.Fatalf("streamed %d events, trace has %d", len(streamed), len(resp.Trace))
	}
	for i, ev := range resp.Trace {
		if streamed[i] != ev.Kind {
			t.Errorf("event %d streamed as %s, recorded as %s", i, streamed[i], ev.Kind)
		}
	}
}

func TestTurnSurfacesResolutionsAndCacheHits(t *testing.T) {
	stub := newStubCaller()
	stub.data["list_runs"] = map[string]any{
		"repo": "octo/site", "workflow_id": 161335,
		"runs": []map[string]any{{"name": "deploy", "run_number": 212, "conclusion": "success"}},
	}
	stub.resolved["list_runs"] = []models.Resolution{{
		Tool: "list_runs", Field: "workflow_id", Value: 161335,
		Reason: "repository has a single workflow",
	}}
	stub.cached["list_runs"] = true
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "Show the workflow status for octo/site",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var resolutions int
	for _, ev := range resp.Trace {
		if ev.Kind == models.TraceParameterResolved {
			resolutions++
			if ev.Tool != "list_runs" {
				t.Errorf("resolution tool = %s", ev.Tool)
			}
			if !strings.Contains(string(ev.Detail), "single workflow") {
				t.Errorf("resolution detail = %s", ev.Detail)
			}
		}
	}
	if resolutions != 1 {
		t.Errorf("parameter_resolved events = %d", resolutions)
	}
	if len(resp.ToolCalls) != 1 || !resp.ToolCalls[0].CacheHit {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

func TestTurnCompactsLongSessions(t *testing.T) {
	store := sessions.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	orch := NewOrchestrator(Options{
		Fleet: newStubCaller(),
		Store: store,
		Compactor: sessions.NewCompactor(config.SessionConfig{
			TextLimit: 400, KeepMessages: 2, SummaryMaxChars: 120,
		}, nil),
		Approval: approval.NewService("compact-test-secret", time.Minute),
		Metrics:  observability.NewMetrics(),
		Logger:   testLogger(),
		Config:   testSupervisorConfig(),
	})
	ctx := context.Background()

	var sid string
	for i := 0; i < 5; i++ {
		resp, err := orch.Turn(ctx, models.TurnRequest{Message: "hello there", SessionID: sid}, nil)
		if err != nil {
			t.Fatal(err)
		}
		sid = resp.SessionID
	}

	sess, err := store.History(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.History) > 4 {
		t.Errorf("history = %d messages, compaction never ran", len(sess.History))
	}
}

func TestTurnUnknownToolFailsClosed(t *testing.T) {
	stub := newStubCaller()
	stub.errWith["ghsa_advisory"] = mcp.ErrUnknownTool
	orch, _ := newTestOrchestrator(t, stub)

	resp, err := orch.Turn(context.Background(), models.TurnRequest{
		Message: "show me advisory GHSA-jfh8-c2jp-5v3q",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Output, "couldn't complete") {
		t.Errorf("output = %q", resp.Output)
	}
}

func TestUpdateConfigAppliesToNextTurn(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &stubCaller{})
	ctx := context.Background()

	next := testSupervisorConfig()
	next.MaxMessageLength = 5
	orch.UpdateConfig(next)

	_, err := orch.Turn(ctx, models.TurnRequest{Message: "how do the specialists work"}, nil)
	if !fault.IsValidation(err) {
		t.Fatalf("expected a validation error under the new limit, got %v", err)
	}
	if !strings.Contains(err.Error(), "5 character") {
		t.Errorf("error should name the new limit: %v", err)
	}

	if _, err := orch.Turn(ctx, models.TurnRequest{Message: "hi"}, nil); err != nil {
		t.Fatalf("short message should pass: %v", err)
	}
}

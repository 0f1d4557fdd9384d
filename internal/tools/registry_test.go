package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Log-LogN/warden/internal/approval"
	"github.com/Log-LogN/warden/internal/audit"
	"github.com/Log-LogN/warden/internal/cache"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/pkg/models"
)

func rawArgs(t *testing.T, args map[string]any) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func echoSpec(name string, calls *atomic.Int64) Spec {
	return Spec{
		Name:        name,
		Description: "echo arguments back",
		Args: []Arg{
			{Name: "host", Type: TypeString, Required: true},
			{Name: "top", Type: TypeInteger, Default: 100},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return map[string]any{"host": String(args, "host"), "top": Int(args, "top")}, nil
		},
	}
}

func TestRegistryDispatchSuccess(t *testing.T) {
	r := NewRegistry(Options{Service: "recon"})
	var calls atomic.Int64
	r.MustRegister(echoSpec("scan_ports", &calls))

	env := r.Dispatch(context.Background(), "scan_ports", rawArgs(t, map[string]any{"host": "gw.example.com"}), "sess-1")

	if !env.Ok() {
		t.Fatalf("envelope error: %s", env.Error)
	}
	if env.Source != "recon" {
		t.Errorf("source = %q", env.Source)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
	if env.Cache.Hit {
		t.Error("first call marked as cache hit")
	}

	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("data: %v", err)
	}
	if data["host"] != "gw.example.com" {
		t.Errorf("host = %v", data["host"])
	}
	if data["top"] != float64(100) {
		t.Errorf("top = %v, want default 100", data["top"])
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d", calls.Load())
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(Options{Service: "recon"})

	env := r.Dispatch(context.Background(), "no_such_tool", nil, "")
	if env.Ok() {
		t.Fatal("unknown tool dispatched")
	}
	if !strings.Contains(env.Error, "unknown tool") {
		t.Errorf("error = %q", env.Error)
	}
}

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry(Options{Service: "threat"})
	r.MustRegister(Spec{
		Name: "lookup_cve",
		Args: []Arg{
			{Name: "cve_id", Type: TypeString, Required: true},
			{Name: "severity", Type: TypeString, Enum: []any{"low", "high"}},
		},
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	})

	tests := []struct {
		name string
		raw  string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"cve_id": 7}`},
		{"unknown field", `{"cve_id":"CVE-2024-3094","verbose":true}`},
		{"enum violation", `{"cve_id":"CVE-2024-3094","severity":"medium"}`},
		{"not an object", `[1,2]`},
		{"malformed json", `{"cve_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := r.Dispatch(context.Background(), "lookup_cve", json.RawMessage(tt.raw), "")
			if env.Ok() {
				t.Fatalf("accepted %s", tt.raw)
			}
			if env.Error == "" {
				t.Error("empty error message")
			}
		})
	}

	env := r.Dispatch(context.Background(), "lookup_cve", json.RawMessage(`{"cve_id":"CVE-2024-3094","severity":"high"}`), "")
	if !env.Ok() {
		t.Fatalf("valid args rejected: %s", env.Error)
	}
}

type staticResolver struct {
	fills map[string]any
	err   error
}

func (s *staticResolver) Resolve(ctx context.Context, tool string, args map[string]any) ([]models.Resolution, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Resolution
	for field, value := range s.fills {
		if _, ok := args[field]; ok {
			continue
		}
		args[field] = value
		out = append(out, models.Resolution{Tool: tool, Field: field, Value: value, Reason: "default branch of repo"})
	}
	return out, nil
}

func TestRegistryResolverFills(t *testing.T) {
	var seen map[string]any
	r := NewRegistry(Options{Service: "gitops"})
	r.MustRegister(Spec{
		Name: "list_commits",
		Args: []Arg{
			{Name: "repo", Type: TypeString, Required: true},
			{Name: "branch", Type: TypeString},
		},
		ReadOnly: true,
		Resolver: &staticResolver{fills: map[string]any{"branch": "main"}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			seen = args
			return map[string]any{"count": 3}, nil
		},
	})

	env := r.Dispatch(context.Background(), "list_commits", rawArgs(t, map[string]any{"repo": "octo/website"}), "")
	if !env.Ok() {
		t.Fatalf("dispatch: %s", env.Error)
	}
	if len(env.Resolved) != 1 {
		t.Fatalf("resolved = %v", env.Resolved)
	}
	res := env.Resolved[0]
	if res.Field != "branch" || res.Value != "main" || res.Reason == "" {
		t.Errorf("resolution = %+v", res)
	}
	if seen["branch"] != "main" {
		t.Errorf("handler saw branch = %v", seen["branch"])
	}
}

func TestRegistryResolverError(t *testing.T) {
	r := NewRegistry(Options{Service: "gitops"})
	r.MustRegister(Spec{
		Name:     "get_workflow_runs",
		Args:     []Arg{{Name: "repo", Type: TypeString, Required: true}},
		ReadOnly: true,
		Resolver: &staticResolver{err: &resolverFailure{}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			t.Error("handler ran after resolution failure")
			return nil, nil
		},
	})

	env := r.Dispatch(context.Background(), "get_workflow_runs", rawArgs(t, map[string]any{"repo": "octo/website"}), "")
	if env.Ok() {
		t.Fatal("resolution failure produced success")
	}
	if !strings.Contains(env.Error, "no workflows") {
		t.Errorf("error = %q", env.Error)
	}
}

type resolverFailure struct{}

func (*resolverFailure) Error() string { return "cannot resolve workflow_id: no workflows in repo" }

func TestRegistryApprovalGate(t *testing.T) {
	mutate := func(calls *atomic.Int64) Spec {
		return Spec{
			Name:             "trigger_workflow",
			Args:             []Arg{{Name: "repo", Type: TypeString, Required: true}, {Name: "ref", Type: TypeString, Default: "main"}},
			RequiresApproval: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if calls != nil {
					calls.Add(1)
				}
				return map[string]any{"dispatched": true}, nil
			},
		}
	}
	sent := map[string]any{"repo": "octo/website"}

	t.Run("not configured fails closed", func(t *testing.T) {
		metrics := observability.NewMetrics()
		r := NewRegistry(Options{Service: "gitops", Metrics: metrics})
		var calls atomic.Int64
		r.MustRegister(mutate(&calls))

		env := r.Dispatch(context.Background(), "trigger_workflow", rawArgs(t, sent), "sess-1")
		if env.Ok() || calls.Load() != 0 {
			t.Fatalf("ran without approval service: %+v", env)
		}
		if !strings.Contains(env.Error, "not configured") {
			t.Errorf("error = %q", env.Error)
		}
		if got := testutil.ToFloat64(metrics.ApprovalDenials.WithLabelValues("approval_not_configured")); got != 1 {
			t.Errorf("denial counter = %v", got)
		}
	})

	svc := approval.NewService("super-secret", time.Minute)

	t.Run("missing token", func(t *testing.T) {
		r := NewRegistry(Options{Service: "gitops", Approval: svc})
		var calls atomic.Int64
		r.MustRegister(mutate(&calls))

		env := r.Dispatch(context.Background(), "trigger_workflow", rawArgs(t, sent), "sess-1")
		if env.Ok() || calls.Load() != 0 {
			t.Fatal("ran without a token")
		}
		if !strings.Contains(env.Error, "approval token required") {
			t.Errorf("error = %q", env.Error)
		}
	})

	t.Run("valid token minted over sent args", func(t *testing.T) {
		r := NewRegistry(Options{Service: "gitops", Approval: svc})
		var calls atomic.Int64
		r.MustRegister(mutate(&calls))

		// The issuer signs the args it sends; the ref default is filled
		// later on the specialist side and must not break the digest.
		token, err := svc.Issue("trigger_workflow", sent, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		args := map[string]any{"repo": "octo/website", approval.ArgField: token}

		env := r.Dispatch(context.Background(), "trigger_workflow", rawArgs(t, args), "sess-1")
		if !env.Ok() {
			t.Fatalf("approved call failed: %s", env.Error)
		}
		if calls.Load() != 1 {
			t.Errorf("handler calls = %d", calls.Load())
		}
	})

	t.Run("token bound to other tool", func(t *testing.T) {
		metrics := observability.NewMetrics()
		r := NewRegistry(Options{Service: "gitops", Approval: svc, Metrics: metrics})
		var calls atomic.Int64
		r.MustRegister(mutate(&calls))

		token, err := svc.Issue("delete_branch", sent, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		args := map[string]any{"repo": "octo/website", approval.ArgField: token}

		env := r.Dispatch(context.Background(), "trigger_workflow", rawArgs(t, args), "sess-1")
		if env.Ok() || calls.Load() != 0 {
			t.Fatal("cross-tool token accepted")
		}
		if got := testutil.ToFloat64(metrics.ApprovalDenials.WithLabelValues("approval_token_tool_mismatch")); got != 1 {
			t.Errorf("denial counter = %v", got)
		}
	})

	t.Run("tampered args", func(t *testing.T) {
		r := NewRegistry(Options{Service: "gitops", Approval: svc})
		var calls atomic.Int64
		r.MustRegister(mutate(&calls))

		token, err := svc.Issue("trigger_workflow", sent, "sess-1")
		if err != nil {
			t.Fatal(err)
		}
		args := map[string]any{"repo": "octo/malware", approval.ArgField: token}

		env := r.Dispatch(context.Background(), "trigger_workflow", rawArgs(t, args), "sess-1")
		if env.Ok() || calls.Load() != 0 {
			t.Fatal("tampered args accepted")
		}
	})
}

func TestRegistryCacheSingleInvocation(t *testing.T) {
	mem := cache.NewMemory(64, time.Minute)
	defer mem.Close()
	metrics := observability.NewMetrics()
	r := NewRegistry(Options{Service: "recon", Cache: mem, CacheTTL: time.Minute, Metrics: metrics})
	var calls atomic.Int64
	r.MustRegister(echoSpec("scan_ports", &calls))

	args := rawArgs(t, map[string]any{"host": "gw.example.com"})

	first := r.Dispatch(context.Background(), "scan_ports", args, "")
	if !first.Ok() || first.Cache.Hit {
		t.Fatalf("first call: %+v", first)
	}
	second := r.Dispatch(context.Background(), "scan_ports", args, "")
	if !second.Ok() || !second.Cache.Hit {
		t.Fatalf("second call not served from cache: %+v", second)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if string(first.Data) != string(second.Data) {
		t.Errorf("cached data diverged: %s vs %s", first.Data, second.Data)
	}
	if got := testutil.ToFloat64(metrics.CacheHitsTotal.WithLabelValues("recon", "scan_ports")); got != 1 {
		t.Errorf("hit counter = %v", got)
	}
	if got := testutil.ToFloat64(metrics.CacheMissesTotal.WithLabelValues("recon", "scan_ports")); got != 1 {
		t.Errorf("miss counter = %v", got)
	}

	// Different args miss.
	other := r.Dispatch(context.Background(), "scan_ports", rawArgs(t, map[string]any{"host": "db.example.com"}), "")
	if !other.Ok() || other.Cache.Hit {
		t.Fatalf("distinct args served from cache: %+v", other)
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want 2", calls.Load())
	}
}

func TestRegistryCacheConcurrentBurst(t *testing.T) {
	mem := cache.NewMemory(64, time.Minute)
	defer mem.Close()
	r := NewRegistry(Options{Service: "recon", Cache: mem, CacheTTL: time.Minute})

	var calls atomic.Int64
	release := make(chan struct{})
	r.MustRegister(Spec{
		Name:     "slow_scan",
		Args:     []Arg{{Name: "host", Type: TypeString, Required: true}},
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			<-release
			return map[string]any{"open": []int{22}}, nil
		},
	})

	args := rawArgs(t, map[string]any{"host": "gw.example.com"})
	var wg sync.WaitGroup
	envs := make([]*models.Envelope, 8)
	for i := range envs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i] = r.Dispatch(context.Background(), "slow_scan", args, "")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1 for identical in-flight args", calls.Load())
	}
	for i, env := range envs {
		if !env.Ok() {
			t.Errorf("call %d failed: %s", i, env.Error)
		}
	}
}

func TestRegistryMutatingNotCached(t *testing.T) {
	mem := cache.NewMemory(64, time.Minute)
	defer mem.Close()
	r := NewRegistry(Options{Service: "gitops", Cache: mem, CacheTTL: time.Minute})
	var calls atomic.Int64
	r.MustRegister(Spec{
		Name: "create_issue",
		Args: []Arg{{Name: "repo", Type: TypeString, Required: true}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"number": calls.Load()}, nil
		},
	})

	args := rawArgs(t, map[string]any{"repo": "octo/website"})
	for i := 0; i < 2; i++ {
		env := r.Dispatch(context.Background(), "create_issue", args, "")
		if !env.Ok() || env.Cache.Hit {
			t.Fatalf("call %d: %+v", i, env)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want one per dispatch", calls.Load())
	}
}

func TestRegistrySpecCacheTTLOptOut(t *testing.T) {
	mem := cache.NewMemory(64, time.Minute)
	defer mem.Close()
	r := NewRegistry(Options{Service: "scribe", Cache: mem, CacheTTL: time.Minute})
	var calls atomic.Int64
	r.MustRegister(Spec{
		Name:     "list_reports",
		Args:     []Arg{{Name: "limit", Type: TypeInteger, Default: 20}},
		ReadOnly: true,
		CacheTTL: -1,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"count": calls.Load()}, nil
		},
	})

	args := rawArgs(t, map[string]any{})
	for i := 0; i < 2; i++ {
		env := r.Dispatch(context.Background(), "list_reports", args, "")
		if !env.Ok() || env.Cache.Hit {
			t.Fatalf("call %d: %+v", i, env)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler calls = %d, want caching disabled", calls.Load())
	}
}

func TestRegistryHandlerTimeout(t *testing.T) {
	r := NewRegistry(Options{Service: "recon"})
	r.MustRegister(Spec{
		Name:    "slow_probe",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return map[string]any{"ok": true}, nil
			}
		},
	})

	start := time.Now()
	env := r.Dispatch(context.Background(), "slow_probe", nil, "")
	if env.Ok() {
		t.Fatal("timed-out handler reported success")
	}
	if !strings.Contains(env.Error, "context deadline exceeded") {
		t.Errorf("error = %q", env.Error)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatch took %v, timeout not enforced", elapsed)
	}
}

func TestRegistryHandlerErrorEnvelope(t *testing.T) {
	r := NewRegistry(Options{Service: "intel"})
	r.MustRegister(Spec{
		Name:     "fetch_advisory",
		ReadOnly: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, &resolverFailure{}
		},
	})

	env := r.Dispatch(context.Background(), "fetch_advisory", nil, "")
	if env.Ok() {
		t.Fatal("failed handler reported success")
	}
	if env.Status != models.StatusError || env.Error == "" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Source != "intel" {
		t.Errorf("source = %q", env.Source)
	}
}

func TestRegistryListSortedWithSchemas(t *testing.T) {
	r := NewRegistry(Options{Service: "threat"})
	r.MustRegister(Spec{Name: "lookup_kev", ReadOnly: true, Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }})
	r.MustRegister(Spec{Name: "assess_risk", ReadOnly: true, Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }})

	list := r.List()
	if len(list) != 2 || list[0].Name != "assess_risk" || list[1].Name != "lookup_kev" {
		t.Fatalf("list = %+v", list)
	}
	for _, tool := range list {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			t.Errorf("%s schema: %v", tool.Name, err)
		}
	}
	if names := r.Names(); len(names) != 2 || names[0] != "assess_risk" {
		t.Errorf("names = %v", names)
	}
}

func TestRegisterRejectsBadSpecs(t *testing.T) {
	r := NewRegistry(Options{Service: "threat"})
	noop := func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }

	if err := r.Register(Spec{Handler: noop}); err == nil {
		t.Error("nameless spec accepted")
	}
	if err := r.Register(Spec{Name: "lookup_cve"}); err == nil {
		t.Error("handlerless spec accepted")
	}
	if err := r.Register(Spec{Name: "lookup_cve", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Spec{Name: "lookup_cve", Handler: noop}); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestRegistryAuditTrail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := audit.NewLogger(audit.Config{Enabled: true, Output: "file:" + path})
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(Options{Service: "recon", Audit: logger})
	var calls atomic.Int64
	r.MustRegister(echoSpec("scan_ports", &calls))

	env := r.Dispatch(context.Background(), "scan_ports", rawArgs(t, map[string]any{"host": "gw.example.com"}), "sess-9")
	if !env.Ok() {
		t.Fatalf("dispatch: %s", env.Error)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(raw)
	for _, want := range []string{"scan_ports", "sess-9", "success"} {
		if !strings.Contains(line, want) {
			t.Errorf("audit log missing %q: %s", want, line)
		}
	}
}

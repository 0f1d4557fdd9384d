package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Log-LogN/warden/internal/approval"
	"github.com/Log-LogN/warden/internal/audit"
	"github.com/Log-LogN/warden/internal/cache"
	"github.com/Log-LogN/warden/internal/canonical"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/pkg/models"
)

// maxArgsSize caps tool argument payloads.
const maxArgsSize = 1 << 20

// Options wires a Registry to its service's infrastructure. Cache,
// Approval, Audit, and Metrics are each optional; a nil field disables
// that pipeline stage.
type Options struct {
	Service  string
	Cache    cache.Cache
	CacheTTL time.Duration
	Approval *approval.Service
	Audit    *audit.Logger
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Registry holds a service's tools and runs every call through the
// same pipeline: validate, resolve, approve, cache, invoke, envelope.
type Registry struct {
	service  string
	loader   *cache.Loader
	cacheTTL time.Duration
	approval *approval.Service
	audit    *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	specs   map[string]Spec
	schemas map[string]*jsonschema.Schema
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		service:  opts.Service,
		cacheTTL: opts.CacheTTL,
		approval: opts.Approval,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "tools"),
		now:      time.Now,
		specs:    make(map[string]Spec),
		schemas:  make(map[string]*jsonschema.Schema),
	}
	if opts.Cache != nil {
		r.loader = cache.NewLoader(opts.Cache)
	}
	return r
}

// Register adds a tool. The schema is compiled once here so Dispatch
// never pays compilation cost.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tools: spec has no name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tools: %s has no handler", spec.Name)
	}

	schema, err := jsonschema.CompileString(spec.Name+".schema.json", string(spec.Schema()))
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("tools: %s registered twice", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.schemas[spec.Name] = schema
	return nil
}

// MustRegister is Register for static tool tables.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.Register(spec); err != nil {
		panic(err)
	}
}

// List returns tool descriptors sorted by name for tools/list.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.Tool, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, mcp.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs one tool call through the pipeline and always returns
// an envelope: tool-level failures are status "error" results, never
// protocol errors.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, sessionID string) *models.Envelope {
	start := r.now()

	r.mu.RLock()
	spec, ok := r.specs[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return r.finish(ctx, name, nil, sessionID, start, nil, false, nil,
			fault.Validationf("unknown tool %q", name))
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		return r.finish(ctx, name, nil, sessionID, start, nil, false, nil, err)
	}

	// The approval token is transport metadata, not a tool argument;
	// strip it before schema validation.
	token := String(args, approval.ArgField)
	delete(args, approval.ArgField)

	// The token was minted over the args as the caller sent them.
	// Snapshot before defaults and resolution add fields, or the
	// digests can never match.
	var sentArgs map[string]any
	if spec.RequiresApproval {
		sentArgs = make(map[string]any, len(args))
		for k, v := range args {
			sentArgs[k] = v
		}
	}

	spec.applyDefaults(args)
	if err := validateArgs(schema, name, args); err != nil {
		return r.finish(ctx, name, args, sessionID, start, nil, false, nil, err)
	}

	var resolved []models.Resolution
	if spec.Resolver != nil {
		resolved, err = spec.Resolver.Resolve(ctx, name, args)
		if err != nil {
			return r.finish(ctx, name, args, sessionID, start, nil, false, nil, err)
		}
	}

	if spec.RequiresApproval {
		if err := r.checkApproval(ctx, name, sentArgs, sessionID, token); err != nil {
			return r.finish(ctx, name, args, sessionID, start, nil, false, resolved, err)
		}
	}

	data, hit, err := r.execute(ctx, spec, args)
	return r.finish(ctx, name, args, sessionID, start, data, hit, resolved, err)
}

func (r *Registry) checkApproval(ctx context.Context, name string, args map[string]any, sessionID, token string) error {
	if r.approval == nil || !r.approval.Enabled() {
		// Fail closed: a destructive tool without an approval secret
		// configured is never runnable.
		err := &fault.AuthError{Reason: fault.AuthNotConfigured, Msg: "approval is not configured on this server"}
		r.denied(ctx, name, err, sessionID)
		return err
	}
	if err := r.approval.Validate(token, name, args, sessionID); err != nil {
		r.denied(ctx, name, err, sessionID)
		return err
	}
	return nil
}

func (r *Registry) denied(ctx context.Context, name string, err error, sessionID string) {
	reason := "denied"
	if a, ok := fault.IsAuth(err); ok {
		reason = string(a.Reason)
	}
	if r.audit != nil {
		r.audit.Denied(ctx, r.service, name, reason, sessionID)
	}
	if r.metrics != nil {
		r.metrics.ApprovalDenials.WithLabelValues(reason).Inc()
	}
}

// execute runs the handler, through the result cache for read-only
// tools. Identical concurrent calls share one handler run.
func (r *Registry) execute(ctx context.Context, spec Spec, args map[string]any) (json.RawMessage, bool, error) {
	if !spec.ReadOnly || r.loader == nil || spec.CacheTTL < 0 {
		data, err := r.invoke(ctx, spec, args)
		return data, false, err
	}

	digest, err := canonical.ArgsDigest(spec.Name, args)
	if err != nil {
		return nil, false, fmt.Errorf("cache key: %w", err)
	}
	key := r.service + ":" + digest

	ttl := r.cacheTTL
	if spec.CacheTTL > 0 {
		ttl = spec.CacheTTL
	}
	value, hit, err := r.loader.GetOrLoad(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		return r.invoke(ctx, spec, args)
	})
	if err != nil {
		return nil, false, err
	}
	return value, hit, nil
}

func (r *Registry) invoke(ctx context.Context, spec Spec, args map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	out, err := spec.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

// finish builds the envelope and records audit and metrics.
func (r *Registry) finish(ctx context.Context, name string, args map[string]any, sessionID string, start time.Time, data json.RawMessage, hit bool, resolved []models.Resolution, err error) *models.Envelope {
	duration := r.now().Sub(start)

	var env *models.Envelope
	if err != nil {
		env = Failure(r.service, err, duration)
	} else {
		env = Success(r.service, data, duration, hit)
	}
	env.Timestamp = r.now().UTC()
	env.Resolved = resolved

	if err != nil {
		r.logger.Debug("tool call failed", "tool", name, "error", err)
	}

	if r.audit != nil {
		rec := audit.Record{
			Service:   r.service,
			Tool:      name,
			Args:      args,
			Status:    env.Status,
			Duration:  duration,
			CacheHit:  hit,
			RequestID: observability.RequestID(ctx),
			SessionID: sessionID,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		r.audit.ToolCall(ctx, rec)
	}
	if r.metrics != nil {
		r.metrics.ToolCallsTotal.WithLabelValues(r.service, name, env.Status).Inc()
		r.metrics.ToolCallDuration.WithLabelValues(r.service, name).Observe(duration.Seconds())
		if hit {
			r.metrics.CacheHitsTotal.WithLabelValues(r.service, name).Inc()
		} else if err == nil {
			r.metrics.CacheMissesTotal.WithLabelValues(r.service, name).Inc()
		}
	}
	return env
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) > maxArgsSize {
		return nil, fault.Validationf("arguments exceed %d bytes", maxArgsSize)
	}
	args := make(map[string]any)
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fault.Validationf("arguments must be a JSON object: %v", err)
	}
	return args, nil
}

func validateArgs(schema *jsonschema.Schema, name string, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// Round-trip so defaults of any Go type validate as their JSON form.
	payload, err := json.Marshal(args)
	if err != nil {
		return fault.Validationf("encode arguments: %v", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fault.Validationf("decode arguments: %v", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fault.Validationf("invalid arguments for %s: %v", name, err)
	}
	return nil
}

// Package supervisor runs chat turns end to end: route the message to
// an intent, execute the intent's fixed tool plan against the
// specialist fleet, persist the exchange on the session, and render the
// reply. It also serves the /chat HTTP surface.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/approval"
	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/router"
	"github.com/Log-LogN/warden/internal/sessions"
	"github.com/Log-LogN/warden/internal/summarize"
	"github.com/Log-LogN/warden/internal/tools"
	"github.com/Log-LogN/warden/pkg/models"
)

// Caller dispatches one tool call by name. The MCP fleet implements it;
// tests substitute a stub.
type Caller interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (*mcp.CallToolResult, error)
}

// Emitter receives trace events as the turn progresses, in plan order.
// The orchestrator calls it from one goroutine at a time.
type Emitter func(ev models.TraceEvent)

// Options wires an Orchestrator.
type Options struct {
	Fleet     Caller
	Store     sessions.Store
	Compactor *sessions.Compactor
	Approval  *approval.Service
	// Provider polishes replies when it can also rephrase; the
	// deterministic renderers stand alone without it.
	Provider summarize.Provider
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger
	Config   config.SupervisorConfig
}

// Orchestrator executes chat turns. Concurrent turns on one session are
// serialized by a refcounted per-session lock.
type Orchestrator struct {
	fleet     Caller
	store     sessions.Store
	locks     *sessions.Locker
	compactor *sessions.Compactor
	approval  *approval.Service
	rephraser summarize.Rephraser
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	cfgMu sync.RWMutex
	cfg   config.SupervisorConfig
}

// NewOrchestrator builds an orchestrator from its parts.
func NewOrchestrator(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "warden-supervisor"})
	}
	o := &Orchestrator{
		fleet:     opts.Fleet,
		store:     opts.Store,
		locks:     sessions.NewLocker(),
		compactor: opts.Compactor,
		approval:  opts.Approval,
		metrics:   opts.Metrics,
		tracer:    tracer,
		logger:    logger.With("component", "orchestrator"),
		cfg:       opts.Config,
	}
	if r, ok := opts.Provider.(summarize.Rephraser); ok {
		o.rephraser = r
	}
	return o
}

// UpdateConfig applies reloadable supervisor settings. Turns already in
// flight finish under the settings they started with.
func (o *Orchestrator) UpdateConfig(cfg config.SupervisorConfig) {
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
}

func (o *Orchestrator) config() config.SupervisorConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// stepFailure records one failed step for the renderers.
type stepFailure struct {
	Tool   string
	Reason string
}

// turnState accumulates the observable record of one turn. cfg is the
// settings snapshot the whole turn runs under.
type turnState struct {
	cfg       config.SupervisorConfig
	results   Results
	trace     []models.TraceEvent
	toolCalls []models.ToolCallSummary
	failures  []stepFailure
	aborted   *stepFailure
	emit      Emitter
}

func (t *turnState) event(ev models.TraceEvent) {
	t.trace = append(t.trace, ev)
	if t.emit != nil {
		t.emit(ev)
	}
}

func (t *turnState) fail(tool, reason string) {
	t.failures = append(t.failures, stepFailure{Tool: tool, Reason: reason})
}

// Turn handles one chat exchange. Validation problems return a
// fault.ValidationError; everything else lands in the reply and trace.
func (o *Orchestrator) Turn(ctx context.Context, req models.TurnRequest, emit Emitter) (*models.TurnResponse, error) {
	cfg := o.config()
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, fault.Validationf("message is required")
	}
	if cfg.MaxMessageLength > 0 && len(message) > cfg.MaxMessageLength {
		return nil, fault.Validationf("message exceeds the %d character limit", cfg.MaxMessageLength)
	}

	if cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TurnTimeout)
		defer cancel()
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	release, err := o.locks.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	ctx = observability.WithSessionID(ctx, id)

	start := time.Now()
	sess, err := o.store.Load(ctx, id)
	if err != nil {
		o.countTurn("error")
		return nil, fmt.Errorf("load session: %w", err)
	}

	turn := &turnState{cfg: cfg, results: Results{}, emit: emit}

	match := router.Route(message)
	ctx, span := o.tracer.StartTurn(ctx, sess.ID, string(match.Intent))
	defer func() {
		var spanErr error
		if turn.aborted != nil {
			spanErr = fmt.Errorf("critical step %s failed: %s", turn.aborted.Tool, turn.aborted.Reason)
		}
		observability.End(span, spanErr)
	}()
	if o.metrics != nil {
		o.metrics.IntentsTotal.WithLabelValues(string(match.Intent)).Inc()
	}
	turn.event(models.TraceEvent{
		Kind:   models.TraceRoute,
		Detail: detail(map[string]any{"intent": match.Intent, "entities": match.Entities}),
	})

	plan := BuildPlan(match, message, sess)
	o.logger.Debug("turn planned",
		"session_id", sess.ID, "intent", match.Intent, "steps", plan.StepCount())

	var reply string
	switch {
	case plan.Ask != "":
		reply = plan.Ask
	case plan.Destructive() && !req.Approve:
		turn.event(models.TraceEvent{
			Kind:   models.TraceError,
			Detail: detail(map[string]any{"error": "approval required"}),
		})
		reply = approvalRequired(plan)
	default:
		o.runPlan(ctx, plan, turn, sess.ID)
		o.appendArtifact(ctx, plan, turn, sess)
		reply = o.render(ctx, plan, match, message, turn, sess)
	}

	turn.event(models.TraceEvent{
		Kind:   models.TraceReply,
		Detail: detail(map[string]any{"text": reply, "agent": plan.Agent}),
	})

	updated, err := o.store.AppendTurn(ctx, sess.ID,
		models.Message{Role: models.RoleUser, Content: message},
		models.Message{Role: models.RoleAssistant, Content: reply},
	)
	if err != nil {
		o.logger.Warn("append turn failed", "session_id", sess.ID, "error", err)
	} else {
		o.compact(ctx, updated)
	}

	o.countTurn("ok")
	if o.metrics != nil {
		o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}
	o.logger.Info("turn finished",
		"session_id", sess.ID,
		"intent", match.Intent,
		"agent", plan.Agent,
		"tool_calls", len(turn.toolCalls),
		"duration_ms", time.Since(start).Milliseconds())

	resp := &models.TurnResponse{
		Output:    reply,
		AgentUsed: plan.Agent,
		SessionID: sess.ID,
		ToolCalls: turn.toolCalls,
		Trace:     turn.trace,
	}
	if resp.ToolCalls == nil {
		resp.ToolCalls = []models.ToolCallSummary{}
	}
	return resp, nil
}

func (o *Orchestrator) countTurn(status string) {
	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(status).Inc()
	}
}

// runPlan executes the stages in order. A failed critical step aborts
// the remaining stages; other failures are recorded and the plan goes
// on with partial results.
func (o *Orchestrator) runPlan(ctx context.Context, plan *Plan, turn *turnState, sessionID string) {
	base := 0
	for _, stage := range plan.Stages {
		outcomes := o.runStage(ctx, stage, turn, sessionID, base)

		var critical *stepFailure
		for i := range stage.Steps {
			step := &stage.Steps[i]
			out := outcomes[i]
			stepNo := base + i + 1
			durMS := out.duration.Milliseconds()

			if out.err != nil {
				reason := summarize.Truncate(out.err.Error(), 200)
				turn.fail(step.Tool, reason)
				turn.toolCalls = append(turn.toolCalls, models.ToolCallSummary{
					Tool: step.Tool, Status: models.StatusError, DurationMS: durMS,
				})
				turn.event(models.TraceEvent{
					Kind: models.TraceToolResult, Step: stepNo, Tool: step.Tool,
					Detail:     detail(map[string]any{"status": models.StatusError, "error": reason}),
					DurationMS: durMS,
				})
				if step.Critical && critical == nil {
					critical = &stepFailure{Tool: step.Tool, Reason: reason}
				}
				continue
			}

			env := out.env
			for _, res := range env.Resolved {
				turn.event(models.TraceEvent{
					Kind: models.TraceParameterResolved, Step: stepNo, Tool: step.Tool,
					Detail: detail(res),
				})
			}
			turn.toolCalls = append(turn.toolCalls, models.ToolCallSummary{
				Tool: step.Tool, Status: env.Status, DurationMS: durMS, CacheHit: env.Cache.Hit,
			})
			if env.Ok() {
				turn.results[step.Tool] = tools.Normalize(env.Data)
				turn.event(models.TraceEvent{
					Kind: models.TraceToolResult, Step: stepNo, Tool: step.Tool,
					Detail: detail(map[string]any{
						"status": env.Status, "data": turn.results[step.Tool], "cache_hit": env.Cache.Hit,
					}),
					DurationMS: durMS,
				})
				continue
			}

			reason := summarize.Truncate(env.Error, 200)
			turn.fail(step.Tool, reason)
			turn.event(models.TraceEvent{
				Kind: models.TraceToolResult, Step: stepNo, Tool: step.Tool,
				Detail:     detail(map[string]any{"status": env.Status, "error": reason}),
				DurationMS: durMS,
			})
			if step.Critical && critical == nil {
				critical = &stepFailure{Tool: step.Tool, Reason: reason}
			}
		}

		base += len(stage.Steps)
		if critical != nil {
			turn.aborted = critical
			turn.event(models.TraceEvent{
				Kind:   models.TraceError,
				Tool:   critical.Tool,
				Detail: detail(map[string]any{"error": fmt.Sprintf("critical step %s failed: %s", critical.Tool, critical.Reason)}),
			})
			return
		}
	}
}

type outcome struct {
	env      *models.Envelope
	err      error
	duration time.Duration
}

// runStage announces every step first so the trace stays in plan order,
// then runs the calls with bounded concurrency.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, turn *turnState, sessionID string, base int) []outcome {
	prepared := make([]map[string]any, len(stage.Steps))
	for i, step := range stage.Steps {
		args := cloneArgs(step.Args)
		if step.Prepare != nil {
			step.Prepare(turn.results, args)
		}
		prepared[i] = args
		turn.event(models.TraceEvent{
			Kind: models.TraceToolCall, Step: base + i + 1, Tool: step.Tool,
			Detail: detail(map[string]any{"args": args}),
		})
	}

	limit := turn.cfg.MaxParallelSteps
	if limit <= 0 {
		limit = 4
	}
	sem := make(chan struct{}, limit)
	outcomes := make([]outcome, len(stage.Steps))

	var wg sync.WaitGroup
	for i := range stage.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			outcomes[i] = o.callStep(ctx, &stage.Steps[i], prepared[i], sessionID)
		}(i)
	}
	wg.Wait()
	return outcomes
}

// callStep dispatches one tool call. Destructive steps get their
// approval token minted here, immediately before dispatch, over the
// exact argument set being sent.
func (o *Orchestrator) callStep(ctx context.Context, step *Step, args map[string]any, sessionID string) outcome {
	if step.Destructive {
		if o.approval == nil {
			return outcome{err: errors.New("approval is not configured")}
		}
		token, err := o.approval.Issue(step.Tool, args, sessionID)
		if err != nil {
			return outcome{err: fmt.Errorf("issue approval token: %w", err)}
		}
		args = cloneArgs(args)
		args[approval.ArgField] = token
	}

	var service string
	if sf, ok := o.fleet.(interface{ ServiceFor(string) string }); ok {
		service = sf.ServiceFor(step.Tool)
	}
	ctx, span := o.tracer.StartToolCall(ctx, service, step.Tool)

	start := time.Now()
	res, err := o.fleet.CallTool(ctx, step.Tool, args)
	duration := time.Since(start)
	observability.End(span, err)
	if err != nil {
		o.logger.Warn("tool call failed", "tool", step.Tool, "error", err)
		return outcome{err: err, duration: duration}
	}
	env, err := res.Envelope()
	if err != nil {
		return outcome{err: err, duration: duration}
	}
	return outcome{env: env, duration: duration}
}

func (o *Orchestrator) appendArtifact(ctx context.Context, plan *Plan, turn *turnState, sess *models.Session) {
	if plan.BuildArtifact == nil {
		return
	}
	typ, payload, ok := plan.BuildArtifact(turn.results)
	if !ok {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("encode artifact failed", "type", typ, "error", err)
		return
	}
	artifact := models.Artifact{Type: typ, Payload: raw}
	if err := o.store.AppendArtifact(ctx, sess.ID, artifact); err != nil {
		o.logger.Warn("append artifact failed", "session_id", sess.ID, "error", err)
		return
	}
	// Keep the loaded view current for the renderers.
	sess.Artifacts = append(sess.Artifacts, artifact)
}

func (o *Orchestrator) compact(ctx context.Context, sess *models.Session) {
	if o.compactor == nil || !o.compactor.Needed(sess) {
		return
	}
	changed, err := o.compactor.Compact(ctx, sess)
	if err != nil {
		o.logger.Warn("compaction failed", "session_id", sess.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := o.store.Save(ctx, sess); err != nil {
		o.logger.Warn("save compacted session failed", "session_id", sess.ID, "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.CompactionsTotal.Inc()
	}
	o.logger.Info("session compacted",
		"session_id", sess.ID, "text_size", sess.TextSize(), "messages", len(sess.History))
}

func approvalRequired(plan *Plan) string {
	tool := "this operation"
	for _, stage := range plan.Stages {
		for _, step := range stage.Steps {
			if step.Destructive {
				tool = step.Tool
				break
			}
		}
	}
	return fmt.Sprintf("Approval required: %s changes external state. Resend the request with \"approve\": true to run it.", tool)
}

func detail(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

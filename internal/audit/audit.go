// Package audit records tool invocations, approval decisions, retries, and
// compactions as structured append-only log entries. Arguments are masked
// before they reach the log: any string longer than the configured threshold
// is middle-redacted so secrets never land on disk in full.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/observability"
)

// EventType categorizes audit events.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolDenied     EventType = "tool.denied"
	EventToolRetry      EventType = "tool.retry"
	EventSessionCompact EventType = "session.compact"
	EventTurn           EventType = "turn.completed"
)

// Level is audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Level     Level          `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Service   string         `json:"service,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Action    string         `json:"action"`
	Status    string         `json:"status,omitempty"`
	CacheHit  bool           `json:"cache_hit,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// Record is the per-invocation audit record the dispatch pipeline emits.
type Record struct {
	Service   string
	Tool      string
	Args      map[string]any
	Status    string
	Duration  time.Duration
	CacheHit  bool
	RequestID string
	SessionID string
	Error     string
}

// Config configures the audit logger.
type Config struct {
	Enabled bool
	Level   Level
	// Output: "stdout", "stderr", or "file:/path/to/audit.log".
	Output string
	// MaskThreshold middle-redacts argument strings longer than this.
	// Zero uses DefaultMaskThreshold.
	MaskThreshold int
	// SampleRate in (0,1]; 1.0 logs every event.
	SampleRate    float64
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultMaskThreshold is the string length above which argument values are
// middle-redacted.
const DefaultMaskThreshold = 32

// Logger writes audit events asynchronously through a buffered channel so
// the dispatch path never blocks on log IO.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLogger opens the configured output and starts the async writer. A
// disabled config returns a logger whose methods are all no-ops.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaskThreshold == 0 {
		config.MaskThreshold = DefaultMaskThreshold
	}
	if config.Level == "" {
		config.Level = LevelInfo
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout":
		output = os.Stdout
	case config.Output == "stderr" || config.Output == "":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}
	l.slogger = slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: l.slogLevel(),
	})).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log writes one audit event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate { // #nosec G404 -- sampling does not need crypto randomness
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full: write inline instead of dropping.
		l.writeEvent(event)
	}
}

// ToolCall records one completed tool invocation. Arguments are masked here
// so callers can pass them as dispatched.
func (l *Logger) ToolCall(ctx context.Context, rec Record) {
	level := LevelInfo
	if rec.Status != "success" {
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:      EventToolInvocation,
		Level:     level,
		RequestID: rec.RequestID,
		SessionID: rec.SessionID,
		Service:   rec.Service,
		Tool:      rec.Tool,
		Action:    "tool_invoked",
		Status:    rec.Status,
		CacheHit:  rec.CacheHit,
		Duration:  rec.Duration,
		Args:      MaskArgs(rec.Args, l.config.MaskThreshold),
		Error:     rec.Error,
	})
}

// Denied records a tool call rejected before invocation, typically for a
// missing or invalid approval token.
func (l *Logger) Denied(ctx context.Context, service, tool, reason, sessionID string) {
	l.Log(ctx, &Event{
		Type:      EventToolDenied,
		Level:     LevelWarn,
		SessionID: sessionID,
		Service:   service,
		Tool:      tool,
		Action:    "tool_denied",
		Details:   map[string]any{"reason": reason},
	})
}

// Retry records one retry attempt against an upstream.
func (l *Logger) Retry(ctx context.Context, source string, attempt int, err error) {
	event := &Event{
		Type:    EventToolRetry,
		Level:   LevelWarn,
		Service: source,
		Action:  "upstream_retry",
		Details: map[string]any{"attempt": attempt},
	}
	if err != nil {
		event.Error = err.Error()
	}
	l.Log(ctx, event)
}

// Compaction records a session compaction with before/after sizes.
func (l *Logger) Compaction(ctx context.Context, sessionID string, beforeMsgs, afterMsgs, beforeChars, afterChars int) {
	l.Log(ctx, &Event{
		Type:      EventSessionCompact,
		Level:     LevelInfo,
		SessionID: sessionID,
		Action:    "session_compacted",
		Details: map[string]any{
			"messages_before": beforeMsgs,
			"messages_after":  afterMsgs,
			"chars_before":    beforeChars,
			"chars_after":     afterChars,
		},
	})
}

// Turn records one completed chat turn.
func (l *Logger) Turn(ctx context.Context, sessionID, intent, status string, duration time.Duration) {
	l.Log(ctx, &Event{
		Type:      EventTurn,
		Level:     LevelInfo,
		SessionID: sessionID,
		Action:    "turn_completed",
		Status:    status,
		Duration:  duration,
		Details:   map[string]any{"intent": intent},
	})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.Service != "" {
		attrs = append(attrs, "service", event.Service)
	}
	if event.Tool != "" {
		attrs = append(attrs, "tool", event.Tool)
	}
	if event.Status != "" {
		attrs = append(attrs, "status", event.Status)
	}
	if event.Type == EventToolInvocation {
		attrs = append(attrs, "cache_hit", event.CacheHit)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if len(event.Args) > 0 {
		attrs = append(attrs, "args", event.Args)
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskArgs returns a copy of args with every string longer than threshold
// middle-redacted to its first and last four characters. Nested maps and
// slices are masked recursively; non-string values pass through.
func MaskArgs(args map[string]any, threshold int) map[string]any {
	if args == nil {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultMaskThreshold
	}
	masked := make(map[string]any, len(args))
	for k, v := range args {
		masked[k] = maskValue(v, threshold)
	}
	return masked
}

func maskValue(v any, threshold int) any {
	switch t := v.(type) {
	case string:
		return MaskString(t, threshold)
	case map[string]any:
		return MaskArgs(t, threshold)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = maskValue(e, threshold)
		}
		return out
	default:
		return v
	}
}

// MaskString middle-redacts s when it is longer than threshold, keeping the
// first and last four characters: "ghp_abcdefgh...wxyz" style.
func MaskString(s string, threshold int) string {
	r := []rune(s)
	if len(r) <= threshold {
		return s
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}

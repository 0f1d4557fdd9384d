// Package observability wires structured logging, Prometheus metrics, and
// optional OTLP tracing for every warden process.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level: "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Format: "json" (default) or "text".
	Format string
	// Output defaults to os.Stderr so stdout stays free for CLI output.
	Output io.Writer
	// RedactPatterns extend the built-in secret redaction regexes.
	RedactPatterns []string
}

type contextKey string

const (
	// RequestIDKey carries the per-request id through handlers and tools.
	RequestIDKey contextKey = "request_id"
	// SessionIDKey carries the session id of the active turn.
	SessionIDKey contextKey = "session_id"
	// ServiceKey names the process: supervisor or a specialist.
	ServiceKey contextKey = "service"
)

// defaultRedactPatterns cover the secrets this system handles: API keys,
// bearer values, and compact JWTs (approval tokens).
var defaultRedactPatterns = []string{
	`(?i)(api[_-]?key|secret|password|token)[\s:=]+["']?[^\s"',}]{8,}["']?`,
	`(?i)bearer\s+[a-zA-Z0-9_\-.]{16,}`,
	`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`,
	`sk-[a-zA-Z0-9_-]{20,}`,
}

// Logger is a slog.Logger with secret redaction and context correlation.
// Redaction and correlation live in the handler, so the plain slog view
// from Slog carries them too.
type Logger struct {
	base    *slog.Logger
	level   *slog.LevelVar
	redacts []*regexp.Regexp
}

// NewLogger builds the process logger. Invalid or empty settings fall back
// to info-level JSON on stderr.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append(append([]string(nil), defaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	wrapped := &ctxHandler{inner: handler, redacts: redacts}
	return &Logger{base: slog.New(wrapped), level: level, redacts: redacts}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Slog exposes the logger under the standard interface for components
// that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.base }

// SetLevel changes the minimum level at runtime. Config hot reload uses
// this; every derived logger follows.
func (l *Logger) SetLevel(level string) {
	if l.level != nil {
		l.level.Set(parseLevel(level))
	}
}

// With returns a logger with fixed attributes, typically a component name:
//
//	log := logger.With("component", "router")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...), level: l.level, redacts: l.redacts}
}

// Debug logs at debug level with context correlation fields.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation fields.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation fields.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation fields.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.base.Log(ctx, slog.LevelError, msg, args...)
}

// Redact applies the secret patterns to s.
func (l *Logger) Redact(s string) string {
	return redactWith(l.redacts, s)
}

func redactWith(redacts []*regexp.Regexp, s string) string {
	for _, re := range redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// ctxHandler redacts string values and appends the correlation ids
// stored in the context to every record.
type ctxHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *ctxHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ctxHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, redactWith(h.redacts, rec.Message), rec.PC)
	if v := RequestID(ctx); v != "" {
		out.AddAttrs(slog.String("request_id", v))
	}
	if v := SessionID(ctx); v != "" {
		out.AddAttrs(slog.String("session_id", v))
	}
	if v, ok := ctx.Value(ServiceKey).(string); ok && v != "" {
		out.AddAttrs(slog.String("service", v))
	}
	if v := GetTraceID(ctx); v != "" {
		out.AddAttrs(slog.String("trace_id", v), slog.String("span_id", GetSpanID(ctx)))
	}
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *ctxHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redactWith(h.redacts, a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, redactWith(h.redacts, err.Error()))
		}
	}
	return a
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = h.redactAttr(a)
	}
	return &ctxHandler{inner: h.inner.WithAttrs(out), redacts: h.redacts}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

// WithRequestID stores a request id in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithSessionID stores a session id in the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// WithService stores the service name in the context.
func WithService(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ServiceKey, name)
}

// RequestID returns the request id from the context, or "".
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

// SessionID returns the session id from the context, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

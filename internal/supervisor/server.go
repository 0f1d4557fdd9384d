package supervisor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/ratelimit"
	"github.com/Log-LogN/warden/internal/sessions"
	"github.com/Log-LogN/warden/pkg/models"
)

// maxChatBody caps /chat request bodies.
const maxChatBody = 1 << 20

// Server is the supervisor HTTP API: chat, streaming chat, session
// history, health, and metrics.
type Server struct {
	orch    *Orchestrator
	fleet   *mcp.Fleet
	store   sessions.Store
	metrics *observability.Metrics
	limiter *ratelimit.Limiter
	apiKey  string
	version string
	logger  *slog.Logger
}

// ServerOptions wires a Server.
type ServerOptions struct {
	Orchestrator *Orchestrator
	Fleet        *mcp.Fleet
	Store        sessions.Store
	Metrics      *observability.Metrics
	Config       config.SupervisorConfig
	Version      string
	Logger       *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:    opts.Orchestrator,
		fleet:   opts.Fleet,
		store:   opts.Store,
		metrics: opts.Metrics,
		limiter: ratelimit.NewLimiter(opts.Config.RateLimitPerMinute),
		apiKey:  opts.Config.APIKey,
		version: opts.Version,
		logger:  logger.With("component", "api"),
	}
}

// UpdateRateLimit swaps the per-client request budget at runtime.
func (s *Server) UpdateRateLimit(perMinute int) {
	s.limiter.SetLimit(perMinute)
}

// Handler builds the routed handler with middleware applied. Health and
// metrics stay open; everything else needs the API key.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /chat", s.authenticate(s.limit(http.HandlerFunc(s.handleChat))))
	mux.Handle("POST /chat/stream", s.authenticate(s.limit(http.HandlerFunc(s.handleChatStream))))
	mux.Handle("GET /chat/history/{session_id}", s.authenticate(http.HandlerFunc(s.handleHistory)))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.requestLog(mux)
}

// Run serves on addr until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("supervisor listening", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)

	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.orch.Turn(r.Context(), req, nil)
	if err != nil {
		if fault.IsValidation(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("turn failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleChatStream runs the turn with live SSE events: start, then
// tool_call/tool_result/parameter_resolved as they happen, output for
// the reply, final_output with the whole response, and end.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)

	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// Allocate the id here so the start event can carry it.
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeSSE(w, flusher, "start", map[string]any{"session_id": req.SessionID})

	emit := func(ev models.TraceEvent) {
		switch ev.Kind {
		case models.TraceToolCall, models.TraceToolResult, models.TraceParameterResolved:
			writeSSE(w, flusher, string(ev.Kind), ev)
		case models.TraceReply:
			writeSSE(w, flusher, "output", ev)
		}
	}

	resp, err := s.orch.Turn(r.Context(), req, emit)
	if err != nil {
		msg := "internal error"
		if fault.IsValidation(err) {
			msg = err.Error()
		} else {
			s.logger.Error("turn failed", "error", err)
		}
		writeSSE(w, flusher, "error", map[string]any{"error": msg})
		writeSSE(w, flusher, "end", map[string]any{"session_id": req.SessionID})
		return
	}
	writeSSE(w, flusher, "final_output", resp)
	writeSSE(w, flusher, "end", map[string]any{"session_id": resp.SessionID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	sess, err := s.store.History(r.Context(), id)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("history lookup failed", "session_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, models.HistoryResponse{
		SessionID: sess.ID,
		Summary:   sess.Summary,
		Messages:  sess.History,
		Artifacts: sess.Artifacts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	statuses := s.fleet.Status()
	state := "ok"
	for _, st := range statuses {
		if !st.Reachable {
			state = "degraded"
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      state,
		"version":     s.version,
		"specialists": statuses,
	})
}

// authenticate checks X-API-Key. An empty configured key disables the
// check. Missing key is 401, wrong key 403.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				s.writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				s.writeError(w, http.StatusForbidden, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.limiter.Allow(clientKey(r))
		if !ok {
			if s.metrics != nil {
				s.metrics.RateLimitedTotal.Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(wait)))
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets by API key when one is presented, else by remote IP.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// requestLog attaches request identity to the context, emits one log
// line per request, and turns panics that escape before the first write
// into a 500.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)

		sw := &statusWriter{ResponseWriter: w}
		w.Header().Set("X-Request-ID", requestID)

		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("request panic",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"panic", v)
				if !sw.wrote {
					s.writeError(sw, http.StatusInternalServerError, "internal error")
				}
			}
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", requestID)
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))
	})
}

// statusWriter records the status code without touching the body and
// forwards Flush so SSE responses are not buffered.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeSSE(w io.Writer, flusher http.Flusher, event string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

package mcpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
)

// statusWriter records the status code without touching the body and
// forwards Flush so streaming responses are not buffered.
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

// Middleware attaches request identity to the context, emits one log
// line per request, and turns panics that escape before the first write
// into a JSON-RPC internal error.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			sessionID := r.Header.Get("X-Session-ID")
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session_id")
			}

			ctx := observability.WithRequestID(r.Context(), requestID)
			if sessionID != "" {
				ctx = observability.WithSessionID(ctx, sessionID)
			}

			sw := &statusWriter{ResponseWriter: w}
			w.Header().Set("X-Request-ID", requestID)

			defer func() {
				if v := recover(); v != nil {
					logger.Error("request panic",
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", requestID,
						"panic", v)
					if !sw.wrote {
						writeInternalError(sw)
					}
				}
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", requestID,
					"session_id", sessionID)
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

func writeInternalError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&mcp.Response{
		JSONRPC: "2.0",
		Error:   &mcp.RPCError{Code: mcp.CodeInternalError, Message: "internal error"},
	})
}

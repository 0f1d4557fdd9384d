package mcpserver

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Log-LogN/warden/internal/observability"
)

func TestMiddlewareRequestIdentity(t *testing.T) {
	var gotRequestID, gotSessionID string
	handler := Middleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRequestID = observability.RequestID(r.Context())
		gotSessionID = observability.SessionID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("generates request id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		if gotRequestID == "" {
			t.Error("no request id in context")
		}
		if rec.Header().Get("X-Request-ID") != gotRequestID {
			t.Errorf("header %q != context %q", rec.Header().Get("X-Request-ID"), gotRequestID)
		}
	})

	t.Run("keeps caller request id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Request-ID", "req-7")
		req.Header.Set("X-Session-ID", "sess-7")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if gotRequestID != "req-7" || gotSessionID != "sess-7" {
			t.Errorf("ids = %q, %q", gotRequestID, gotSessionID)
		}
	})

	t.Run("session id from query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/?session_id=sess-q", nil)
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if gotSessionID != "sess-q" {
			t.Errorf("session id = %q", gotSessionID)
		}
	})

	t.Run("header wins over query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/?session_id=sess-q", nil)
		req.Header.Set("X-Session-ID", "sess-h")
		handler.ServeHTTP(httptest.NewRecorder(), req)
		if gotSessionID != "sess-h" {
			t.Errorf("session id = %q", gotSessionID)
		}
	})
}

func TestMiddlewareAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set("X-Session-ID", "sess-log")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line %q: %v", buf.String(), err)
	}
	if line["method"] != "GET" || line["path"] != "/missing" {
		t.Errorf("line = %v", line)
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Errorf("status = %v", line["status"])
	}
	if line["session_id"] != "sess-log" {
		t.Errorf("session_id = %v", line["session_id"])
	}
	if _, ok := line["duration_ms"]; !ok {
		t.Error("no duration recorded")
	}
	if line["request_id"] == "" {
		t.Error("no request id recorded")
	}
}

func TestMiddlewarePanicBeforeWrite(t *testing.T) {
	handler := Middleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "-32603") {
		t.Errorf("body = %q, want internal error", rec.Body.String())
	}
}

func TestMiddlewarePanicAfterWrite(t *testing.T) {
	handler := Middleware(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
		panic("after write")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	// The original response is preserved; no second body is appended.
	if !strings.Contains(rec.Body.String(), `"result"`) || strings.Contains(rec.Body.String(), "-32603") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestStatusWriterFlushPassthrough(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}

	var _ http.Flusher = sw
	sw.Flush()
	if !rec.Flushed {
		t.Error("flush not forwarded")
	}
}

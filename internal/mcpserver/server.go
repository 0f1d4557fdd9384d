// Package mcpserver exposes a tool registry as an MCP endpoint:
// JSON-RPC 2.0 at POST /, JSON or SSE responses by content negotiation,
// and a health probe at GET /health.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Log-LogN/warden/internal/mcp"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/tools"
)

// maxBodySize caps JSON-RPC request bodies.
const maxBodySize = 4 << 20

// Server serves one specialist's tools.
type Server struct {
	service  string
	version  string
	registry *tools.Registry
	logger   *slog.Logger
}

func New(service, version string, registry *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:  service,
		version:  version,
		registry: registry,
		logger:   logger.With("component", "mcpserver", "service", service),
	}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /health", s.handleHealth)
	return Middleware(s.logger)(mux)
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
	s.logger.Info("mcp server listening", "addr", listener.Addr().String())

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

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, r, rpcError(nil, mcp.CodeParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.respond(w, r, rpcError(req.ID, mcp.CodeInvalidRequest, "invalid request"))
		return
	}

	// Notifications get no response body.
	if strings.HasPrefix(req.Method, "notifications/") {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	s.respond(w, r, s.dispatch(r.Context(), &req))
}

// dispatch routes one decoded request. A panicking tool handler becomes
// a -32603 response instead of tearing down the connection.
func (s *Server) dispatch(ctx context.Context, req *mcp.Request) (resp *mcp.Response) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("rpc handler panic", "rpc_method", req.Method, "panic", v)
			resp = rpcError(req.ID, mcp.CodeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return result(req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      mcp.ServerInfo{Name: "warden-" + s.service, Version: s.version},
		})

	case "ping":
		return result(req.ID, struct{}{})

	case "tools/list":
		return result(req.ID, mcp.ListToolsResult{Tools: s.registry.List()})

	case "tools/call":
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return rpcError(req.ID, mcp.CodeInvalidParams, "invalid params")
		}
		if params.Name == "" {
			return rpcError(req.ID, mcp.CodeInvalidParams, "tool name required")
		}

		// Unknown tools and bad arguments travel as error envelopes in a
		// successful response, never as protocol errors.
		env := s.registry.Dispatch(ctx, params.Name, params.Arguments, observability.SessionID(ctx))
		payload, err := json.Marshal(env)
		if err != nil {
			return rpcError(req.ID, mcp.CodeInternalError, "encode envelope")
		}
		return result(req.ID, mcp.CallToolResult{
			Content: []mcp.ResultContent{{Type: "text", Text: string(payload)}},
			IsError: !env.Ok(),
		})

	default:
		return rpcError(req.ID, mcp.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"service": s.service,
		"tools":   len(s.registry.Names()),
	})
}

// respond writes resp as SSE when the client negotiated an event stream,
// otherwise as a single JSON body. RPC-level failures stay HTTP 200 so
// clients read the error object instead of retrying blindly.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, resp *mcp.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}

	if wantsEventStream(r) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func result(id any, v any) *mcp.Response {
	payload, err := json.Marshal(v)
	if err != nil {
		return rpcError(id, mcp.CodeInternalError, "encode result")
	}
	return &mcp.Response{JSONRPC: "2.0", ID: id, Result: payload}
}

func rpcError(id any, code int, msg string) *mcp.Response {
	return &mcp.Response{JSONRPC: "2.0", ID: id, Error: &mcp.RPCError{Code: code, Message: msg}}
}

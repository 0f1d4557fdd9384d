package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/fault"
	"github.com/Log-LogN/warden/internal/observability"
	"github.com/Log-LogN/warden/internal/retry"
)

const clientName = "warden"

// Client speaks JSON-RPC 2.0 to a single tool server over streamable
// HTTP. Transient failures (network, 429, 5xx) are retried with backoff;
// 4xx responses and JSON-RPC error objects surface immediately. Safe
// for concurrent use.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	policy  retry.Policy
	logger  *slog.Logger
}

// NewClient builds a client for one server endpoint. The timeout bounds
// each HTTP attempt; retries run inside the caller's context.
func NewClient(name, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		policy:  retry.Default(),
		logger:  logger.With("server", name),
	}
}

func (c *Client) Name() string    { return c.name }
func (c *Client) BaseURL() string { return c.baseURL }

// Call sends one JSON-RPC request and returns the raw result, retrying
// transient failures under the client's backoff policy.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	return retry.DoWithValue(ctx, c.policy, func(ctx context.Context) (json.RawMessage, error) {
		return c.roundTrip(ctx, method, raw)
	})
}

func (c *Client) roundTrip(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	// Correlation travels as headers; the session id must reach the
	// server because approval tokens are bound to it.
	if sid := observability.SessionID(ctx); sid != "" {
		httpReq.Header.Set("X-Session-ID", sid)
	}
	if rid := observability.RequestID(ctx); rid != "" {
		httpReq.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &fault.UpstreamError{Source: c.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &fault.UpstreamError{
			Source:     c.name,
			Status:     resp.StatusCode,
			RetryAfter: retryAfterSeconds(resp),
			Err:        fmt.Errorf("%s %s", method, resp.Status),
		}
	}

	var rpcResp Response
	if isEventStream(resp) {
		rpcResp, err = decodeSSEResponse(resp.Body)
	} else {
		err = json.NewDecoder(resp.Body).Decode(&rpcResp)
	}
	if err != nil {
		return nil, &fault.UpstreamError{Source: c.name, Err: fmt.Errorf("decode response: %w", err)}
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return secs
		}
	}
	return 0
}

// decodeSSEResponse reads a streamable-HTTP response: the server emits
// the JSON-RPC response as a single SSE message and closes the stream.
func decodeSSEResponse(body io.Reader) (Response, error) {
	var resp Response
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return resp, fmt.Errorf("decode sse data: %w", err)
		}
		return resp, nil
	}
	if err := scanner.Err(); err != nil {
		return resp, err
	}
	return resp, fmt.Errorf("event stream closed without a response")
}

// Initialize performs the MCP handshake and returns the server's info.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	result, err := c.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": "1.0.0",
		},
	})
	if err != nil {
		return nil, err
	}
	var init InitializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	return &init, nil
}

// ListTools fetches the server's tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var list ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return list.Tools, nil
}

// CallTool invokes one tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := CallToolParams{Name: name}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = data
	}

	result, err := c.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var call CallToolResult
	if err := json.Unmarshal(result, &call); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &call, nil
}

// Ping checks liveness over the RPC surface.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, "ping", nil)
	return err
}

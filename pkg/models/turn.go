package models

import "encoding/json"

// TurnRequest is the body of POST /chat.
type TurnRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	// Approve authorizes destructive steps in this turn. Without it the
	// supervisor stops a gated plan and asks for approval.
	Approve bool `json:"approve,omitempty"`
}

// TurnResponse is the body of a completed /chat turn.
type TurnResponse struct {
	Output    string            `json:"output"`
	AgentUsed string            `json:"agent_used"`
	SessionID string            `json:"session_id"`
	ToolCalls []ToolCallSummary `json:"tool_calls"`
	Trace     []TraceEvent      `json:"trace"`
}

// ToolCallSummary is the compact per-step record returned to the caller.
type ToolCallSummary struct {
	Tool       string `json:"tool"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	CacheHit   bool   `json:"cache_hit"`
}

// TraceKind tags a trace event.
type TraceKind string

const (
	TraceRoute             TraceKind = "route"
	TraceToolCall          TraceKind = "tool_call"
	TraceToolResult        TraceKind = "tool_result"
	TraceParameterResolved TraceKind = "parameter_resolved"
	TraceReply             TraceKind = "reply"
	TraceError             TraceKind = "error"
)

// TraceEvent is one record in the stepwise trace returned with every turn.
// Detail holds kind-specific fields (intent, tool args digest, resolved
// value, error text).
type TraceEvent struct {
	Kind       TraceKind       `json:"kind"`
	Step       int             `json:"step,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// HistoryResponse is the body of GET /chat/history/{session_id}.
type HistoryResponse struct {
	SessionID string     `json:"session_id"`
	Summary   string     `json:"summary,omitempty"`
	Messages  []Message  `json:"messages"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

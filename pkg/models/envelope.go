package models

import (
	"encoding/json"
	"time"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// CacheMeta reports whether the result came from the tool-result cache.
type CacheMeta struct {
	Hit bool `json:"hit"`
}

// Resolution records one parameter the resolver filled in, with a
// one-line reason the user can read back.
type Resolution struct {
	Tool   string `json:"tool"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
	Reason string `json:"reason"`
}

// Envelope is the uniform result wrapper every tool call returns,
// carried as the text content of a tools/call response. Tool failures
// travel as status "error" inside a successful JSON-RPC response;
// protocol failures use JSON-RPC error objects instead.
type Envelope struct {
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	DurationMS int64           `json:"duration_ms"`
	Cache      CacheMeta       `json:"cache"`
	Resolved   []Resolution    `json:"resolved,omitempty"`
}

// Ok reports whether the envelope carries a successful result.
func (e *Envelope) Ok() bool { return e.Status == StatusSuccess }

package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session's conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Name      string    `json:"name,omitempty"`
	CallID    string    `json:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactType tags the kind of structured record a tool produced.
type ArtifactType string

const (
	ArtifactRisk            ArtifactType = "risk"
	ArtifactAdvisory        ArtifactType = "advisory"
	ArtifactDependencyScan  ArtifactType = "dependency_scan"
	ArtifactDomain          ArtifactType = "domain"
	ArtifactReporting       ArtifactType = "reporting"
	ArtifactSessionAnalysis ArtifactType = "session_analysis"
)

// Artifact is an immutable record appended to a session by a tool call.
// It carries the session id as data only; there is no back-pointer.
type Artifact struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      ArtifactType    `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session holds one conversation: ordered history, append-only artifacts,
// and a rolling summary produced by compaction.
type Session struct {
	ID        string     `json:"id"`
	Summary   string     `json:"summary,omitempty"`
	History   []Message  `json:"history"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TextSize returns the character count of summary plus history contents.
// Compaction keeps this under the configured budget.
func (s *Session) TextSize() int {
	total := len(s.Summary)
	for _, m := range s.History {
		total += len(m.Content)
	}
	return total
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Message, len(s.History))
	copy(out.History, s.History)
	out.Artifacts = make([]Artifact, len(s.Artifacts))
	for i, a := range s.Artifacts {
		out.Artifacts[i] = a
		if a.Payload != nil {
			out.Artifacts[i].Payload = append(json.RawMessage(nil), a.Payload...)
		}
	}
	return &out
}

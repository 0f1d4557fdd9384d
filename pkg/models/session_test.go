package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSessionTextSize(t *testing.T) {
	s := &Session{
		Summary: "12345",
		History: []Message{
			{Role: RoleUser, Content: "abc"},
			{Role: RoleAssistant, Content: "defg"},
		},
	}
	if got := s.TextSize(); got != 12 {
		t.Errorf("TextSize() = %d, want 12", got)
	}
}

func TestSessionClone(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:      "sess-1",
		Summary: "summary",
		History: []Message{{Role: RoleUser, Content: "hello", CreatedAt: now}},
		Artifacts: []Artifact{{
			ID:        "art-1",
			SessionID: "sess-1",
			Type:      ArtifactRisk,
			Payload:   json.RawMessage(`{"score":42}`),
			CreatedAt: now,
		}},
	}

	c := s.Clone()
	c.History[0].Content = "mutated"
	c.Artifacts[0].Payload[2] = 'X'

	if s.History[0].Content != "hello" {
		t.Error("clone shares history backing array")
	}
	if string(s.Artifacts[0].Payload) != `{"score":42}` {
		t.Error("clone shares artifact payload bytes")
	}
	if (*Session)(nil).Clone() != nil {
		t.Error("nil Clone should return nil")
	}
}

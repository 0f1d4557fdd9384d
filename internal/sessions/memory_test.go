package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/pkg/models"
)

func configFor(backend string) config.SessionConfig {
	return config.SessionConfig{Backend: backend, TTL: time.Hour}
}

func TestMemoryStoreLoadCreates(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	sess, err := store.Load(ctx, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
	if len(sess.History) != 0 {
		t.Fatalf("fresh session has %d messages", len(sess.History))
	}

	again, err := store.Load(ctx, sess.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.ID != sess.ID {
		t.Fatalf("reload returned id %q, want %q", again.ID, sess.ID)
	}
}

func TestMemoryStoreAppendTurnAndHistory(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	sess, err := store.AppendTurn(ctx, "s1",
		models.Message{Role: models.RoleUser, Content: "assess CVE-2024-3094"},
		models.Message{Role: models.RoleAssistant, Content: "critical, patch now"},
	)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(sess.History) != 2 {
		t.Fatalf("got %d messages, want 2", len(sess.History))
	}
	if sess.History[0].Role != models.RoleUser || sess.History[1].Role != models.RoleAssistant {
		t.Fatalf("roles out of order: %v %v", sess.History[0].Role, sess.History[1].Role)
	}
	if sess.History[0].CreatedAt.IsZero() {
		t.Fatal("message timestamp not stamped")
	}

	got, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got.History[1].Content != "critical, patch now" {
		t.Fatalf("unexpected content %q", got.History[1].Content)
	}

	// Returned sessions are copies; mutating one must not leak back.
	got.History[0].Content = "tampered"
	fresh, _ := store.History(ctx, "s1")
	if fresh.History[0].Content != "assess CVE-2024-3094" {
		t.Fatal("store state mutated through a returned copy")
	}
}

func TestMemoryStoreHistoryUnknown(t *testing.T) {
	store := NewMemoryStore(0)
	if _, err := store.History(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreArtifacts(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, payload := range []string{`{"score":88}`, `{"score":12}`} {
		err := store.AppendArtifact(ctx, "s1", models.Artifact{
			Type:    models.ArtifactRisk,
			Payload: json.RawMessage(payload),
		})
		if err != nil {
			t.Fatalf("append artifact: %v", err)
		}
	}

	arts, err := store.Artifacts(ctx, "s1")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("got %d artifacts, want 2", len(arts))
	}
	if string(arts[0].Payload) != `{"score":88}` {
		t.Fatalf("append order lost: first payload %s", arts[0].Payload)
	}
	if arts[0].ID == "" || arts[0].SessionID != "s1" || arts[0].CreatedAt.IsZero() {
		t.Fatalf("artifact not stamped: %+v", arts[0])
	}

	err = store.AppendArtifact(ctx, "missing", models.Artifact{Type: models.ArtifactRisk})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to unknown session: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSaveRoundTrip(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	sess, _ := store.Load(ctx, "s1")
	sess.Summary = "earlier: scanned example.com"
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.History(ctx, "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if got.Summary != "earlier: scanned example.com" {
		t.Fatalf("summary not persisted: %q", got.Summary)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if _, err := store.Load(ctx, "s1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.History(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("history after delete: got %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	if _, err := store.Load(ctx, "stale"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := store.Load(ctx, "fresh"); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Touch one session past the point where the other expires.
	store.now = func() time.Time { return base.Add(90 * time.Minute) }
	if _, err := store.AppendTurn(ctx, "fresh",
		models.Message{Role: models.RoleUser, Content: "still here"},
		models.Message{Role: models.RoleAssistant, Content: "noted"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	store.now = func() time.Time { return base.Add(100 * time.Minute) }
	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("swept %d sessions, want 1", removed)
	}
	if _, err := store.History(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale session survived the sweep")
	}
	if _, err := store.History(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}
}

func TestNewStoreBackends(t *testing.T) {
	store, err := New(configFor("memory"), "")
	if err != nil {
		t.Fatalf("memory backend: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("got %T, want *MemoryStore", store)
	}

	if _, err := New(configFor("redis"), ""); err == nil {
		t.Fatal("redis backend without url should fail")
	}
	if _, err := New(configFor("etcd"), ""); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

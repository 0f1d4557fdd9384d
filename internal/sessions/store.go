// Package sessions persists conversation state for the supervisor: the
// ordered message history, a rolling summary maintained by compaction,
// and the append-only artifact log that tool calls produce.
//
// Three backends share one interface. The memory store is the default
// and suits a single supervisor process; redis and sqlite survive
// restarts. All stores return defensive copies, so callers may mutate
// the returned session freely and persist changes with Save.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Log-LogN/warden/internal/config"
	"github.com/Log-LogN/warden/pkg/models"
)

// ErrNotFound reports a session id with no stored state.
var ErrNotFound = errors.New("session not found")

// Store is the persistence surface for conversation sessions.
type Store interface {
	// Load returns the session for id, creating an empty one when the id
	// is unknown. An empty id allocates a fresh session.
	Load(ctx context.Context, id string) (*models.Session, error)

	// Save persists the full session state, stamping UpdatedAt.
	Save(ctx context.Context, session *models.Session) error

	// AppendTurn adds a user/assistant exchange to the history and
	// returns the updated session. Unknown ids are created.
	AppendTurn(ctx context.Context, id string, user, assistant models.Message) (*models.Session, error)

	// AppendArtifact records a tool-produced artifact on an existing
	// session. Unknown ids return ErrNotFound.
	AppendArtifact(ctx context.Context, id string, artifact models.Artifact) error

	// Artifacts returns the artifact log in append order.
	Artifacts(ctx context.Context, id string) ([]models.Artifact, error)

	// History returns the session without creating it. Unknown ids
	// return ErrNotFound; this backs the read-only history endpoint.
	History(ctx context.Context, id string) (*models.Session, error)

	// Delete removes all state for id.
	Delete(ctx context.Context, id string) error

	// Sweep removes sessions idle past the TTL and reports how many
	// were dropped. Backends with native expiry return zero.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

// New builds the store named by cfg.Backend.
func New(cfg config.SessionConfig, redisURL string) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.TTL), nil
	case "redis":
		if redisURL == "" {
			return nil, fmt.Errorf("sessions: redis backend requires redis.url")
		}
		return NewRedisStore(redisURL, cfg.TTL)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.TTL)
	default:
		return nil, fmt.Errorf("sessions: unknown backend %q", cfg.Backend)
	}
}

func newSession(id string, now time.Time) *models.Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Session{
		ID:        id,
		History:   []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func stampTurn(user, assistant *models.Message, now time.Time) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if assistant.CreatedAt.IsZero() {
		assistant.CreatedAt = now
	}
}

func stampArtifact(a *models.Artifact, sessionID string, now time.Time) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.SessionID == "" {
		a.SessionID = sessionID
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
}

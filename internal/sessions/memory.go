package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/Log-LogN/warden/pkg/models"
)

// MemoryStore keeps sessions in process memory. It is the default
// backend; state is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store. Sessions idle past
// ttl are removed by Sweep; a non-positive ttl disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.Clone(), nil
	}
	sess := newSession(id, s.now())
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := session.Clone()
	stored.UpdatedAt = s.now()
	if prev, ok := s.sessions[stored.ID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	s.sessions[stored.ID] = stored
	return nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, id string, user, assistant models.Message) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[id]
	if !ok {
		sess = newSession(id, now)
		s.sessions[sess.ID] = sess
	}
	stampTurn(&user, &assistant, now)
	sess.History = append(sess.History, user, assistant)
	sess.UpdatedAt = now
	return sess.Clone(), nil
}

func (s *MemoryStore) AppendArtifact(_ context.Context, id string, artifact models.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	stampArtifact(&artifact, id, now)
	sess.Artifacts = append(sess.Artifacts, artifact)
	sess.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Artifacts(_ context.Context, id string) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone().Artifacts, nil
}

func (s *MemoryStore) History(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Log-LogN/warden/pkg/models"
)

const sessionKeyPrefix = "warden:session:"

// RedisStore persists each session as a hash keyed by id. Expiry is
// delegated to redis: every write refreshes the key TTL, so Sweep is a
// no-op for this backend.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore connects to redis and verifies the connection with a
// ping before returning.
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("sessions: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sessions: redis ping: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl, now: time.Now}, nil
}

func (s *RedisStore) key(id string) string { return sessionKeyPrefix + id }

func (s *RedisStore) read(ctx context.Context, id string) (*models.Session, error) {
	vals, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: read %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}

	sess := &models.Session{ID: id, Summary: vals["summary"], History: []models.Message{}}
	if raw := vals["messages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.History); err != nil {
			return nil, fmt.Errorf("sessions: decode messages for %s: %w", id, err)
		}
	}
	if raw := vals["artifacts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &sess.Artifacts); err != nil {
			return nil, fmt.Errorf("sessions: decode artifacts for %s: %w", id, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["created_at"]); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["updated_at"]); err == nil {
		sess.UpdatedAt = t
	}
	return sess, nil
}

func (s *RedisStore) write(ctx context.Context, sess *models.Session) error {
	msgs, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("sessions: encode messages: %w", err)
	}
	arts, err := json.Marshal(sess.Artifacts)
	if err != nil {
		return fmt.Errorf("sessions: encode artifacts: %w", err)
	}

	fields := map[string]any{
		"summary":    sess.Summary,
		"messages":   string(msgs),
		"artifacts":  string(arts),
		"created_at": sess.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": sess.UpdatedAt.Format(time.RFC3339Nano),
	}
	key := s.key(sess.ID)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("sessions: write %s: %w", sess.ID, err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("sessions: expire %s: %w", sess.ID, err)
		}
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*models.Session, error) {
	if id != "" {
		sess, err := s.read(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	sess := newSession(id, s.now())
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = s.now()
	return s.write(ctx, session)
}

func (s *RedisStore) AppendTurn(ctx context.Context, id string, user, assistant models.Message) (*models.Session, error) {
	now := s.now()
	sess, err := s.read(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sess = newSession(id, now)
	} else if err != nil {
		return nil, err
	}
	stampTurn(&user, &assistant, now)
	sess.History = append(sess.History, user, assistant)
	sess.UpdatedAt = now
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *RedisStore) AppendArtifact(ctx context.Context, id string, artifact models.Artifact) error {
	sess, err := s.read(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	stampArtifact(&artifact, id, now)
	sess.Artifacts = append(sess.Artifacts, artifact)
	sess.UpdatedAt = now
	return s.write(ctx, sess)
}

func (s *RedisStore) Artifacts(ctx context.Context, id string) ([]models.Artifact, error) {
	sess, err := s.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Artifacts, nil
}

func (s *RedisStore) History(ctx context.Context, id string) (*models.Session, error) {
	return s.read(ctx, id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("sessions: delete %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Sweep is a no-op: redis drops expired session keys itself.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

func (s *RedisStore) Close() error { return s.client.Close() }

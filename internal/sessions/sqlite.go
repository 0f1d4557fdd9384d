package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Log-LogN/warden/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	summary    TEXT NOT NULL DEFAULT '',
	messages   TEXT NOT NULL DEFAULT '[]',
	artifacts  TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

const sqliteUpdatedIndex = `
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions (updated_at)`

// SQLiteStore persists sessions in a local sqlite file. One row per
// session; history and artifacts are stored as JSON columns, timestamps
// as unix nanoseconds so Sweep can compare them in SQL.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time

	stmtGet    *sql.Stmt
	stmtUpsert *sql.Stmt
	stmtDelete *sql.Stmt
	stmtSweep  *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at path and prepares
// the statements the store runs.
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if path == "" {
		path = "warden.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite %s: %w", path, err)
	}
	// The sqlite driver allows one writer; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ttl: ttl, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("sessions: create schema: %w", err)
	}
	if _, err := s.db.Exec(sqliteUpdatedIndex); err != nil {
		return fmt.Errorf("sessions: create index: %w", err)
	}

	var err error
	s.stmtGet, err = s.db.Prepare(`
		SELECT id, summary, messages, artifacts, created_at, updated_at
		FROM sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sessions: prepare get: %w", err)
	}
	s.stmtUpsert, err = s.db.Prepare(`
		INSERT INTO sessions (id, summary, messages, artifacts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			messages = excluded.messages,
			artifacts = excluded.artifacts,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("sessions: prepare upsert: %w", err)
	}
	s.stmtDelete, err = s.db.Prepare(`DELETE FROM sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("sessions: prepare delete: %w", err)
	}
	s.stmtSweep, err = s.db.Prepare(`DELETE FROM sessions WHERE updated_at < ?`)
	if err != nil {
		return fmt.Errorf("sessions: prepare sweep: %w", err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, id string) (*models.Session, error) {
	var (
		sess             models.Session
		msgs, arts       string
		created, updated int64
	)
	err := s.stmtGet.QueryRowContext(ctx, id).
		Scan(&sess.ID, &sess.Summary, &msgs, &arts, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get %s: %w", id, err)
	}

	sess.History = []models.Message{}
	if msgs != "" {
		if err := json.Unmarshal([]byte(msgs), &sess.History); err != nil {
			return nil, fmt.Errorf("sessions: decode messages for %s: %w", id, err)
		}
	}
	if arts != "" && arts != "[]" {
		if err := json.Unmarshal([]byte(arts), &sess.Artifacts); err != nil {
			return nil, fmt.Errorf("sessions: decode artifacts for %s: %w", id, err)
		}
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	return &sess, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, sess *models.Session) error {
	msgs, err := json.Marshal(sess.History)
	if err != nil {
		return fmt.Errorf("sessions: encode messages: %w", err)
	}
	arts, err := json.Marshal(sess.Artifacts)
	if err != nil {
		return fmt.Errorf("sessions: encode artifacts: %w", err)
	}
	_, err = s.stmtUpsert.ExecContext(ctx,
		sess.ID, sess.Summary, string(msgs), string(arts),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sessions: write %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.Session, error) {
	if id != "" {
		sess, err := s.get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	sess := newSession(id, s.now())
	if err := s.upsert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = s.now()
	return s.upsert(ctx, session)
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, id string, user, assistant models.Message) (*models.Session, error) {
	now := s.now()
	sess, err := s.get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		sess = newSession(id, now)
	} else if err != nil {
		return nil, err
	}
	stampTurn(&user, &assistant, now)
	sess.History = append(sess.History, user, assistant)
	sess.UpdatedAt = now
	if err := s.upsert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SQLiteStore) AppendArtifact(ctx context.Context, id string, artifact models.Artifact) error {
	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	stampArtifact(&artifact, id, now)
	sess.Artifacts = append(sess.Artifacts, artifact)
	sess.UpdatedAt = now
	return s.upsert(ctx, sess)
}

func (s *SQLiteStore) Artifacts(ctx context.Context, id string) ([]models.Artifact, error) {
	sess, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.Artifacts, nil
}

func (s *SQLiteStore) History(ctx context.Context, id string) (*models.Session, error) {
	return s.get(ctx, id)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.stmtDelete.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("sessions: delete %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.ttl).UnixNano()
	res, err := s.stmtSweep.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sessions: sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtUpsert, s.stmtDelete, s.stmtSweep} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

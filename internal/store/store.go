package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Session kinds.
const (
	KindLive   = "live"
	KindRender = "render"
)

// ErrSessionNotFound is returned when ending a session that was never begun.
var ErrSessionNotFound = errors.New("session not found")

// Store keeps run history in PostgreSQL. Recording bytes never go here, only
// their metadata.
type Store struct {
	pool *pgxpool.Pool
}

// Session is one pipeline run, live or offline.
type Session struct {
	ID         string
	Kind       string
	Mode       string
	Source     string
	StartedAt  time.Time
	EndedAt    *time.Time
	Frames     int64
	Failures   int64
	Recordings int
}

// Recording is the metadata of a sealed recording.
type Recording struct {
	ID        string
	SessionID string
	MimeType  string
	Size      int
	Chunks    int
	Frames    int64
	StartedAt time.Time
	StoppedAt time.Time
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS pipeline_sessions (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			mode TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ,
			frames BIGINT NOT NULL DEFAULT 0,
			failures BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			session_id TEXT REFERENCES pipeline_sessions(id) ON DELETE CASCADE,
			mime_type TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			chunks INT NOT NULL,
			frames BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS recordings_session_id_idx ON recordings (session_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close() {
	s.pool.Close()
}

// BeginSession registers a run. Re-using an id restarts its counters.
func (s *Store) BeginSession(ctx context.Context, id, kind, mode, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_sessions (id, kind, mode, source, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, mode = EXCLUDED.mode, source = EXCLUDED.source,
			started_at = NOW(), ended_at = NULL, frames = 0, failures = 0
	`, id, kind, mode, source)
	return err
}

// EndSession stamps the end time and the final counters.
func (s *Store) EndSession(ctx context.Context, id, mode string, frames, failures int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_sessions SET ended_at = NOW(), mode = $2, frames = $3, failures = $4
		WHERE id = $1
	`, id, mode, frames, failures)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// InsertRecording saves the metadata of a sealed recording.
func (s *Store) InsertRecording(ctx context.Context, r Recording) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recordings (id, session_id, mime_type, size_bytes, chunks, frames, started_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.SessionID, r.MimeType, r.Size, r.Chunks, r.Frames, r.StartedAt, r.StoppedAt)
	return err
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.kind, s.mode, s.source, s.started_at, s.ended_at, s.frames, s.failures,
			(SELECT COUNT(*) FROM recordings r WHERE r.session_id = s.id)
		FROM pipeline_sessions s
		ORDER BY s.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Kind, &sess.Mode, &sess.Source, &sess.StartedAt,
			&sess.EndedAt, &sess.Frames, &sess.Failures, &sess.Recordings); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListRecordings returns the recordings of one session in the order they were made.
func (s *Store) ListRecordings(ctx context.Context, sessionID string) ([]Recording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, mime_type, size_bytes, chunks, frames, started_at, stopped_at
		FROM recordings WHERE session_id = $1 ORDER BY started_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recording, error) {
		var r Recording
		err := row.Scan(&r.ID, &r.SessionID, &r.MimeType, &r.Size, &r.Chunks, &r.Frames, &r.StartedAt, &r.StoppedAt)
		return r, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS recordings CASCADE;
		DROP TABLE IF EXISTS pipeline_sessions CASCADE;
	`)
	return err
}

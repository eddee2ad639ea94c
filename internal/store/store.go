// Package store is the sqlite-backed default for the external
// collaborators the sync core depends on: the identity directory, the
// local track catalog, and the listen-session history written by the
// join/leave hooks. Deployments with real services substitute their own
// implementations of the same interfaces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/unisonfm/unison/internal/auth"
	"github.com/unisonfm/unison/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	token_version INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS tracks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL DEFAULT '',
	artist      TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	stream_url  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS listen_sessions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id  TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	left_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_listen_sessions_open
	ON listen_sessions (group_id, user_id) WHERE left_at IS NULL;
`

type DB struct {
	db *sql.DB
}

// Open connects to the sqlite database at path (":memory:" works) and
// applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

// Lookup implements auth.Directory.
func (s *DB) Lookup(ctx context.Context, userID string) (*auth.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_version FROM users WHERE id = ?`, userID)
	var ident auth.Identity
	if err := row.Scan(&ident.UserID, &ident.Name, &ident.TokenVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	return &ident, nil
}

// UpsertUser exists for provisioning and tests.
func (s *DB) UpsertUser(ctx context.Context, ident auth.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, token_version) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, token_version = excluded.token_version`,
		ident.UserID, ident.Name, ident.TokenVersion)
	return err
}

// Resolve implements group.TrackResolver: unknown ids are skipped, never
// inserted as broken entries. Request order is preserved.
func (s *DB) Resolve(ctx context.Context, trackIDs []string) ([]domain.Track, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(trackIDs)), ",")
	args := make([]any, len(trackIDs))
	for i, id := range trackIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, artist, duration_ms, stream_url FROM tracks WHERE id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("track resolve: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]domain.Track, len(trackIDs))
	for rows.Next() {
		var t domain.Track
		if err := rows.Scan(&t.ID, &t.Title, &t.Artist, &t.DurationMs, &t.StreamURL); err != nil {
			return nil, fmt.Errorf("track scan: %w", err)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("track resolve: %w", err)
	}

	out := make([]domain.Track, 0, len(trackIDs))
	for _, id := range trackIDs {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// AddTrack exists for provisioning and tests.
func (s *DB) AddTrack(ctx context.Context, t domain.Track) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tracks (id, title, artist, duration_ms, stream_url) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Artist, t.DurationMs, t.StreamURL)
	return err
}

// OnJoin records the start of a listen session. Called once per user+group
// join, not per socket.
func (s *DB) OnJoin(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listen_sessions (group_id, user_id, joined_at) VALUES (?, ?, ?)`,
		groupID, userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

// OnLeave closes the open listen session for the user+group, if any.
func (s *DB) OnLeave(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listen_sessions SET left_at = ?
		 WHERE group_id = ? AND user_id = ? AND left_at IS NULL`,
		time.Now().UnixMilli(), groupID, userID)
	if err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	return nil
}

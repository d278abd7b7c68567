// Package history keeps a local call log in sqlite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/siptty/siptty/internal/phone/events"
)

// Disposition is how a call ended from the user's point of view.
type Disposition string

const (
	Answered Disposition = "answered"
	Missed   Disposition = "missed"
	Failed   Disposition = "failed"
)

// Entry is one finished call.
type Entry struct {
	ID          int64
	CallID      int
	Direction   events.Direction
	RemoteURI   string
	Disposition Disposition
	Duration    time.Duration
	EndedAt     time.Time
}

// Store is the sqlite-backed call log.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id INTEGER NOT NULL,
		direction TEXT NOT NULL,
		remote_uri TEXT NOT NULL,
		disposition TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		ended_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_ended_at ON calls(ended_at)`,
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	for _, query := range schema {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create history tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends an entry and returns its row id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, direction, remote_uri, disposition, duration_ms, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CallID, string(e.Direction), e.RemoteURI, string(e.Disposition),
		e.Duration.Milliseconds(), e.EndedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert history entry: %w", err)
	}
	return res.LastInsertId()
}

// Prune keeps the newest max entries. max <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM calls WHERE id NOT IN (SELECT id FROM calls ORDER BY id DESC LIMIT ?)`, max)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, direction, remote_uri, disposition, duration_ms, ended_at
		 FROM calls ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			dir, disp  string
			durationMs int64
		)
		if err := rows.Scan(&e.ID, &e.CallID, &dir, &e.RemoteURI, &disp, &durationMs, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Direction = events.Direction(dir)
		e.Disposition = Disposition(disp)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

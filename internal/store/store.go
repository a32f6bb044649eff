// Package store persists ingested alert events to SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	subject    TEXT NOT NULL,
	message    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
`

const defaultRecentLimit = 5

// Event is one persisted alert event.
type Event struct {
	ID        int64
	CreatedAt time.Time
	Subject   string
	Message   string
}

// Store is a SQLite-backed alert event log.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies recommended
// pragmas for WAL mode and performance.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires pragmas as SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveEvent appends one alert event to the log.
func (s *Store) SaveEvent(ctx context.Context, subject, message string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events(created_at, subject, message) VALUES(?, ?, ?)",
		time.Now().Unix(), subject, message,
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events, newest first. A non-positive
// limit means the default of 5.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, created_at, subject, message FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.ID, &createdAt, &e.Subject, &e.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// EventTimestamps returns the timestamps of all stored events in insert
// order, for frequency analysis.
func (s *Store) EventTimestamps(ctx context.Context) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT created_at FROM events ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query event timestamps: %w", err)
	}
	defer rows.Close()

	var timestamps []time.Time
	for rows.Next() {
		var createdAt int64
		if err := rows.Scan(&createdAt); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		timestamps = append(timestamps, time.Unix(createdAt, 0))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timestamps: %w", err)
	}
	return timestamps, nil
}

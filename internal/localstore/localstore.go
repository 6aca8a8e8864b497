// Package localstore persists the local, non-replicated room directory:
// the set of rooms this peer has joined, their display names, and when
// they were last seen. It is unrelated to room-state replication —
// internal/store owns that — and always uses a SQLite backend since
// there is no snapshot-replace law to satisfy here.
package localstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. Append a new
// entry to add a migration — never edit or reorder existing entries.
var migrations = []string{
	// v1 — room directory
	`CREATE TABLE IF NOT EXISTS rooms (
		room_id      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_seen    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — index for recency ordering
	`CREATE INDEX IF NOT EXISTS idx_rooms_last_seen ON rooms(last_seen)`,
	// v3 — enable WAL mode for concurrent readers
	`PRAGMA journal_mode=WAL`,
}

// RoomRecord is one entry in the local room directory.
type RoomRecord struct {
	RoomID      string
	DisplayName string
	LastSeen    time.Time
}

// Store wraps the local room directory database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral storage in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("localstore: set busy_timeout failed", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("localstore: applied migration", "version", v)
	}
	return nil
}

// Touch upserts a room's entry in the directory, updating its display
// name and last-seen timestamp.
func (s *Store) Touch(roomID, displayName string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO rooms(room_id, display_name, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(room_id) DO UPDATE SET display_name = excluded.display_name, last_seen = excluded.last_seen`,
		roomID, displayName, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("localstore: touch room: %w", err)
	}
	return nil
}

// Forget removes a room from the local directory.
func (s *Store) Forget(roomID string) error {
	if _, err := s.db.Exec(`DELETE FROM rooms WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("localstore: forget room: %w", err)
	}
	return nil
}

// Recent returns up to limit rooms, most recently seen first.
func (s *Store) Recent(limit int) ([]RoomRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT room_id, display_name, last_seen FROM rooms ORDER BY last_seen DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("localstore: query recent rooms: %w", err)
	}
	defer rows.Close()

	var out []RoomRecord
	for rows.Next() {
		var r RoomRecord
		var lastSeenUnix int64
		if err := rows.Scan(&r.RoomID, &r.DisplayName, &lastSeenUnix); err != nil {
			return nil, fmt.Errorf("localstore: scan room: %w", err)
		}
		r.LastSeen = time.Unix(lastSeenUnix, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Package store provides the local SQLite mirror of the remote bookmark
// collection.
//
// The database runs in embedded mode with WAL so that the daemon and any
// number of foreground processes can read concurrently while the lock
// holder writes. The schema splits each bookmark row into remote-owned
// metadata columns (overwritten on every sync) and local-only reading-state
// columns (never touched by a sync upsert).
//
// Sync bookkeeping (checkpoint, last-sync timestamp, retry counter, last
// error) lives in the sync_meta table so that every process sees the same
// records; only the context holding the sync lock writes them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with bookmark-mirror functionality.
type Store struct {
	conn *sql.DB
	path string

	listeners []MetaListener
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If it doesn't exist it is created along with the schema.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// initSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bookmarks (
		id INTEGER PRIMARY KEY,

		-- Remote-owned metadata; overwritten on every sync upsert.
		url TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		tags TEXT,  -- JSON array
		archived INTEGER NOT NULL DEFAULT 0,
		remote_updated_at TEXT,

		-- Local-only reading state; a sync upsert never touches these.
		read_progress REAL NOT NULL DEFAULT 0,
		scroll_position INTEGER NOT NULL DEFAULT 0,
		reading_mode TEXT NOT NULL DEFAULT 'original',
		is_read INTEGER NOT NULL DEFAULT 0,
		needs_read_sync INTEGER NOT NULL DEFAULT 0,

		-- Cached heavy content, dropped when the remote archives the bookmark.
		content TEXT
	);

	CREATE TABLE IF NOT EXISTS assets (
		bookmark_id INTEGER PRIMARY KEY,
		content_type TEXT NOT NULL,
		data BLOB,
		fetched_at TEXT NOT NULL,
		FOREIGN KEY (bookmark_id) REFERENCES bookmarks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookmarks_archived ON bookmarks(archived);
	CREATE INDEX IF NOT EXISTS idx_bookmarks_read_sync ON bookmarks(needs_read_sync);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

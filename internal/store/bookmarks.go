package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Bookmark is a locally mirrored bookmark record.
type Bookmark struct {
	ID int64

	// Remote-owned metadata.
	URL             string
	Title           string
	Description     string
	Tags            []string
	Archived        bool
	RemoteUpdatedAt time.Time

	// Local-only reading state, preserved across sync upserts.
	ReadProgress   float64
	ScrollPosition int
	ReadingMode    string
	Read           bool
	NeedsReadSync  bool
}

// UpsertBookmark inserts or updates a bookmark from the remote listing.
//
// On conflict only the remote-owned metadata columns are overwritten;
// reading progress, scroll position, reading mode, the read flag, the
// pending-read-sync flag, and cached content are left untouched.
func (s *Store) UpsertBookmark(ctx context.Context, b *Bookmark) error {
	tagsJSON, err := json.Marshal(b.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
	INSERT INTO bookmarks (
		id, url, title, description, tags, archived, remote_updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		url = excluded.url,
		title = excluded.title,
		description = excluded.description,
		tags = excluded.tags,
		archived = excluded.archived,
		remote_updated_at = excluded.remote_updated_at
	`

	_, err = s.conn.ExecContext(ctx, query,
		b.ID,
		b.URL,
		b.Title,
		b.Description,
		string(tagsJSON),
		boolToInt(b.Archived),
		b.RemoteUpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert bookmark %d: %w", b.ID, err)
	}
	return nil
}

// GetBookmark retrieves a single bookmark by ID.
// Returns sql.ErrNoRows if the bookmark is not found.
func (s *Store) GetBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	row := s.conn.QueryRowContext(ctx, selectBookmarkColumns+" WHERE id = ?", id)
	return scanBookmark(row)
}

// ListBookmarks returns all bookmarks ordered by ascending ID.
func (s *Store) ListBookmarks(ctx context.Context) ([]*Bookmark, error) {
	rows, err := s.conn.QueryContext(ctx, selectBookmarkColumns+" ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()
	return scanBookmarks(rows)
}

// CountBookmarks returns the total number of local bookmarks.
func (s *Store) CountBookmarks(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM bookmarks").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookmarks: %w", err)
	}
	return count, nil
}

// DeleteBookmarksNotIn removes every local bookmark whose ID is absent from
// keep. This is the tombstone sweep after a full listing has been processed;
// it must not run against an incrementally filtered listing.
func (s *Store) DeleteBookmarksNotIn(ctx context.Context, keep []int64) (int, error) {
	if len(keep) == 0 {
		res, err := s.conn.ExecContext(ctx, "DELETE FROM bookmarks")
		if err != nil {
			return 0, fmt.Errorf("failed to sweep bookmarks: %w", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep: %w", err)
	}
	defer tx.Rollback()

	// The keep set goes through a temp table in bounded chunks; a single
	// NOT IN (?,...) would hit SQLite's bound-variable limit on large
	// collections.
	if _, err := tx.ExecContext(ctx, "CREATE TEMP TABLE sweep_keep (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("failed to sweep bookmarks: %w", err)
	}

	const chunkSize = 500
	for start := 0; start < len(keep); start += chunkSize {
		chunk := keep[start:min(start+chunkSize, len(keep))]

		placeholders := strings.Repeat("(?),", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO sweep_keep (id) VALUES "+placeholders, args...); err != nil {
			return 0, fmt.Errorf("failed to sweep bookmarks: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM bookmarks WHERE id NOT IN (SELECT id FROM sweep_keep)")
	if err != nil {
		return 0, fmt.Errorf("failed to sweep bookmarks: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, "DROP TABLE sweep_keep"); err != nil {
		return 0, fmt.Errorf("failed to sweep bookmarks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return int(n), nil
}

// DropContent clears the cached heavy content for a bookmark. Called when
// the remote marks a bookmark archived. Idempotent.
func (s *Store) DropContent(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, "UPDATE bookmarks SET content = NULL WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to drop content for bookmark %d: %w", id, err)
	}
	return nil
}

// SetContent stores cached heavy content for a bookmark.
func (s *Store) SetContent(ctx context.Context, id int64, content string) error {
	_, err := s.conn.ExecContext(ctx, "UPDATE bookmarks SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return fmt.Errorf("failed to set content for bookmark %d: %w", id, err)
	}
	return nil
}

// HasContent reports whether a bookmark has cached content.
func (s *Store) HasContent(ctx context.Context, id int64) (bool, error) {
	var has int
	err := s.conn.QueryRowContext(ctx,
		"SELECT content IS NOT NULL FROM bookmarks WHERE id = ?", id).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("failed to check content for bookmark %d: %w", id, err)
	}
	return has == 1, nil
}

// UpdateReadingState updates the local-only reading fields for a bookmark
// and marks it as needing a read-status push upstream.
func (s *Store) UpdateReadingState(ctx context.Context, id int64, progress float64, scroll int, mode string, read bool) error {
	query := `
	UPDATE bookmarks SET
		read_progress = ?,
		scroll_position = ?,
		reading_mode = ?,
		is_read = ?,
		needs_read_sync = 1
	WHERE id = ?
	`
	_, err := s.conn.ExecContext(ctx, query, progress, scroll, mode, boolToInt(read), id)
	if err != nil {
		return fmt.Errorf("failed to update reading state for bookmark %d: %w", id, err)
	}
	return nil
}

// ClearReadSyncFlag clears the pending-read-sync flag after a successful
// upstream push.
func (s *Store) ClearReadSyncFlag(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx,
		"UPDATE bookmarks SET needs_read_sync = 0 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to clear read-sync flag for bookmark %d: %w", id, err)
	}
	return nil
}

// ListNeedingAssets returns non-archived bookmarks that have no asset
// record yet, ordered by ascending ID.
func (s *Store) ListNeedingAssets(ctx context.Context) ([]*Bookmark, error) {
	query := selectBookmarkColumns + `
	WHERE archived = 0
	  AND id NOT IN (SELECT bookmark_id FROM assets)
	ORDER BY id ASC
	`
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks needing assets: %w", err)
	}
	defer rows.Close()
	return scanBookmarks(rows)
}

// ListNeedingReadSync returns bookmarks flagged for an upstream read-status
// push, ordered by ascending ID.
func (s *Store) ListNeedingReadSync(ctx context.Context) ([]*Bookmark, error) {
	query := selectBookmarkColumns + " WHERE needs_read_sync = 1 ORDER BY id ASC"
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks needing read sync: %w", err)
	}
	defer rows.Close()
	return scanBookmarks(rows)
}

// HasUnsyncedWork reports whether any sync work remains: a persisted
// checkpoint, missing assets, or pending read-status pushes. Used by the
// resume check after an interrupted run.
func (s *Store) HasUnsyncedWork(ctx context.Context) (bool, error) {
	if cp, err := s.LoadCheckpoint(ctx); err != nil {
		return false, err
	} else if cp != nil {
		return true, nil
	}

	var pending int
	query := `
	SELECT
		(SELECT COUNT(*) FROM bookmarks
		 WHERE archived = 0 AND id NOT IN (SELECT bookmark_id FROM assets)) +
		(SELECT COUNT(*) FROM bookmarks WHERE needs_read_sync = 1)
	`
	if err := s.conn.QueryRowContext(ctx, query).Scan(&pending); err != nil {
		return false, fmt.Errorf("failed to check unsynced work: %w", err)
	}
	return pending > 0, nil
}

// SaveAsset persists a fetched asset for a bookmark.
func (s *Store) SaveAsset(ctx context.Context, bookmarkID int64, contentType string, data []byte) error {
	query := `
	INSERT INTO assets (bookmark_id, content_type, data, fetched_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(bookmark_id) DO UPDATE SET
		content_type = excluded.content_type,
		data = excluded.data,
		fetched_at = excluded.fetched_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		bookmarkID, contentType, data, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save asset for bookmark %d: %w", bookmarkID, err)
	}
	return nil
}

// CountAssets returns the number of stored asset records.
func (s *Store) CountAssets(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM assets").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return count, nil
}

const selectBookmarkColumns = `
	SELECT id, url, title, description, tags, archived, remote_updated_at,
	       read_progress, scroll_position, reading_mode, is_read, needs_read_sync
	FROM bookmarks`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBookmark(row rowScanner) (*Bookmark, error) {
	var b Bookmark
	var tagsJSON sql.NullString
	var description sql.NullString
	var remoteUpdated sql.NullString
	var archived, isRead, needsSync int

	err := row.Scan(
		&b.ID,
		&b.URL,
		&b.Title,
		&description,
		&tagsJSON,
		&archived,
		&remoteUpdated,
		&b.ReadProgress,
		&b.ScrollPosition,
		&b.ReadingMode,
		&isRead,
		&needsSync,
	)
	if err != nil {
		return nil, err
	}

	b.Description = description.String
	b.Archived = archived == 1
	b.Read = isRead == 1
	b.NeedsReadSync = needsSync == 1

	if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &b.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	} else {
		b.Tags = []string{}
	}

	if remoteUpdated.Valid {
		if t, err := time.Parse(time.RFC3339, remoteUpdated.String); err == nil {
			b.RemoteUpdatedAt = t
		}
	}

	return &b, nil
}

func scanBookmarks(rows *sql.Rows) ([]*Bookmark, error) {
	var bookmarks []*Bookmark
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookmarks: %w", err)
	}
	return bookmarks, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

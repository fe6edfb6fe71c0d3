package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Phase identifies one of the resumable stages of a sync run.
type Phase string

const (
	PhaseBookmarks  Phase = "bookmarks"
	PhaseAssets     Phase = "assets"
	PhaseReadStatus Phase = "read-status"
)

// Valid reports whether p is one of the three resumable phases.
// A checkpoint is never written for the init or complete stages.
func (p Phase) Valid() bool {
	switch p {
	case PhaseBookmarks, PhaseAssets, PhaseReadStatus:
		return true
	}
	return false
}

// Checkpoint is the persisted resume marker for an interrupted sync run.
//
// LastProcessedID is nil when the phase was entered but no item has been
// fully processed yet. Items at or before LastProcessedID are never
// reprocessed by a resumed run.
type Checkpoint struct {
	LastProcessedID *int64    `json:"lastProcessedId,omitempty"`
	Phase           Phase     `json:"phase"`
	Timestamp       time.Time `json:"timestamp"`
}

// sync_meta keys.
const (
	metaCheckpoint = "checkpoint"
	metaLastSync   = "last_sync"
	metaRetryCount = "retry_count"
	metaLastError  = "last_error"
)

// MetaListener is notified after a successful write to a sync_meta record.
// The writer notifies synchronously after commit, so other components see
// error/retry state changes without polling.
type MetaListener func(key, value string)

// OnMetaChange registers a listener for sync_meta writes made through this
// store handle. Writes by other processes are not observed; cross-process
// signalling goes through the coordination hub instead.
func (s *Store) OnMetaChange(fn MetaListener) {
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(key, value string) {
	for _, fn := range s.listeners {
		fn(key, value)
	}
}

// SaveCheckpoint persists a checkpoint, replacing any existing one.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if !cp.Phase.Valid() {
		return fmt.Errorf("invalid checkpoint phase %q", cp.Phase)
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.setMeta(ctx, metaCheckpoint, string(data))
}

// LoadCheckpoint returns the persisted checkpoint, or nil if none exists.
func (s *Store) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	value, err := s.getMeta(ctx, metaCheckpoint)
	if err != nil {
		return nil, err
	}
	if value == "" {
		return nil, nil
	}

	var cp Checkpoint
	if err := json.Unmarshal([]byte(value), &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	if !cp.Phase.Valid() {
		// A corrupt checkpoint is worse than none; start over.
		return nil, nil
	}
	return &cp, nil
}

// ClearCheckpoint removes the persisted checkpoint. Idempotent.
func (s *Store) ClearCheckpoint(ctx context.Context) error {
	return s.deleteMeta(ctx, metaCheckpoint)
}

// SetLastSync persists the last successful full-run boundary timestamp.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, metaLastSync, t.UTC().Format(time.RFC3339))
}

// LastSync returns the persisted last-sync timestamp, or the zero time if
// no sync has completed yet (or after a full-resync reset).
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	value, err := s.getMeta(ctx, metaLastSync)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

// ResetLastSync resets the last-sync timestamp to "never".
func (s *Store) ResetLastSync(ctx context.Context) error {
	return s.deleteMeta(ctx, metaLastSync)
}

// RetryCount returns the persisted background retry counter.
func (s *Store) RetryCount(ctx context.Context) (int, error) {
	value, err := s.getMeta(ctx, metaRetryCount)
	if err != nil || value == "" {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetRetryCount persists the background retry counter.
func (s *Store) SetRetryCount(ctx context.Context, n int) error {
	return s.setMeta(ctx, metaRetryCount, strconv.Itoa(n))
}

// ResetRetryCount resets the retry counter to zero.
func (s *Store) ResetRetryCount(ctx context.Context) error {
	return s.deleteMeta(ctx, metaRetryCount)
}

// SetLastError persists the most recent sync error message.
func (s *Store) SetLastError(ctx context.Context, msg string) error {
	return s.setMeta(ctx, metaLastError, msg)
}

// LastError returns the persisted sync error message, or "" if none.
func (s *Store) LastError(ctx context.Context) (string, error) {
	return s.getMeta(ctx, metaLastError)
}

// ClearLastError removes the persisted sync error. Idempotent.
func (s *Store) ClearLastError(ctx context.Context) error {
	return s.deleteMeta(ctx, metaLastError)
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	s.notify(key, value)
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		"SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) deleteMeta(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	s.notify(key, "")
	return nil
}

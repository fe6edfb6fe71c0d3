// Package engine implements the phased, checkpointed, cancellable
// synchronization algorithm.
//
// A run walks three phases in strict order: bookmarks -> assets ->
// read-status. Each phase processes its items in ascending ID order and
// writes a resume checkpoint at a fixed stride, so an interrupted run can
// be picked up mid-phase by any context. The engine never touches the
// distributed lock: callers acquire it before constructing a run.
//
// Failure policy: a phase-level failure (the initial listing fetch, a
// store query) aborts the run; an item-level failure is logged, counted,
// and skipped.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/linkmirror/linkmirror/internal/remote"
	"github.com/linkmirror/linkmirror/internal/store"
)

// Checkpoint write strides per phase.
const (
	bookmarkCheckpointEvery = 10
	assetCheckpointEvery    = 5
	readCheckpointEvery     = 10
)

// ErrCancelled tags a run aborted by cooperative cancellation. The last
// written checkpoint remains valid for a future resume.
var ErrCancelled = errors.New("sync cancelled")

// Result is the outcome of one engine run. Never mutated after return.
type Result struct {
	Success   bool
	Processed int
	Err       error
	Timestamp time.Time
}

// ProgressFunc receives per-item progress. itemID is the bookmark the
// current step touched, or 0 for phase-boundary updates.
type ProgressFunc func(current, total int, phase store.Phase, itemID int64)

// Config holds engine dependencies.
type Config struct {
	Store  *store.Store
	Remote remote.Client

	// OnProgress is called after every processed item. Optional.
	OnProgress ProgressFunc

	// Logger for per-item failures and phase transitions.
	Logger *log.Logger
}

// Engine runs the synchronization algorithm. One engine serves one run at
// a time; Cancel applies to the in-flight run.
type Engine struct {
	store    *store.Store
	remote   remote.Client
	progress ProgressFunc
	logger   *log.Logger

	cancelled atomic.Bool

	// lastCheckpointPhase/ID enforce monotonically advancing checkpoints
	// within a run: inside one phase an ID never goes backwards.
	lastCheckpointPhase store.Phase
	lastCheckpointID    int64
}

// New creates an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:    cfg.Store,
		remote:   cfg.Remote,
		progress: cfg.OnProgress,
		logger:   cfg.Logger,
	}, nil
}

// Cancel requests cooperative cancellation. The in-flight network
// operation finishes, then the run aborts at the next loop iteration.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// PerformSync executes a run, resuming from cp if non-nil. A nil
// checkpoint means a fresh run: the bookmark listing is filtered by the
// persisted last-sync timestamp and, on success, a new last-sync boundary
// is written.
func (e *Engine) PerformSync(ctx context.Context, cp *store.Checkpoint) *Result {
	e.cancelled.Store(false)
	e.lastCheckpointPhase = ""
	e.lastCheckpointID = 0
	freshRun := cp == nil

	if cp != nil && cp.LastProcessedID != nil {
		e.lastCheckpointPhase = cp.Phase
		e.lastCheckpointID = *cp.LastProcessedID
	}

	phases := []store.Phase{store.PhaseBookmarks, store.PhaseAssets, store.PhaseReadStatus}
	start := 0
	if cp != nil {
		for i, p := range phases {
			if p == cp.Phase {
				start = i
				break
			}
		}
		e.logger.Printf("Resuming sync at phase %s", cp.Phase)
	}

	for i := start; i < len(phases); i++ {
		phase := phases[i]

		// Resume position only applies inside the checkpointed phase.
		var resumeAfter int64
		if cp != nil && cp.Phase == phase && cp.LastProcessedID != nil {
			resumeAfter = *cp.LastProcessedID
		}

		var err error
		switch phase {
		case store.PhaseBookmarks:
			err = e.syncBookmarks(ctx, freshRun, resumeAfter)
		case store.PhaseAssets:
			err = e.syncAssets(ctx, resumeAfter)
		case store.PhaseReadStatus:
			err = e.syncReadStatus(ctx, resumeAfter)
		}
		if err != nil {
			return &Result{Success: false, Err: err, Timestamp: time.Now()}
		}
	}

	return e.complete(ctx, freshRun)
}

// complete clears the checkpoint, advances the last-sync boundary for a
// fresh run, and builds the success result.
func (e *Engine) complete(ctx context.Context, freshRun bool) *Result {
	if err := e.store.ClearCheckpoint(ctx); err != nil {
		return &Result{Success: false, Err: err, Timestamp: time.Now()}
	}

	if freshRun {
		if err := e.store.SetLastSync(ctx, time.Now()); err != nil {
			return &Result{Success: false, Err: err, Timestamp: time.Now()}
		}
	}

	count, err := e.store.CountBookmarks(ctx)
	if err != nil {
		return &Result{Success: false, Err: err, Timestamp: time.Now()}
	}

	e.logger.Printf("Sync complete: %d bookmarks local", count)
	return &Result{Success: true, Processed: count, Timestamp: time.Now()}
}

// syncBookmarks mirrors the remote listing into the local store.
//
// A fresh run filters the listing by the last-sync timestamp; a resumed
// run always fetches the full listing and skips items at or before the
// checkpoint. The tombstone sweep and the archived-content drop only run
// against an unfiltered listing.
func (e *Engine) syncBookmarks(ctx context.Context, freshRun bool, resumeAfter int64) error {
	var since time.Time
	if freshRun {
		var err error
		since, err = e.store.LastSync(ctx)
		if err != nil {
			return fmt.Errorf("failed to load last-sync timestamp: %w", err)
		}
	}

	listing, err := e.remote.ListBookmarks(ctx, since)
	if err != nil {
		return fmt.Errorf("bookmark listing failed: %w", err)
	}

	total := len(listing)
	remoteIDs := make([]int64, 0, total)
	processed := 0

	for i, rb := range listing {
		remoteIDs = append(remoteIDs, rb.ID)

		if err := e.checkCancelled(ctx); err != nil {
			return err
		}
		if rb.ID <= resumeAfter {
			continue
		}

		local := &store.Bookmark{
			ID:              rb.ID,
			URL:             rb.URL,
			Title:           rb.Title,
			Description:     rb.Description,
			Tags:            rb.Tags,
			Archived:        rb.Archived,
			RemoteUpdatedAt: rb.UpdatedAt,
		}
		if err := e.store.UpsertBookmark(ctx, local); err != nil {
			e.logger.Printf("WARNING: failed to upsert bookmark %d: %v", rb.ID, err)
			continue
		}

		processed++
		e.report(i+1, total, store.PhaseBookmarks, rb.ID)

		if processed%bookmarkCheckpointEvery == 0 {
			if err := e.writeCheckpoint(ctx, store.PhaseBookmarks, rb.ID); err != nil {
				return err
			}
		}
	}

	if since.IsZero() {
		removed, err := e.store.DeleteBookmarksNotIn(ctx, remoteIDs)
		if err != nil {
			return fmt.Errorf("tombstone sweep failed: %w", err)
		}
		if removed > 0 {
			e.logger.Printf("Removed %d bookmarks deleted remotely", removed)
		}
	}

	for _, rb := range listing {
		if !rb.Archived {
			continue
		}
		if err := e.store.DropContent(ctx, rb.ID); err != nil {
			e.logger.Printf("WARNING: failed to drop content for archived bookmark %d: %v", rb.ID, err)
		}
	}

	return nil
}

// syncAssets fetches the remote asset for every non-archived bookmark that
// has no asset record yet. Per-item failures never abort the phase.
func (e *Engine) syncAssets(ctx context.Context, resumeAfter int64) error {
	pending, err := e.store.ListNeedingAssets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bookmarks needing assets: %w", err)
	}

	total := len(pending)
	processed := 0

	for i, b := range pending {
		if err := e.checkCancelled(ctx); err != nil {
			return err
		}
		if b.ID <= resumeAfter {
			continue
		}

		asset, err := e.remote.FetchAsset(ctx, b.ID)
		if err != nil {
			e.logger.Printf("WARNING: failed to fetch asset for bookmark %d: %v", b.ID, err)
			continue
		}
		if err := e.store.SaveAsset(ctx, b.ID, asset.ContentType, asset.Data); err != nil {
			e.logger.Printf("WARNING: failed to save asset for bookmark %d: %v", b.ID, err)
			continue
		}

		processed++
		e.report(i+1, total, store.PhaseAssets, b.ID)

		if processed%assetCheckpointEvery == 0 {
			if err := e.writeCheckpoint(ctx, store.PhaseAssets, b.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// syncReadStatus pushes pending read-state changes upstream and clears
// their flags. Per-item failures are logged and skipped.
func (e *Engine) syncReadStatus(ctx context.Context, resumeAfter int64) error {
	pending, err := e.store.ListNeedingReadSync(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bookmarks needing read sync: %w", err)
	}

	total := len(pending)
	processed := 0

	for i, b := range pending {
		if err := e.checkCancelled(ctx); err != nil {
			return err
		}
		if b.ID <= resumeAfter {
			continue
		}

		if err := e.remote.PushReadStatus(ctx, b.ID, b.Read, b.ReadProgress); err != nil {
			e.logger.Printf("WARNING: failed to push read status for bookmark %d: %v", b.ID, err)
			continue
		}
		if err := e.store.ClearReadSyncFlag(ctx, b.ID); err != nil {
			e.logger.Printf("WARNING: failed to clear read-sync flag for bookmark %d: %v", b.ID, err)
			continue
		}

		processed++
		e.report(i+1, total, store.PhaseReadStatus, b.ID)

		if processed%readCheckpointEvery == 0 {
			if err := e.writeCheckpoint(ctx, store.PhaseReadStatus, b.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// writeCheckpoint persists a resume marker, enforcing monotonic advance
// within the run.
func (e *Engine) writeCheckpoint(ctx context.Context, phase store.Phase, id int64) error {
	if phase == e.lastCheckpointPhase && id < e.lastCheckpointID {
		return nil
	}
	e.lastCheckpointPhase = phase
	e.lastCheckpointID = id

	cp := &store.Checkpoint{
		LastProcessedID: &id,
		Phase:           phase,
		Timestamp:       time.Now(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// checkCancelled is evaluated at the top of every per-item iteration.
func (e *Engine) checkCancelled(ctx context.Context) error {
	if e.cancelled.Load() {
		return ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

func (e *Engine) report(current, total int, phase store.Phase, itemID int64) {
	if e.progress != nil {
		e.progress(current, total, phase, itemID)
	}
}

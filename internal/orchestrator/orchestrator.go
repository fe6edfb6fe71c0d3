// Package orchestrator arbitrates foreground-driven sync against
// background-driven sync for one foreground process and exposes the single
// SyncState the UI reads.
//
// Only callbacks from this process's own worker are authoritative for
// SyncState. Broadcasts from the daemon are informational, with one
// exception: an interrupted-status broadcast triggers a check for
// remaining unsynced work and, when any exists, a fresh sync request.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/store"
)

// StatusIdle complements the run statuses shared with the hub protocol.
const StatusIdle = "idle"

// Timing defaults.
const (
	defaultLockWaitTimeout  = 30 * time.Second
	defaultLockPollInterval = 5 * time.Second
	defaultIdleResetDelay   = 3 * time.Second
	defaultSyncedClearDelay = 10 * time.Second
	teardownHandoffDelay    = 2 * time.Second
)

// SyncState is the UI-facing view of sync activity. IsSyncing implies
// Status is starting or syncing.
type SyncState struct {
	IsSyncing     bool
	Progress      int
	Total         int
	Phase         string
	Status        string
	SyncedIDs     map[int64]struct{}
	LastError     string
	RetryCount    int
	LockAvailable bool
}

func (s SyncState) clone() SyncState {
	out := s
	out.SyncedIDs = make(map[int64]struct{}, len(s.SyncedIDs))
	for id := range s.SyncedIDs {
		out.SyncedIDs[id] = struct{}{}
	}
	return out
}

// Worker is the slice of the supervisor the orchestrator drives.
type Worker interface {
	StartSync(settings config.Settings, fullSync bool) (string, error)
	CancelSync()
	Cleanup()
	IsSyncing() bool
}

// Hub is the slice of the daemon connection the orchestrator uses.
type Hub interface {
	Subscribe(fn coord.Subscriber) func()
	Publish(msg coord.Message) error
	RequestSyncRun(full bool, delay time.Duration) error
}

// Config holds orchestrator dependencies.
type Config struct {
	Store    *store.Store
	Settings *config.Manager
	Worker   Worker
	Lock     coord.Lock

	// Hub may be nil when no daemon is reachable; broadcasts and the
	// teardown handoff are then skipped.
	Hub Hub

	// OnStateChange receives a copy of SyncState after every mutation.
	OnStateChange func(SyncState)

	// Timing overrides, used by tests.
	LockWaitTimeout  time.Duration
	LockPollInterval time.Duration
	IdleResetDelay   time.Duration
	SyncedClearDelay time.Duration

	Logger *log.Logger
}

// Orchestrator owns SyncState for one foreground process.
type Orchestrator struct {
	cfg Config

	mu          sync.Mutex
	state       SyncState
	idleTimer   *time.Timer
	syncedTimer *time.Timer

	unsubscribe func()
	pollStop    chan struct{}
	pollOnce    sync.Once
	wg          sync.WaitGroup

	logger *log.Logger
}

// New creates an orchestrator from cfg. Callbacks for cfg.Worker should be
// built with o.Callbacks after construction.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings manager cannot be nil")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("lock cannot be nil")
	}
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = defaultLockWaitTimeout
	}
	if cfg.LockPollInterval <= 0 {
		cfg.LockPollInterval = defaultLockPollInterval
	}
	if cfg.IdleResetDelay <= 0 {
		cfg.IdleResetDelay = defaultIdleResetDelay
	}
	if cfg.SyncedClearDelay <= 0 {
		cfg.SyncedClearDelay = defaultSyncedClearDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}

	o := &Orchestrator{
		cfg:      cfg,
		pollStop: make(chan struct{}),
		logger:   cfg.Logger,
		state: SyncState{
			Status:        StatusIdle,
			SyncedIDs:     make(map[int64]struct{}),
			LockAvailable: true,
		},
	}
	return o, nil
}

// SetWorker wires the supervisor in after construction; the supervisor
// needs this orchestrator's callbacks to exist first.
func (o *Orchestrator) SetWorker(w Worker) {
	o.mu.Lock()
	o.cfg.Worker = w
	o.mu.Unlock()
}

// Start subscribes to daemon broadcasts and begins the display-only lock
// poll.
func (o *Orchestrator) Start(ctx context.Context) {
	if o.cfg.Hub != nil {
		o.unsubscribe = o.cfg.Hub.Subscribe(o.handleBroadcast)
	}

	o.wg.Add(1)
	go o.lockPoll(ctx)
}

// Close tears down subscriptions, timers, and the worker.
func (o *Orchestrator) Close() {
	o.pollOnce.Do(func() { close(o.pollStop) })
	if o.unsubscribe != nil {
		o.unsubscribe()
	}

	o.mu.Lock()
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	if o.syncedTimer != nil {
		o.syncedTimer.Stop()
	}
	o.mu.Unlock()

	if w := o.worker(); w != nil {
		w.Cleanup()
	}
	o.wg.Wait()
}

// State returns a copy of the current SyncState.
func (o *Orchestrator) State() SyncState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// RequestSync starts a sync run through this process's own worker. It is a
// no-op while a run is already in progress, fails fast when settings are
// not configured, and reports lock contention as a blocked-by-another-tab
// error without starting.
func (o *Orchestrator) RequestSync(ctx context.Context, fullSync bool) error {
	o.mu.Lock()
	if o.state.IsSyncing {
		o.mu.Unlock()
		o.logger.Println("Sync already in progress, ignoring request")
		return nil
	}
	o.mu.Unlock()

	settings, ok := o.cfg.Settings.Current()
	if !ok || !settings.Valid() {
		return fmt.Errorf("sync requested before settings are configured")
	}

	// Bounded wait for the lock, then an availability re-check. The
	// atomic acquire inside the worker is what actually guarantees
	// exclusion; this just avoids starting a run that would instantly
	// lose the race.
	available, err := o.cfg.Lock.IsAvailable(ctx, coord.SyncLockName)
	if err != nil {
		return fmt.Errorf("lock query failed: %w", err)
	}
	if !available {
		if err := o.cfg.Lock.WaitForRelease(ctx, coord.SyncLockName, o.cfg.LockWaitTimeout); err != nil {
			return o.blockedError()
		}
		available, err = o.cfg.Lock.IsAvailable(ctx, coord.SyncLockName)
		if err != nil {
			return fmt.Errorf("lock query failed: %w", err)
		}
		if !available {
			return o.blockedError()
		}
	}

	o.mutate(func(s *SyncState) {
		o.cancelTimersLocked()
		s.IsSyncing = true
		s.Status = coord.StatusStarting
		s.Progress = 0
		s.Total = 0
		s.Phase = ""
		s.LastError = ""
		if fullSync {
			s.SyncedIDs = make(map[int64]struct{})
		}
	})

	w := o.worker()
	if w == nil {
		return fmt.Errorf("no sync worker configured")
	}
	if _, err := w.StartSync(settings, fullSync); err != nil {
		o.mutate(func(s *SyncState) {
			s.IsSyncing = false
			s.Status = coord.StatusFailed
			s.LastError = err.Error()
		})
		return err
	}
	return nil
}

func (o *Orchestrator) blockedError() error {
	err := fmt.Errorf("sync blocked: another tab or process is already syncing: %w", coord.ErrLockUnavailable)
	o.mutate(func(s *SyncState) {
		s.LastError = err.Error()
	})
	return err
}

// CancelSync requests cancellation and returns without waiting for it.
func (o *Orchestrator) CancelSync() {
	if w := o.worker(); w != nil {
		w.CancelSync()
	}
}

func (o *Orchestrator) worker() Worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Worker
}

// DismissError clears the surfaced error and retry counter, both in memory
// and in the store.
func (o *Orchestrator) DismissError(ctx context.Context) error {
	o.mutate(func(s *SyncState) {
		s.LastError = ""
		s.RetryCount = 0
	})
	if err := o.cfg.Store.ClearLastError(ctx); err != nil {
		return err
	}
	return o.cfg.Store.ResetRetryCount(ctx)
}

// HandleTeardown hands an in-flight run off to the daemon before this
// process goes away. It returns a warning for the user when a run was
// interrupted, or the empty string.
func (o *Orchestrator) HandleTeardown() string {
	o.mu.Lock()
	syncing := o.state.IsSyncing
	progress := coord.ProgressMessage(o.state.Progress, o.state.Total, o.state.Phase)
	o.mu.Unlock()

	if !syncing {
		return ""
	}

	if o.cfg.Hub != nil {
		// Forward where we got to, then ask the daemon to resume from
		// the checkpoint once our lock is gone.
		if err := o.cfg.Hub.Publish(progress); err != nil {
			o.logger.Printf("Failed to forward progress during teardown: %v", err)
		}
		if err := o.cfg.Hub.RequestSyncRun(false, teardownHandoffDelay); err != nil {
			o.logger.Printf("Failed to request daemon takeover: %v", err)
		}
	}

	if w := o.worker(); w != nil {
		w.CancelSync()
	}

	o.mutate(func(s *SyncState) {
		s.IsSyncing = false
		s.Status = coord.StatusInterrupted
	})

	return "sync interrupted; the background service will resume it"
}

// Callbacks returns the worker callback set wired to this orchestrator.
// Pass it to the supervisor at construction.
func (o *Orchestrator) Callbacks() (onProgress func(int, int, store.Phase, int64), onComplete func(int), onError func(string, bool), onCancelled func(int)) {
	onProgress = func(current, total int, phase store.Phase, itemID int64) {
		o.mutate(func(s *SyncState) {
			s.IsSyncing = true
			s.Status = coord.StatusSyncing
			s.Progress = current
			s.Total = total
			s.Phase = string(phase)
			if phase == store.PhaseBookmarks && itemID != 0 {
				s.SyncedIDs[itemID] = struct{}{}
			}
		})
	}
	onComplete = func(processed int) {
		o.logger.Printf("Sync complete: %d bookmarks", processed)
		o.mutate(func(s *SyncState) {
			s.IsSyncing = false
			s.Status = coord.StatusCompleted
			s.Progress = processed
			s.Total = processed
			s.LastError = ""
			s.RetryCount = 0
		})
		o.scheduleIdleReset()
		o.scheduleSyncedClear()
	}
	onError = func(msg string, recoverable bool) {
		o.logger.Printf("Sync failed: %s (recoverable=%t)", msg, recoverable)
		o.mutate(func(s *SyncState) {
			s.IsSyncing = false
			s.Status = coord.StatusFailed
			s.LastError = msg
			s.RetryCount++
		})
	}
	onCancelled = func(processed int) {
		o.logger.Printf("Sync cancelled after %d items", processed)
		o.mutate(func(s *SyncState) {
			s.IsSyncing = false
			s.Status = coord.StatusCancelled
		})
		o.scheduleIdleReset()
	}
	return onProgress, onComplete, onError, onCancelled
}

// handleBroadcast consumes daemon broadcasts. Everything is informational
// for SyncState except an interrupted status, which triggers a resume
// check.
func (o *Orchestrator) handleBroadcast(msg coord.Message) {
	switch msg.Type {
	case coord.MessageStatus:
		if msg.Status == coord.StatusInterrupted {
			go o.resumeCheck()
		}
	case coord.MessageProgress, coord.MessageComplete, coord.MessageError:
		// Another context's run; never applied to local state.
	}
}

// resumeCheck picks up after an interrupted run elsewhere when unsynced
// work remains.
func (o *Orchestrator) resumeCheck() {
	if w := o.worker(); w != nil && w.IsSyncing() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pending, err := o.cfg.Store.HasUnsyncedWork(ctx)
	if err != nil {
		o.logger.Printf("Resume check failed: %v", err)
		return
	}
	if !pending {
		return
	}

	o.logger.Println("Interrupted sync left unsynced work, resuming")
	if err := o.RequestSync(ctx, false); err != nil {
		o.logger.Printf("Resume sync failed to start: %v", err)
	}
}

// lockPoll refreshes the display-only lock availability flag. It never
// drives IsSyncing.
func (o *Orchestrator) lockPoll(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.LockPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.pollStop:
			return
		case <-ticker.C:
			available, err := o.cfg.Lock.IsAvailable(ctx, coord.SyncLockName)
			if err != nil {
				continue
			}
			o.mu.Lock()
			changed := o.state.LockAvailable != available
			if changed {
				o.state.LockAvailable = available
			}
			state := o.state.clone()
			o.mu.Unlock()
			if changed && o.cfg.OnStateChange != nil {
				o.cfg.OnStateChange(state)
			}
		}
	}
}

// scheduleIdleReset returns the state to idle after the display delay,
// unless a new run started in the meantime.
func (o *Orchestrator) scheduleIdleReset() {
	o.mu.Lock()
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	o.idleTimer = time.AfterFunc(o.cfg.IdleResetDelay, func() {
		o.mutate(func(s *SyncState) {
			if s.IsSyncing {
				return
			}
			s.Status = StatusIdle
			s.Progress = 0
			s.Total = 0
			s.Phase = ""
		})
	})
	o.mu.Unlock()
}

// scheduleSyncedClear drops the highlighted synced IDs after a longer
// delay so the UI can show what just changed.
func (o *Orchestrator) scheduleSyncedClear() {
	o.mu.Lock()
	if o.syncedTimer != nil {
		o.syncedTimer.Stop()
	}
	o.syncedTimer = time.AfterFunc(o.cfg.SyncedClearDelay, func() {
		o.mutate(func(s *SyncState) {
			s.SyncedIDs = make(map[int64]struct{})
		})
	})
	o.mu.Unlock()
}

// cancelTimersLocked stops pending reset timers. Caller holds mu.
func (o *Orchestrator) cancelTimersLocked() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
		o.idleTimer = nil
	}
	if o.syncedTimer != nil {
		o.syncedTimer.Stop()
		o.syncedTimer = nil
	}
}

// mutate applies fn to the state under the lock and notifies the UI.
func (o *Orchestrator) mutate(fn func(*SyncState)) {
	o.mu.Lock()
	fn(&o.state)
	state := o.state.clone()
	o.mu.Unlock()

	if o.cfg.OnStateChange != nil {
		o.cfg.OnStateChange(state)
	}
}

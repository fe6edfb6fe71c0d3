// Package scheduler runs syncs in the background daemon.
//
// The scheduler owns one conceptual "run a sync now" entry point, reachable
// three ways: an immediate request, a one-shot deferred request (the
// page-teardown handoff), and the periodic ticker. Every run broadcasts its
// status and progress through the coordination hub so foreground processes
// can display it, and failed runs classified as network errors are retried
// with a fixed escalating delay table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/engine"
	"github.com/linkmirror/linkmirror/internal/remote"
	"github.com/linkmirror/linkmirror/internal/store"
)

// RetryDelays is the fixed backoff table, indexed by the persisted retry
// count. MaxRetries failures in a row stop automatic retries until a
// manual or periodic attempt succeeds.
var RetryDelays = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// MaxRetries is the retry ceiling.
var MaxRetries = len(RetryDelays)

// Config holds scheduler dependencies.
type Config struct {
	Store    *store.Store
	Settings *config.Manager

	// Lock guards every run. Required; must be the daemon's own table.
	Lock coord.Lock

	// Broadcast publishes a message to every connected foreground
	// process. Required.
	Broadcast func(coord.Message)

	// NewRemote builds a remote client from settings. Defaults to the
	// HTTP client; tests inject fakes.
	NewRemote func(config.Settings) remote.Client

	// MinInterval floors the periodic ticker regardless of settings.
	MinInterval time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger
}

// Scheduler wraps the sync engine with retry, resume, and broadcast
// behavior inside the daemon.
type Scheduler struct {
	cfg Config

	mu             sync.Mutex
	running        bool
	visible        int
	retryTimer     *time.Timer
	deferTimer     *time.Timer
	current        *engine.Engine
	lastRetryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a scheduler from cfg.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings manager cannot be nil")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("lock cannot be nil")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("broadcast func cannot be nil")
	}
	if cfg.NewRemote == nil {
		cfg.NewRemote = func(s config.Settings) remote.Client {
			return remote.NewHTTPClient(s.RemoteURL, s.AuthToken)
		}
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}, nil
}

// Start runs the periodic scheduling loop. It blocks until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Println("Starting background scheduler")

	s.wg.Add(1)
	go s.periodicLoop()

	select {
	case <-ctx.Done():
		return s.Stop()
	case <-s.ctx.Done():
		return nil
	}
}

// Stop cancels any in-flight run and pending timers and waits for the
// scheduling loop to drain.
func (s *Scheduler) Stop() error {
	s.logger.Println("Stopping background scheduler")
	s.cancel()

	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	if s.deferTimer != nil {
		s.deferTimer.Stop()
	}
	if s.current != nil {
		s.current.Cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

// SetVisibleClients updates the count of visible foreground processes.
// Periodic runs pause while any foreground is visible; the visible
// foreground owns scheduling then.
func (s *Scheduler) SetVisibleClients(n int) {
	s.mu.Lock()
	s.visible = n
	s.mu.Unlock()
}

// RunAfter schedules a one-shot deferred run. A new request replaces a
// pending one.
func (s *Scheduler) RunAfter(delay time.Duration, full bool) {
	if delay <= 0 {
		go s.RunNow(full)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deferTimer != nil {
		s.deferTimer.Stop()
	}
	s.logger.Printf("Deferred sync scheduled in %v (full=%t)", delay, full)
	s.deferTimer = time.AfterFunc(delay, func() { s.RunNow(full) })
}

// periodicLoop triggers runs on the configured interval while auto-sync is
// enabled and no foreground process is visible.
func (s *Scheduler) periodicLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ticker.Reset(s.interval())

			settings, ok := s.cfg.Settings.Current()
			if !ok || !settings.AutoSync {
				continue
			}

			s.mu.Lock()
			skip := s.running || s.visible > 0
			s.mu.Unlock()
			if skip {
				continue
			}

			s.RunNow(false)
		}
	}
}

func (s *Scheduler) interval() time.Duration {
	if settings, ok := s.cfg.Settings.Current(); ok && settings.SyncInterval > s.cfg.MinInterval {
		return settings.SyncInterval
	}
	return s.cfg.MinInterval
}

// RunNow executes one sync run. It is the single entry point behind the
// immediate, deferred, and periodic triggers. Returns the engine result,
// or nil when the run never started (overlap, missing settings, lock held).
func (s *Scheduler) RunNow(full bool) *engine.Result {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Println("Sync already running, skipping")
		return nil
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.current = nil
		s.mu.Unlock()
	}()

	return s.run(full)
}

func (s *Scheduler) run(full bool) *engine.Result {
	ctx := s.ctx
	start := time.Now()

	s.cfg.Broadcast(coord.StatusMessage(coord.StatusStarting))

	settings, ok := s.cfg.Settings.Current()
	if !ok || !settings.Valid() {
		s.reportFailure(start, fmt.Errorf("settings not configured"), false)
		return nil
	}

	// The lock comes before any mutation, including the full-sync reset.
	release, err := s.cfg.Lock.TryAcquire(ctx, coord.SyncLockName)
	if err != nil {
		s.reportFailure(start, fmt.Errorf("lock acquisition failed: %w", err), true)
		return nil
	}
	if release == nil {
		s.logger.Println("Sync lock held elsewhere, skipping background run")
		s.cfg.Broadcast(coord.ErrorMessage("another context is already syncing", false))
		s.cfg.Broadcast(coord.StatusMessage(coord.StatusFailed))
		return nil
	}
	defer release()

	// A full sync starts from a clean slate regardless of prior failures.
	if full {
		if err := s.resetForFullSync(ctx); err != nil {
			s.reportFailure(start, err, false)
			return nil
		}
	}

	var cp *store.Checkpoint
	if !full {
		cp, err = s.cfg.Store.LoadCheckpoint(ctx)
		if err != nil {
			s.reportFailure(start, err, false)
			return nil
		}
	}

	eng, err := engine.New(engine.Config{
		Store:  s.cfg.Store,
		Remote: s.cfg.NewRemote(settings),
		Logger: s.logger,
		OnProgress: func(current, total int, phase store.Phase, _ int64) {
			s.cfg.Broadcast(coord.ProgressMessage(current, total, string(phase)))
		},
	})
	if err != nil {
		s.reportFailure(start, err, false)
		return nil
	}

	s.mu.Lock()
	s.current = eng
	s.mu.Unlock()

	result := eng.PerformSync(ctx, cp)
	switch {
	case result.Success:
		s.reportSuccess(ctx, start, result)
	case errors.Is(result.Err, engine.ErrCancelled):
		s.logger.Println("Background sync cancelled")
		s.cfg.Broadcast(coord.StatusMessage(coord.StatusCancelled))
	default:
		s.reportFailure(start, result.Err, remote.IsNetworkError(result.Err))
	}
	return result
}

// resetForFullSync clears checkpoint, last-sync boundary, and retry state
// before a full run.
func (s *Scheduler) resetForFullSync(ctx context.Context) error {
	if err := s.cfg.Store.ClearCheckpoint(ctx); err != nil {
		return err
	}
	if err := s.cfg.Store.ResetLastSync(ctx); err != nil {
		return err
	}
	return s.cfg.Store.ResetRetryCount(ctx)
}

func (s *Scheduler) reportSuccess(ctx context.Context, start time.Time, result *engine.Result) {
	if err := s.cfg.Store.ResetRetryCount(ctx); err != nil {
		s.logger.Printf("Failed to reset retry counter: %v", err)
	}
	if err := s.cfg.Store.ClearLastError(ctx); err != nil {
		s.logger.Printf("Failed to clear last error: %v", err)
	}

	duration := time.Since(start)
	s.logger.Printf("Background sync complete: %d bookmarks in %v",
		result.Processed, duration.Round(time.Millisecond))

	s.cfg.Broadcast(coord.CompleteMessage(true, result.Processed, duration, ""))
	s.cfg.Broadcast(coord.StatusMessage(coord.StatusCompleted))
}

// reportFailure persists the error, broadcasts it, and schedules a retry
// for recoverable failures below the ceiling.
func (s *Scheduler) reportFailure(start time.Time, err error, recoverable bool) {
	ctx := context.Background()
	msg := err.Error()

	s.logger.Printf("Background sync failed: %v (recoverable=%t)", err, recoverable)

	if serr := s.cfg.Store.SetLastError(ctx, msg); serr != nil {
		s.logger.Printf("Failed to persist sync error: %v", serr)
	}

	s.cfg.Broadcast(coord.ErrorMessage(msg, recoverable))
	s.cfg.Broadcast(coord.StatusMessage(coord.StatusFailed))

	if !recoverable {
		return
	}

	count, rerr := s.cfg.Store.RetryCount(ctx)
	if rerr != nil {
		s.logger.Printf("Failed to read retry counter: %v", rerr)
		return
	}
	if count >= MaxRetries {
		s.logger.Printf("Retry ceiling reached (%d), not rescheduling", count)
		return
	}

	delay := RetryDelays[count]
	if serr := s.cfg.Store.SetRetryCount(ctx, count+1); serr != nil {
		s.logger.Printf("Failed to persist retry counter: %v", serr)
	}

	s.logger.Printf("Scheduling retry %d/%d in %v", count+1, MaxRetries, delay)

	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.lastRetryDelay = delay
	s.retryTimer = time.AfterFunc(delay, func() { s.RunNow(false) })
	s.mu.Unlock()
}

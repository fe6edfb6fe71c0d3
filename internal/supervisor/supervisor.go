// Package supervisor owns the dedicated sync worker of one foreground
// process. It translates the correlated request/response protocol the
// worker speaks into the typed callbacks the orchestrator consumes, and
// watches worker health while a run is outstanding.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/remote"
	"github.com/linkmirror/linkmirror/internal/store"
)

const (
	defaultHealthInterval = 30 * time.Second
	creationPollInterval  = 10 * time.Millisecond
	creationPollTimeout   = 5 * time.Second
)

// Callbacks receive worker responses for the outstanding run. Any of them
// may be nil.
type Callbacks struct {
	OnProgress  func(current, total int, phase store.Phase, itemID int64)
	OnComplete  func(processed int)
	OnError     func(msg string, recoverable bool)
	OnCancelled func(processed int)
}

// Config holds supervisor dependencies.
type Config struct {
	Store     *store.Store
	Lock      coord.Lock
	Callbacks Callbacks

	// NewRemote builds a remote client from settings. Defaults to the
	// HTTP client.
	NewRemote func(config.Settings) remote.Client

	// HealthInterval is how often worker health is checked while a run
	// is outstanding. Defaults to 30s.
	HealthInterval time.Duration

	Logger *log.Logger
}

// Supervisor lazily creates exactly one worker and routes its responses.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	worker    *worker
	creating  bool
	syncing   bool
	currentID string
	startedAt time.Time

	health     *time.Ticker
	healthDone chan struct{}

	wg     sync.WaitGroup
	logger *log.Logger
}

// New creates a supervisor from cfg.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("lock cannot be nil")
	}
	if cfg.NewRemote == nil {
		cfg.NewRemote = func(s config.Settings) remote.Client {
			return remote.NewHTTPClient(s.RemoteURL, s.AuthToken)
		}
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[supervisor] ", log.LstdFlags)
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger}, nil
}

// IsSyncing reports whether a run is outstanding.
func (s *Supervisor) IsSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// CurrentID returns the correlation ID of the outstanding run, if any.
func (s *Supervisor) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// StartSync begins a sync run and returns its correlation ID immediately,
// without awaiting completion.
func (s *Supervisor) StartSync(settings config.Settings, fullSync bool) (string, error) {
	id := uuid.New().String()

	// The busy check and the reservation share one critical section so two
	// concurrent callers cannot both be accepted.
	s.mu.Lock()
	if s.syncing {
		outstanding := s.currentID
		s.mu.Unlock()
		return outstanding, fmt.Errorf("sync already in progress")
	}
	s.syncing = true
	s.currentID = id
	s.startedAt = time.Now()
	s.startHealthCheckLocked()
	s.mu.Unlock()

	w, err := s.ensureWorker()
	if err != nil {
		s.clearRun(id)
		return "", err
	}

	select {
	case w.requests <- Request{Type: RequestStartSync, ID: id, Settings: settings, FullSync: fullSync}:
	case <-w.done:
		s.clearRun(id)
		return "", fmt.Errorf("worker terminated")
	}

	s.logger.Printf("Started sync run %s (full=%t)", shortID(id), fullSync)
	return id, nil
}

// CancelSync requests cooperative cancellation of the outstanding run. It
// does not wait for confirmation.
func (s *Supervisor) CancelSync() {
	s.mu.Lock()
	w, id := s.worker, s.currentID
	s.mu.Unlock()
	if w == nil || id == "" {
		return
	}
	select {
	case w.requests <- Request{Type: RequestCancelSync, ID: id}:
	case <-w.done:
	}
}

// Cleanup terminates the worker and clears all run state. Idempotent.
func (s *Supervisor) Cleanup() {
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.syncing = false
	s.currentID = ""
	s.stopHealthCheckLocked()
	s.mu.Unlock()

	if w != nil {
		w.terminate()
	}
	s.wg.Wait()
}

// ensureWorker returns the worker, creating it if needed. Concurrent
// callers block behind a single in-flight creation via the guard and a
// short poll loop.
func (s *Supervisor) ensureWorker() (*worker, error) {
	deadline := time.Now().Add(creationPollTimeout)
	for {
		s.mu.Lock()
		if s.worker != nil {
			w := s.worker
			s.mu.Unlock()
			return w, nil
		}
		if !s.creating {
			s.creating = true
			s.mu.Unlock()

			w := newWorker(s.cfg.Store, s.cfg.Lock, s.cfg.NewRemote, s.logger)
			go w.loop()
			s.wg.Add(1)
			go s.routeResponses(w)

			s.mu.Lock()
			s.worker = w
			s.creating = false
			s.mu.Unlock()
			return w, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for worker creation")
		}
		time.Sleep(creationPollInterval)
	}
}

// routeResponses dispatches worker responses to the typed callbacks.
// Responses whose correlation ID does not match the outstanding run are
// discarded.
func (s *Supervisor) routeResponses(w *worker) {
	defer s.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case resp := <-w.responses:
			s.handle(resp)
		}
	}
}

func (s *Supervisor) handle(resp Response) {
	s.mu.Lock()
	if resp.ID != s.currentID {
		s.mu.Unlock()
		s.logger.Printf("Discarding stale worker response %s (%s)", shortID(resp.ID), resp.Type)
		return
	}
	cb := s.cfg.Callbacks
	terminal := resp.Type != ResponseProgress
	if terminal {
		s.syncing = false
		s.currentID = ""
		s.stopHealthCheckLocked()
	}
	s.mu.Unlock()

	switch resp.Type {
	case ResponseProgress:
		if cb.OnProgress != nil {
			cb.OnProgress(resp.Current, resp.Total, resp.Phase, resp.ItemID)
		}
	case ResponseComplete:
		if cb.OnComplete != nil {
			cb.OnComplete(resp.Processed)
		}
	case ResponseCancelled:
		if cb.OnCancelled != nil {
			cb.OnCancelled(resp.Processed)
		}
	case ResponseError:
		if !resp.Recoverable {
			// A worker fault is terminal for the worker too.
			s.terminateWorker()
		}
		if cb.OnError != nil {
			cb.OnError(resp.Err, resp.Recoverable)
		}
	}
}

func (s *Supervisor) terminateWorker() {
	s.mu.Lock()
	w := s.worker
	s.worker = nil
	s.mu.Unlock()
	if w != nil {
		w.terminate()
	}
}

func (s *Supervisor) clearRun(id string) {
	s.mu.Lock()
	if s.currentID == id {
		s.syncing = false
		s.currentID = ""
		s.stopHealthCheckLocked()
	}
	s.mu.Unlock()
}

// startHealthCheckLocked arms the periodic health check. Caller holds mu.
func (s *Supervisor) startHealthCheckLocked() {
	if s.health != nil {
		return
	}
	s.health = time.NewTicker(s.cfg.HealthInterval)
	s.healthDone = make(chan struct{})
	done := s.healthDone
	ticker := s.health
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.healthCheck()
			}
		}
	}()
}

// stopHealthCheckLocked disarms the health check. Caller holds mu.
func (s *Supervisor) stopHealthCheckLocked() {
	if s.health == nil {
		return
	}
	s.health.Stop()
	close(s.healthDone)
	s.health = nil
	s.healthDone = nil
}

// healthCheck guards against a worker that died without releasing the
// sync lock: a run is outstanding, the grace period has passed, and the
// worker reports no run actually executing.
func (s *Supervisor) healthCheck() {
	s.mu.Lock()
	w := s.worker
	outstanding := s.syncing
	age := time.Since(s.startedAt)
	id := s.currentID
	s.mu.Unlock()

	if !outstanding || w == nil || age < s.cfg.HealthInterval {
		return
	}
	if w.isRunning() {
		return
	}

	s.logger.Printf("Worker has no run executing but run %s is outstanding, recovering", shortID(id))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	available, err := s.cfg.Lock.IsAvailable(ctx, coord.SyncLockName)
	if err == nil && !available {
		if err := s.cfg.Lock.EmergencyRelease(ctx, coord.SyncLockName); err != nil {
			s.logger.Printf("Emergency lock release failed: %v", err)
		}
	}

	s.terminateWorker()
	s.clearRun(id)
	if cb := s.cfg.Callbacks.OnError; cb != nil {
		cb("sync worker stopped responding", false)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

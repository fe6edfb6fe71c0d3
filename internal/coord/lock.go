package coord

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SyncLockName is the one well-known lock name shared by every context.
const SyncLockName = "linkmirror-sync"

// Default lock timing. A holder that has been sitting on the lock past the
// steal threshold is presumed crashed and the lock may be taken over.
const (
	DefaultAcquireTimeout = 5 * time.Minute
	DefaultStealThreshold = 10 * time.Minute
)

// Lock errors.
var (
	// ErrLockTimeout means the lock was not released within the wait bound.
	ErrLockTimeout = errors.New("timed out waiting for lock release")

	// ErrLockUnavailable means the lock was still held after waiting.
	ErrLockUnavailable = errors.New("lock is held by another context")
)

// Releaser releases an acquired lock. It must be called on every exit path
// of the run that acquired it and is safe to call more than once.
type Releaser func()

// Lock is the distributed mutual-exclusion primitive. Acquisition must be
// the first action of any code path about to run a sync; IsAvailable is a
// display-only query and must never gate actually starting work.
type Lock interface {
	// TryAcquire atomically attempts to take the named lock. It returns a
	// nil Releaser (and nil error) when the lock is held elsewhere.
	TryAcquire(ctx context.Context, name string) (Releaser, error)

	// IsAvailable reports whether the lock is currently free. Display only.
	IsAvailable(ctx context.Context, name string) (bool, error)

	// WaitForRelease blocks until the named lock is free or the timeout
	// elapses, returning ErrLockTimeout in the latter case.
	WaitForRelease(ctx context.Context, name string, timeout time.Duration) error

	// EmergencyRelease force-releases the lock regardless of holder. It
	// exists to recover from a holder that crashed without cleanup and is
	// safe to call when the lock is already free.
	EmergencyRelease(ctx context.Context, name string) error
}

// lockEntry records the current holder of one named lock.
type lockEntry struct {
	holder     string
	acquiredAt time.Time
}

// Manager is the in-memory named-mutex table. The daemon owns one instance:
// its own scheduler acquires through it directly and every other process
// reaches it through the hub.
type Manager struct {
	mu      sync.Mutex
	locks   map[string]lockEntry
	waiters map[string][]chan struct{}
	steal   time.Duration
	now     func() time.Time
}

// NewManager creates a lock manager with the default steal threshold.
func NewManager() *Manager {
	return &Manager{
		locks:   make(map[string]lockEntry),
		waiters: make(map[string][]chan struct{}),
		steal:   DefaultStealThreshold,
		now:     time.Now,
	}
}

// TryAcquire atomically takes the named lock for holder. A lock whose
// holder has exceeded the steal threshold is taken over.
func (m *Manager) TryAcquire(name, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, held := m.locks[name]; held {
		if m.now().Sub(entry.acquiredAt) < m.steal {
			return false
		}
		// Holder presumed crashed; steal.
	}

	m.locks[name] = lockEntry{holder: holder, acquiredAt: m.now()}
	return true
}

// Release frees the named lock if holder still owns it and wakes waiters.
func (m *Manager) Release(name, holder string) {
	m.mu.Lock()
	entry, held := m.locks[name]
	if held && entry.holder == holder {
		delete(m.locks, name)
		m.wakeWaitersLocked(name)
	}
	m.mu.Unlock()
}

// EmergencyRelease frees the named lock regardless of holder. No-op when
// the lock is already free.
func (m *Manager) EmergencyRelease(name string) {
	m.mu.Lock()
	if _, held := m.locks[name]; held {
		delete(m.locks, name)
		m.wakeWaitersLocked(name)
	}
	m.mu.Unlock()
}

// IsAvailable reports whether the named lock is currently free.
func (m *Manager) IsAvailable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[name]
	if !held {
		return true
	}
	return m.now().Sub(entry.acquiredAt) >= m.steal
}

// Holder returns the current holder of the named lock, if any.
func (m *Manager) Holder(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, held := m.locks[name]
	return entry.holder, held
}

// ReleaseAllHeldBy frees every lock held by holder. Called when a hub
// client disconnects so a crashed foreground never wedges the table.
func (m *Manager) ReleaseAllHeldBy(holder string) {
	m.mu.Lock()
	for name, entry := range m.locks {
		if entry.holder == holder {
			delete(m.locks, name)
			m.wakeWaitersLocked(name)
		}
	}
	m.mu.Unlock()
}

// AwaitRelease blocks until the named lock is free, the timeout elapses
// (ErrLockTimeout), or ctx is cancelled.
func (m *Manager) AwaitRelease(ctx context.Context, name string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if _, held := m.locks[name]; !held {
			m.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		m.waiters[name] = append(m.waiters[name], ch)
		m.mu.Unlock()

		select {
		case <-ch:
			// Re-check; another waiter may have re-acquired already.
		case <-deadline.C:
			return ErrLockTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) wakeWaitersLocked(name string) {
	for _, ch := range m.waiters[name] {
		close(ch)
	}
	delete(m.waiters, name)
}

// LocalLock adapts a Manager to the Lock interface for in-process use: the
// daemon's scheduler, and the one-shot foreground path when no daemon is
// reachable (single-process correctness only).
type LocalLock struct {
	manager *Manager
	holder  string
}

// NewLocalLock creates a Lock backed by manager, acquiring as holder.
func NewLocalLock(manager *Manager, holder string) *LocalLock {
	return &LocalLock{manager: manager, holder: holder}
}

// TryAcquire implements Lock.
func (l *LocalLock) TryAcquire(_ context.Context, name string) (Releaser, error) {
	if !l.manager.TryAcquire(name, l.holder) {
		return nil, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.manager.Release(name, l.holder) })
	}, nil
}

// IsAvailable implements Lock.
func (l *LocalLock) IsAvailable(_ context.Context, name string) (bool, error) {
	return l.manager.IsAvailable(name), nil
}

// WaitForRelease implements Lock.
func (l *LocalLock) WaitForRelease(ctx context.Context, name string, timeout time.Duration) error {
	return l.manager.AwaitRelease(ctx, name, timeout)
}

// EmergencyRelease implements Lock.
func (l *LocalLock) EmergencyRelease(_ context.Context, name string) error {
	l.manager.EmergencyRelease(name)
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/store"
)

// fakeWorker records supervisor calls.
type fakeWorker struct {
	mu        sync.Mutex
	starts    []bool
	cancels   int
	cleanups  int
	syncing   bool
	startErr  error
	onStarted chan struct{}
}

func (f *fakeWorker) StartSync(settings config.Settings, fullSync bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, fullSync)
	if f.onStarted != nil {
		select {
		case f.onStarted <- struct{}{}:
		default:
		}
	}
	return "run-1", nil
}

func (f *fakeWorker) CancelSync() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeWorker) Cleanup() {
	f.mu.Lock()
	f.cleanups++
	f.mu.Unlock()
}

func (f *fakeWorker) IsSyncing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncing
}

func (f *fakeWorker) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// fakeHub records published messages and deferred-run requests.
type fakeHub struct {
	mu        sync.Mutex
	published []coord.Message
	deferred  []time.Duration
	sub       coord.Subscriber
}

func (f *fakeHub) Subscribe(fn coord.Subscriber) func() {
	f.mu.Lock()
	f.sub = fn
	f.mu.Unlock()
	return func() {}
}

func (f *fakeHub) Publish(msg coord.Message) error {
	f.mu.Lock()
	f.published = append(f.published, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeHub) RequestSyncRun(full bool, delay time.Duration) error {
	f.mu.Lock()
	f.deferred = append(f.deferred, delay)
	f.mu.Unlock()
	return nil
}

func loadedSettings(t *testing.T) *config.Manager {
	t.Helper()
	manager := config.NewManager(nil)
	if err := manager.Load(filepath.Join(t.TempDir(), "config.yaml")); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := manager.Set("remote_url", "https://example.com"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := manager.Set("auth_token", "token"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	return manager
}

type fixture struct {
	orch   *Orchestrator
	worker *fakeWorker
	hub    *fakeHub
	store  *store.Store
	locks  *coord.Manager
}

func newFixture(t *testing.T, settings *config.Manager) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if settings == nil {
		settings = config.NewManager(nil) // nothing loaded
	}

	locks := coord.NewManager()
	worker := &fakeWorker{}
	hub := &fakeHub{}

	orch, err := New(Config{
		Store:            st,
		Settings:         settings,
		Worker:           worker,
		Lock:             coord.NewLocalLock(locks, "tab-1"),
		Hub:              hub,
		LockWaitTimeout:  100 * time.Millisecond,
		IdleResetDelay:   50 * time.Millisecond,
		SyncedClearDelay: 80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(orch.Close)

	return &fixture{orch: orch, worker: worker, hub: hub, store: st, locks: locks}
}

func TestRequestSyncDelegates(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	ctx := context.Background()

	if err := f.orch.RequestSync(ctx, false); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}

	state := f.orch.State()
	if !state.IsSyncing || state.Status != coord.StatusStarting {
		t.Fatalf("expected starting state, got %+v", state)
	}
	if f.worker.startCount() != 1 {
		t.Fatalf("expected one worker start, got %d", f.worker.startCount())
	}

	// A second request while syncing is a no-op, not an error.
	if err := f.orch.RequestSync(ctx, false); err != nil {
		t.Fatalf("RequestSync while syncing: %v", err)
	}
	if f.worker.startCount() != 1 {
		t.Fatal("request while syncing must not start another run")
	}
}

func TestRequestSyncWithoutSettings(t *testing.T) {
	f := newFixture(t, nil)

	err := f.orch.RequestSync(context.Background(), false)
	if err == nil {
		t.Fatal("expected error without settings")
	}
	if f.worker.startCount() != 0 {
		t.Fatal("worker must not start without settings")
	}
}

func TestRequestSyncBlockedByAnotherTab(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	f.locks.TryAcquire(coord.SyncLockName, "other-tab")

	err := f.orch.RequestSync(context.Background(), false)
	if !errors.Is(err, coord.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if f.worker.startCount() != 0 {
		t.Fatal("worker must not start while blocked")
	}

	state := f.orch.State()
	if state.IsSyncing {
		t.Fatal("blocked request must not mark state syncing")
	}
	if state.LastError == "" {
		t.Fatal("blocked request must surface an error")
	}
}

func TestCallbacksDriveState(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	onProgress, onComplete, _, _ := f.orch.Callbacks()

	onProgress(3, 10, store.PhaseBookmarks, 7)
	state := f.orch.State()
	if !state.IsSyncing || state.Status != coord.StatusSyncing {
		t.Fatalf("expected syncing state, got %+v", state)
	}
	if state.Progress != 3 || state.Total != 10 || state.Phase != string(store.PhaseBookmarks) {
		t.Fatalf("progress not applied: %+v", state)
	}
	if _, ok := state.SyncedIDs[7]; !ok {
		t.Fatal("bookmark ID not recorded in syncedIDs")
	}

	onComplete(10)
	state = f.orch.State()
	if state.IsSyncing || state.Status != coord.StatusCompleted {
		t.Fatalf("expected completed state, got %+v", state)
	}

	// After the display delay the state returns to idle, and later the
	// synced IDs are cleared too.
	deadline := time.Now().Add(2 * time.Second)
	for {
		state = f.orch.State()
		if state.Status == StatusIdle && len(state.SyncedIDs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never reset to idle: %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSyncingInvariant(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	onProgress, onComplete, onError, onCancelled := f.orch.Callbacks()

	check := func(stage string) {
		t.Helper()
		state := f.orch.State()
		if state.IsSyncing && state.Status != coord.StatusStarting && state.Status != coord.StatusSyncing {
			t.Fatalf("%s: isSyncing with status %q", stage, state.Status)
		}
	}

	if err := f.orch.RequestSync(context.Background(), false); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	check("after request")

	onProgress(1, 2, store.PhaseBookmarks, 1)
	check("after progress")

	onError("boom", false)
	check("after error")

	onProgress(1, 2, store.PhaseAssets, 0)
	check("after progress resumes")

	onCancelled(1)
	check("after cancel")

	onComplete(2)
	check("after complete")
}

func TestBackgroundBroadcastsInformational(t *testing.T) {
	f := newFixture(t, loadedSettings(t))

	f.orch.handleBroadcast(coord.ProgressMessage(5, 10, "bookmarks"))
	f.orch.handleBroadcast(coord.CompleteMessage(true, 10, time.Second, ""))
	f.orch.handleBroadcast(coord.ErrorMessage("remote down", true))

	state := f.orch.State()
	if state.IsSyncing {
		t.Fatal("background progress must not set isSyncing")
	}
	if state.Progress != 0 || state.LastError != "" {
		t.Fatalf("background broadcasts leaked into state: %+v", state)
	}
	if f.worker.startCount() != 0 {
		t.Fatal("background broadcasts must not start a run")
	}
}

func TestInterruptedBroadcastTriggersResume(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	ctx := context.Background()

	// Unsynced work: a bookmark with no cached asset.
	if err := f.store.UpsertBookmark(ctx, &store.Bookmark{ID: 1, URL: "https://example.com/1", Title: "One"}); err != nil {
		t.Fatalf("UpsertBookmark: %v", err)
	}

	f.worker.onStarted = make(chan struct{}, 1)
	f.orch.handleBroadcast(coord.StatusMessage(coord.StatusInterrupted))

	select {
	case <-f.worker.onStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted broadcast never triggered a resume run")
	}
}

func TestInterruptedBroadcastNoWorkNoResume(t *testing.T) {
	f := newFixture(t, loadedSettings(t))

	f.orch.handleBroadcast(coord.StatusMessage(coord.StatusInterrupted))
	time.Sleep(200 * time.Millisecond)

	if f.worker.startCount() != 0 {
		t.Fatal("resume must not run when no unsynced work remains")
	}
}

func TestHandleTeardown(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	onProgress, _, _, _ := f.orch.Callbacks()

	if err := f.orch.RequestSync(context.Background(), false); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	onProgress(4, 10, store.PhaseAssets, 0)

	warning := f.orch.HandleTeardown()
	if warning == "" {
		t.Fatal("expected a teardown warning while syncing")
	}

	state := f.orch.State()
	if state.IsSyncing || state.Status != coord.StatusInterrupted {
		t.Fatalf("expected interrupted state, got %+v", state)
	}

	f.worker.mu.Lock()
	cancels := f.worker.cancels
	f.worker.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected one cancel, got %d", cancels)
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.deferred) != 1 {
		t.Fatalf("expected one deferred daemon request, got %d", len(f.hub.deferred))
	}
	if len(f.hub.published) == 0 || f.hub.published[0].Type != coord.MessageProgress {
		t.Fatal("expected progress forwarded to the daemon")
	}
}

func TestHandleTeardownIdle(t *testing.T) {
	f := newFixture(t, loadedSettings(t))

	if warning := f.orch.HandleTeardown(); warning != "" {
		t.Fatalf("expected no warning while idle, got %q", warning)
	}

	f.hub.mu.Lock()
	defer f.hub.mu.Unlock()
	if len(f.hub.deferred) != 0 {
		t.Fatal("idle teardown must not request a daemon run")
	}
}

func TestDismissError(t *testing.T) {
	f := newFixture(t, loadedSettings(t))
	ctx := context.Background()
	_, _, onError, _ := f.orch.Callbacks()

	if err := f.store.SetLastError(ctx, "remote down"); err != nil {
		t.Fatalf("SetLastError: %v", err)
	}
	if err := f.store.SetRetryCount(ctx, 2); err != nil {
		t.Fatalf("SetRetryCount: %v", err)
	}
	onError("remote down", true)

	if err := f.orch.DismissError(ctx); err != nil {
		t.Fatalf("DismissError: %v", err)
	}

	state := f.orch.State()
	if state.LastError != "" || state.RetryCount != 0 {
		t.Fatalf("in-memory error not cleared: %+v", state)
	}

	if msg, err := f.store.LastError(ctx); err != nil || msg != "" {
		t.Fatalf("persisted error not cleared: %q err=%v", msg, err)
	}
	if count, err := f.store.RetryCount(ctx); err != nil || count != 0 {
		t.Fatalf("persisted retry count not cleared: %d err=%v", count, err)
	}
}

func TestCancelSyncFireAndForget(t *testing.T) {
	f := newFixture(t, loadedSettings(t))

	f.orch.CancelSync()

	f.worker.mu.Lock()
	defer f.worker.mu.Unlock()
	if f.worker.cancels != 1 {
		t.Fatalf("expected cancel delegated, got %d", f.worker.cancels)
	}
}

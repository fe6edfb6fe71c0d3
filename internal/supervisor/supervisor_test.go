package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/remote"
	"github.com/linkmirror/linkmirror/internal/store"
)

// stubRemote serves a tiny listing, optionally stalling or panicking.
type stubRemote struct {
	mu      sync.Mutex
	stall   chan struct{}
	panicOn bool
}

func (s *stubRemote) ListBookmarks(ctx context.Context, since time.Time) ([]remote.Bookmark, error) {
	if s.panicOn {
		panic("remote exploded")
	}
	if s.stall != nil {
		select {
		case <-s.stall:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []remote.Bookmark{
		{ID: 1, URL: "https://example.com/1", Title: "One", UpdatedAt: time.Now()},
	}, nil
}

func (s *stubRemote) FetchAsset(ctx context.Context, bookmarkID int64) (*remote.Asset, error) {
	return &remote.Asset{ContentType: "text/html", Data: []byte("x")}, nil
}

func (s *stubRemote) PushReadStatus(ctx context.Context, bookmarkID int64, read bool, progress float64) error {
	return nil
}

// events collects callback invocations.
type events struct {
	mu        sync.Mutex
	completed []int
	errors    []string
	cancelled []int
	progress  int
	done      chan string
}

func newEvents() *events {
	return &events{done: make(chan string, 8)}
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(current, total int, phase store.Phase, itemID int64) {
			e.mu.Lock()
			e.progress++
			e.mu.Unlock()
		},
		OnComplete: func(processed int) {
			e.mu.Lock()
			e.completed = append(e.completed, processed)
			e.mu.Unlock()
			e.done <- ResponseComplete
		},
		OnError: func(msg string, recoverable bool) {
			e.mu.Lock()
			e.errors = append(e.errors, msg)
			e.mu.Unlock()
			e.done <- ResponseError
		},
		OnCancelled: func(processed int) {
			e.mu.Lock()
			e.cancelled = append(e.cancelled, processed)
			e.mu.Unlock()
			e.done <- ResponseCancelled
		},
	}
}

func (e *events) wait(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-e.done:
		if got != want {
			t.Fatalf("expected %s callback, got %s", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s callback", want)
	}
}

func testSupervisor(t *testing.T, r remote.Client, ev *events) *Supervisor {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sup, err := New(Config{
		Store:     st,
		Lock:      coord.NewLocalLock(coord.NewManager(), "tab-1"),
		Callbacks: ev.callbacks(),
		NewRemote: func(config.Settings) remote.Client { return r },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sup.Cleanup)
	return sup
}

func TestStartSyncCompletes(t *testing.T) {
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{}, ev)

	id, err := sup.StartSync(config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}, false)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	if id == "" {
		t.Fatal("expected a correlation ID")
	}
	if !sup.IsSyncing() {
		t.Fatal("expected supervisor busy right after StartSync")
	}

	ev.wait(t, ResponseComplete)

	if sup.IsSyncing() {
		t.Fatal("expected supervisor idle after completion")
	}
	if sup.CurrentID() != "" {
		t.Fatal("expected correlation ID cleared after completion")
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.completed) != 1 || ev.completed[0] != 1 {
		t.Fatalf("unexpected completions: %v", ev.completed)
	}
	if ev.progress == 0 {
		t.Fatal("expected progress callbacks before completion")
	}
}

func TestStartSyncWhileBusy(t *testing.T) {
	stall := make(chan struct{})
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{stall: stall}, ev)

	settings := config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}
	first, err := sup.StartSync(settings, false)
	if err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	second, err := sup.StartSync(settings, false)
	if err == nil {
		t.Fatal("expected second StartSync to be refused")
	}
	if second != first {
		t.Fatalf("refusal should report the outstanding run, got %s want %s", second, first)
	}

	close(stall)
	ev.wait(t, ResponseComplete)
}

func TestStartSyncConcurrent(t *testing.T) {
	stall := make(chan struct{})
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{stall: stall}, ev)

	settings := config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := make(map[string]struct{})

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if id, err := sup.StartSync(settings, false); err == nil {
				mu.Lock()
				accepted[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(accepted) != 1 {
		t.Fatalf("expected exactly one accepted run, got %d", len(accepted))
	}
	for id := range accepted {
		if got := sup.CurrentID(); got != id {
			t.Fatalf("outstanding run %s does not match accepted run %s", got, id)
		}
	}

	// The accepted run still completes and reports back; the losers must
	// not have clobbered its correlation state.
	close(stall)
	ev.wait(t, ResponseComplete)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.completed) != 1 {
		t.Fatalf("expected one completion, got %v", ev.completed)
	}
}

func TestCancelSync(t *testing.T) {
	stall := make(chan struct{})
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{stall: stall}, ev)

	if _, err := sup.StartSync(config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}, false); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	// Give the worker time to enter the stalled listing call, then cancel.
	// Cancellation is cooperative: the in-flight listing finishes and the
	// run aborts at the next item iteration.
	time.Sleep(50 * time.Millisecond)
	sup.CancelSync()
	close(stall)

	ev.wait(t, ResponseCancelled)
	if sup.IsSyncing() {
		t.Fatal("expected supervisor idle after cancellation")
	}
}

func TestWorkerFault(t *testing.T) {
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{panicOn: true}, ev)

	if _, err := sup.StartSync(config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}, false); err != nil {
		t.Fatalf("StartSync: %v", err)
	}

	ev.wait(t, ResponseError)

	if sup.IsSyncing() {
		t.Fatal("expected supervisor idle after worker fault")
	}

	sup.mu.Lock()
	worker := sup.worker
	sup.mu.Unlock()
	if worker != nil {
		t.Fatal("expected worker terminated after fault")
	}

	// A fresh run must still work: the worker is recreated lazily.
	ev2 := newEvents()
	sup2 := testSupervisor(t, &stubRemote{}, ev2)
	if _, err := sup2.StartSync(config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}, false); err != nil {
		t.Fatalf("StartSync after fault: %v", err)
	}
	ev2.wait(t, ResponseComplete)
}

func TestStaleResponseDiscarded(t *testing.T) {
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{}, ev)

	sup.handle(Response{Type: ResponseComplete, ID: "stale-run", Processed: 99})

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.completed) != 0 {
		t.Fatalf("stale response must be discarded, got %v", ev.completed)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	ev := newEvents()
	sup := testSupervisor(t, &stubRemote{}, ev)

	if _, err := sup.StartSync(config.Settings{RemoteURL: "https://example.com", AuthToken: "t"}, false); err != nil {
		t.Fatalf("StartSync: %v", err)
	}
	ev.wait(t, ResponseComplete)

	sup.Cleanup()
	sup.Cleanup()

	if sup.IsSyncing() {
		t.Fatal("expected clean state after cleanup")
	}
}

func TestHealthCheckRecoversStaleLock(t *testing.T) {
	locks := coord.NewManager()

	st, err := store.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ev := newEvents()
	sup, err := New(Config{
		Store:          st,
		Lock:           coord.NewLocalLock(locks, "tab-1"),
		Callbacks:      ev.callbacks(),
		NewRemote:      func(config.Settings) remote.Client { return &stubRemote{} },
		HealthInterval: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sup.Cleanup)

	// Fabricate the failure mode the health check exists for: a run is
	// marked outstanding, the lock is held, but no worker goroutine is
	// actually executing.
	w := newWorker(st, coord.NewLocalLock(locks, "tab-1"), sup.cfg.NewRemote, sup.logger)
	go w.loop()
	locks.TryAcquire(coord.SyncLockName, "tab-1")

	sup.mu.Lock()
	sup.worker = w
	sup.syncing = true
	sup.currentID = "dead-run"
	sup.startedAt = time.Now().Add(-time.Minute)
	sup.startHealthCheckLocked()
	sup.mu.Unlock()

	ev.wait(t, ResponseError)

	if !locks.IsAvailable(coord.SyncLockName) {
		t.Fatal("expected emergency release of the stale lock")
	}
	if sup.IsSyncing() {
		t.Fatal("expected run state cleared after recovery")
	}
}

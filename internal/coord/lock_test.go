package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestManagerTryAcquireRelease(t *testing.T) {
	m := NewManager()

	if !m.TryAcquire(SyncLockName, "tab-1") {
		t.Fatal("expected first acquire to succeed")
	}
	if m.TryAcquire(SyncLockName, "tab-2") {
		t.Fatal("expected second acquire to fail while held")
	}
	if m.IsAvailable(SyncLockName) {
		t.Fatal("expected lock to be unavailable while held")
	}

	m.Release(SyncLockName, "tab-1")
	if !m.IsAvailable(SyncLockName) {
		t.Fatal("expected lock to be available after release")
	}
	if !m.TryAcquire(SyncLockName, "tab-2") {
		t.Fatal("expected acquire to succeed after release")
	}
}

func TestManagerReleaseWrongHolder(t *testing.T) {
	m := NewManager()
	m.TryAcquire(SyncLockName, "tab-1")

	m.Release(SyncLockName, "tab-2")
	if m.IsAvailable(SyncLockName) {
		t.Fatal("release by non-holder must not free the lock")
	}
}

func TestManagerStealAfterThreshold(t *testing.T) {
	m := NewManager()
	now := time.Now()
	m.now = func() time.Time { return now }

	m.TryAcquire(SyncLockName, "crashed-tab")

	// Within the threshold the holder keeps the lock.
	now = now.Add(DefaultStealThreshold - time.Second)
	if m.TryAcquire(SyncLockName, "tab-2") {
		t.Fatal("expected acquire to fail before steal threshold")
	}

	now = now.Add(2 * time.Second)
	if !m.TryAcquire(SyncLockName, "tab-2") {
		t.Fatal("expected lock steal past the threshold")
	}
	holder, held := m.Holder(SyncLockName)
	if !held || holder != "tab-2" {
		t.Fatalf("expected tab-2 to hold the lock, got %q held=%v", holder, held)
	}
}

func TestManagerEmergencyRelease(t *testing.T) {
	m := NewManager()
	m.TryAcquire(SyncLockName, "tab-1")

	m.EmergencyRelease(SyncLockName)
	if !m.IsAvailable(SyncLockName) {
		t.Fatal("expected lock free after emergency release")
	}

	// Releasing an already-free lock is a no-op.
	m.EmergencyRelease(SyncLockName)
	if !m.IsAvailable(SyncLockName) {
		t.Fatal("expected repeated emergency release to be safe")
	}
}

func TestManagerReleaseAllHeldBy(t *testing.T) {
	m := NewManager()
	m.TryAcquire("lock-a", "tab-1")
	m.TryAcquire("lock-b", "tab-1")
	m.TryAcquire("lock-c", "tab-2")

	m.ReleaseAllHeldBy("tab-1")

	if !m.IsAvailable("lock-a") || !m.IsAvailable("lock-b") {
		t.Fatal("expected tab-1 locks to be released")
	}
	if m.IsAvailable("lock-c") {
		t.Fatal("expected tab-2 lock to remain held")
	}
}

func TestManagerAwaitRelease(t *testing.T) {
	m := NewManager()
	m.TryAcquire(SyncLockName, "tab-1")

	released := make(chan error, 1)
	go func() {
		released <- m.AwaitRelease(context.Background(), SyncLockName, 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	m.Release(SyncLockName, "tab-1")

	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("AwaitRelease returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitRelease did not return after release")
	}
}

func TestManagerAwaitReleaseTimeout(t *testing.T) {
	m := NewManager()
	m.TryAcquire(SyncLockName, "tab-1")

	err := m.AwaitRelease(context.Background(), SyncLockName, 50*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestLocalLockReleaserIdempotent(t *testing.T) {
	m := NewManager()
	lock := NewLocalLock(m, "tab-1")
	ctx := context.Background()

	release, err := lock.TryAcquire(ctx, SyncLockName)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if release == nil {
		t.Fatal("expected acquire to succeed")
	}

	release()
	if !m.IsAvailable(SyncLockName) {
		t.Fatal("expected lock free after release")
	}

	// A second call must not free a lock someone else took meanwhile.
	m.TryAcquire(SyncLockName, "tab-2")
	release()
	if m.IsAvailable(SyncLockName) {
		t.Fatal("double release freed another holder's lock")
	}
}

func TestLocalLockHeldElsewhere(t *testing.T) {
	m := NewManager()
	m.TryAcquire(SyncLockName, "other")

	lock := NewLocalLock(m, "tab-1")
	release, err := lock.TryAcquire(context.Background(), SyncLockName)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if release != nil {
		t.Fatal("expected nil releaser while lock held elsewhere")
	}
}

// Mutual exclusion across many goroutines hammering the same lock: at most
// one critical section may be active at a time.
func TestManagerMutualExclusion(t *testing.T) {
	m := NewManager()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
		peak   int
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			holder := fmt.Sprintf("tab-%d", id)
			for j := 0; j < 50; j++ {
				if !m.TryAcquire(SyncLockName, holder) {
					continue
				}
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				mu.Lock()
				active--
				mu.Unlock()
				m.Release(SyncLockName, holder)
			}
		}(i)
	}
	wg.Wait()

	if peak > 1 {
		t.Fatalf("observed %d concurrent holders, want at most 1", peak)
	}
}

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/engine"
	"github.com/linkmirror/linkmirror/internal/remote"
	"github.com/linkmirror/linkmirror/internal/store"
)

// worker is the dedicated sync goroutine. It talks to its supervisor
// exclusively over the request/response channels and runs at most one
// sync at a time.
type worker struct {
	requests  chan Request
	responses chan Response

	store     *store.Store
	lock      coord.Lock
	newRemote func(config.Settings) remote.Client
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once

	running atomic.Bool

	engMu sync.Mutex
	eng   *engine.Engine
}

func newWorker(st *store.Store, lock coord.Lock, newRemote func(config.Settings) remote.Client, logger *log.Logger) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		requests:  make(chan Request, 8),
		responses: make(chan Response, 32),
		store:     st,
		lock:      lock,
		newRemote: newRemote,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (w *worker) loop() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			switch req.Type {
			case RequestStartSync:
				if !w.running.CompareAndSwap(false, true) {
					w.logger.Printf("Worker busy, dropping start request %s", req.ID)
					continue
				}
				go w.run(req)
			case RequestCancelSync:
				w.cancelCurrent()
			}
		}
	}
}

func (w *worker) isRunning() bool {
	return w.running.Load()
}

func (w *worker) cancelCurrent() {
	w.engMu.Lock()
	if w.eng != nil {
		w.eng.Cancel()
	}
	w.engMu.Unlock()
}

// terminate shuts the worker down. Safe to call more than once.
func (w *worker) terminate() {
	w.stop.Do(func() {
		w.cancelCurrent()
		w.cancel()
		close(w.done)
	})
}

// respond sends a response unless the worker has been terminated.
func (w *worker) respond(resp Response) {
	resp.Timestamp = time.Now()
	select {
	case w.responses <- resp:
	case <-w.done:
	}
}

func (w *worker) run(req Request) {
	defer w.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.respond(Response{
				Type:        ResponseError,
				ID:          req.ID,
				Err:         fmt.Sprintf("worker fault: %v", r),
				Recoverable: false,
			})
		}
	}()

	ctx := w.ctx

	// Lock first, before any mutation.
	release, err := w.lock.TryAcquire(ctx, coord.SyncLockName)
	if err != nil {
		w.respond(Response{Type: ResponseError, ID: req.ID, Err: err.Error(), Recoverable: remote.IsNetworkError(err)})
		return
	}
	if release == nil {
		w.respond(Response{Type: ResponseError, ID: req.ID, Err: coord.ErrLockUnavailable.Error(), Recoverable: false})
		return
	}
	defer release()

	var cp *store.Checkpoint
	if req.FullSync {
		if err := w.resetForFullSync(ctx); err != nil {
			w.respond(Response{Type: ResponseError, ID: req.ID, Err: err.Error(), Recoverable: false})
			return
		}
	} else {
		cp, err = w.store.LoadCheckpoint(ctx)
		if err != nil {
			w.respond(Response{Type: ResponseError, ID: req.ID, Err: err.Error(), Recoverable: false})
			return
		}
	}

	eng, err := engine.New(engine.Config{
		Store:  w.store,
		Remote: w.newRemote(req.Settings),
		Logger: w.logger,
		OnProgress: func(current, total int, phase store.Phase, itemID int64) {
			w.respond(Response{
				Type:    ResponseProgress,
				ID:      req.ID,
				Current: current,
				Total:   total,
				Phase:   phase,
				ItemID:  itemID,
			})
		},
	})
	if err != nil {
		w.respond(Response{Type: ResponseError, ID: req.ID, Err: err.Error(), Recoverable: false})
		return
	}

	w.engMu.Lock()
	w.eng = eng
	w.engMu.Unlock()
	defer func() {
		w.engMu.Lock()
		w.eng = nil
		w.engMu.Unlock()
	}()

	result := eng.PerformSync(ctx, cp)
	switch {
	case result.Success:
		w.respond(Response{Type: ResponseComplete, ID: req.ID, Processed: result.Processed})
	case errors.Is(result.Err, engine.ErrCancelled):
		w.respond(Response{Type: ResponseCancelled, ID: req.ID, Processed: result.Processed})
	default:
		w.respond(Response{
			Type:        ResponseError,
			ID:          req.ID,
			Err:         result.Err.Error(),
			Processed:   result.Processed,
			Recoverable: remote.IsNetworkError(result.Err),
		})
	}
}

func (w *worker) resetForFullSync(ctx context.Context) error {
	if err := w.store.ClearCheckpoint(ctx); err != nil {
		return err
	}
	if err := w.store.ResetLastSync(ctx); err != nil {
		return err
	}
	return w.store.ResetRetryCount(ctx)
}

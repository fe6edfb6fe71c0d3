package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/logging"
	"github.com/linkmirror/linkmirror/internal/orchestrator"
	"github.com/linkmirror/linkmirror/internal/store"
	"github.com/linkmirror/linkmirror/internal/supervisor"
	"github.com/linkmirror/linkmirror/internal/visibility"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync the local mirror now",
	Long: `Sync the local mirror against the remote service.

Resumes from the last checkpoint if a previous run was interrupted. Use
--full to discard the checkpoint and incremental state and mirror
everything from scratch.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSync(syncFull)
	},
}

var resyncCmd = &cobra.Command{
	Use:     "resync",
	GroupID: "sync",
	Short:   "Full resync from scratch",
	Long: `Discard the sync checkpoint, the incremental-sync boundary, and the
retry counter, then mirror the entire remote collection again. Local-only
reading state is preserved.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSync(true)
	},
}

func runSync(full bool) {
	manager, settings, err := loadSettings("sync")
	if err != nil {
		fatal("%v", err)
	}
	if !settings.Valid() {
		fatal("remote_url and auth_token must be configured first (linkmirror config)")
	}

	logger := logging.New("sync", os.Stderr)

	st, err := store.Open(settings.DatabasePath())
	if err != nil {
		fatal("opening store: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prefer the daemon's lock table; without a daemon the lock only
	// covers this process, which is still correct for one-shot use.
	var lock coord.Lock
	hubClient, err := coord.Dial(ctx, settings.HubAddr, logger)
	if err != nil {
		logger.Printf("Daemon not reachable at %s, running standalone", settings.HubAddr)
		lock = coord.NewLocalLock(coord.NewManager(), "standalone")
	} else {
		defer hubClient.Close()
		lock = hubClient
	}

	done := make(chan orchestrator.SyncState, 1)
	orchCfg := orchestrator.Config{
		Store:    st,
		Settings: manager,
		Lock:     lock,
		Logger:   logger,
		OnStateChange: func(s orchestrator.SyncState) {
			reportState(s)
			if !s.IsSyncing && terminalStatus(s.Status) {
				select {
				case done <- s:
				default:
				}
			}
		},
	}
	if hubClient != nil {
		orchCfg.Hub = hubClient
	}
	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		fatal("%v", err)
	}

	onProgress, onComplete, onError, onCancelled := orch.Callbacks()
	sup, err := supervisor.New(supervisor.Config{
		Store:  st,
		Lock:   lock,
		Logger: logger,
		Callbacks: supervisor.Callbacks{
			OnProgress:  onProgress,
			OnComplete:  onComplete,
			OnError:     onError,
			OnCancelled: onCancelled,
		},
	})
	if err != nil {
		fatal("%v", err)
	}
	orch.SetWorker(sup)
	orch.Start(ctx)
	defer orch.Close()

	var publish func(coord.Message)
	if hubClient != nil {
		publish = func(m coord.Message) {
			if err := hubClient.Publish(m); err != nil {
				logger.Printf("Publish failed: %v", err)
			}
		}
	}
	vis := visibility.New(publish, logger)
	vis.Initialize()
	defer vis.Cleanup()

	if err := orch.RequestSync(ctx, full); err != nil {
		fatal("%v", err)
	}

	select {
	case <-ctx.Done():
		if warning := orch.HandleTeardown(); warning != "" {
			fmt.Fprintf(os.Stderr, "\n%s\n", warning)
		}
	case final := <-done:
		fmt.Println()
		switch final.Status {
		case coord.StatusCompleted:
			fmt.Printf("Sync complete: %d bookmarks mirrored\n", final.Progress)
		case coord.StatusCancelled:
			fmt.Println("Sync cancelled")
		default:
			fatal("sync failed: %s", final.LastError)
		}
	}
}

func terminalStatus(status string) bool {
	switch status {
	case coord.StatusCompleted, coord.StatusFailed, coord.StatusCancelled, coord.StatusInterrupted:
		return true
	}
	return false
}

func reportState(s orchestrator.SyncState) {
	if !s.IsSyncing || s.Total == 0 {
		return
	}
	fmt.Printf("\r%-12s %d/%d", s.Phase, s.Progress, s.Total)
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "ignore checkpoint and incremental state, mirror everything")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resyncCmd)
}

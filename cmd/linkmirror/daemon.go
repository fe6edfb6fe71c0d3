package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/logging"
	"github.com/linkmirror/linkmirror/internal/scheduler"
	"github.com/linkmirror/linkmirror/internal/store"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "daemon",
	Short:   "Run the background sync daemon",
	Long: `Run the linkmirror daemon.

The daemon hosts the coordination service every other linkmirror process
connects to: the sync lock table and the status broadcast channel. It also
runs periodic background syncs while no foreground session is visible.

Only one daemon should run per user.`,
	Run: func(cmd *cobra.Command, args []string) {
		manager, settings, err := loadSettings("daemon")
		if err != nil {
			fatal("%v", err)
		}
		manager.Watch()

		logger := logging.New("daemon", os.Stderr)
		if !daemonForeground {
			logger = logging.NewRotating("daemon", filepath.Join(settings.DataDir, "daemon.log"))
		}

		st, err := store.Open(settings.DatabasePath())
		if err != nil {
			fatal("opening store: %v", err)
		}
		defer st.Close()

		locks := coord.NewManager()

		// The hub and the scheduler reference each other: the hub routes
		// deferred-run requests and visibility transitions to the
		// scheduler, the scheduler broadcasts through the hub.
		var sched *scheduler.Scheduler
		hub, err := coord.NewHub(coord.HubConfig{
			Addr:  settings.HubAddr,
			Locks: locks,
			OnSchedule: func(full bool, delay time.Duration) {
				sched.RunAfter(delay, full)
			},
			OnVisibility: func(visible int) {
				sched.SetVisibleClients(visible)
			},
			Logger: logger,
		})
		if err != nil {
			fatal("creating coordination hub: %v", err)
		}

		sched, err = scheduler.New(scheduler.Config{
			Store:     st,
			Settings:  manager,
			Lock:      coord.NewLocalLock(locks, "daemon"),
			Broadcast: hub.Broadcast,
			Logger:    logger,
		})
		if err != nil {
			fatal("creating scheduler: %v", err)
		}

		if err := hub.Start(); err != nil {
			fatal("starting coordination hub: %v", err)
		}
		defer hub.Stop()

		fmt.Printf("linkmirror daemon listening on %s\n", hub.Addr())

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := sched.Start(ctx); err != nil {
			fatal("scheduler: %v", err)
		}
		logger.Println("Daemon shut down")
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "log to stderr instead of the rotating log file")
	rootCmd.AddCommand(daemonCmd)
}

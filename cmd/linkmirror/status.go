package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/store"
)

var statusClearError bool

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show mirror and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		_, settings, err := loadSettings("status")
		if err != nil {
			fatal("%v", err)
		}

		st, err := store.Open(settings.DatabasePath())
		if err != nil {
			fatal("opening store: %v", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if statusClearError {
			if err := st.ClearLastError(ctx); err != nil {
				fatal("clearing error: %v", err)
			}
			if err := st.ResetRetryCount(ctx); err != nil {
				fatal("resetting retry counter: %v", err)
			}
			fmt.Println("Sync error dismissed")
			return
		}

		bookmarks, err := st.CountBookmarks(ctx)
		if err != nil {
			fatal("reading store: %v", err)
		}
		assets, err := st.CountAssets(ctx)
		if err != nil {
			fatal("reading store: %v", err)
		}

		fmt.Printf("Bookmarks mirrored:  %d\n", bookmarks)
		fmt.Printf("Assets cached:       %d\n", assets)

		if last, err := st.LastSync(ctx); err == nil {
			if last.IsZero() {
				fmt.Println("Last sync:           never")
			} else {
				fmt.Printf("Last sync:           %s\n", last.Local().Format(time.RFC1123))
			}
		}

		if cp, err := st.LoadCheckpoint(ctx); err == nil && cp != nil {
			fmt.Printf("Interrupted sync:    resumable from %s phase\n", cp.Phase)
		}

		if count, err := st.RetryCount(ctx); err == nil && count > 0 {
			fmt.Printf("Retry attempts:      %d\n", count)
		}
		if msg, err := st.LastError(ctx); err == nil && msg != "" {
			fmt.Printf("Last sync error:     %s\n", msg)
			fmt.Println("                     (dismiss with --clear-error)")
		}

		// Daemon reachability and lock state are best-effort display.
		client, err := coord.Dial(ctx, settings.HubAddr, nil)
		if err != nil {
			fmt.Printf("Daemon:              not running (%s)\n", settings.HubAddr)
			return
		}
		defer client.Close()
		fmt.Printf("Daemon:              running on %s\n", settings.HubAddr)
		if available, err := client.IsAvailable(ctx, coord.SyncLockName); err == nil && !available {
			fmt.Println("Sync lock:           held (a sync is running)")
		}
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusClearError, "clear-error", false, "dismiss the surfaced sync error and reset the retry counter")
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkmirror/linkmirror/internal/coord"
	"github.com/linkmirror/linkmirror/internal/logging"
	"github.com/linkmirror/linkmirror/internal/visibility"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "daemon",
	Short:   "Follow sync activity live",
	Long: `Connect to the daemon and print sync broadcasts as they happen.

While a watch session is connected the daemon treats a foreground as
visible and pauses its periodic syncs; syncing is then driven manually or
by the session itself.`,
	Run: func(cmd *cobra.Command, args []string) {
		_, settings, err := loadSettings("watch")
		if err != nil {
			fatal("%v", err)
		}

		logger := logging.New("watch", os.Stderr)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := coord.Dial(ctx, settings.HubAddr, logger)
		if err != nil {
			fatal("daemon not reachable at %s: %v (start it with 'linkmirror daemon')", settings.HubAddr, err)
		}
		defer client.Close()

		unsubscribe := client.Subscribe(printBroadcast)
		defer unsubscribe()

		vis := visibility.New(func(m coord.Message) {
			if err := client.Publish(m); err != nil {
				logger.Printf("Publish failed: %v", err)
			}
		}, logger)
		vis.Initialize()
		defer vis.Cleanup()

		fmt.Printf("Watching sync activity on %s (Ctrl-C to stop)\n", settings.HubAddr)
		<-ctx.Done()
	},
}

func printBroadcast(msg coord.Message) {
	ts := msg.Timestamp.Local().Format(time.TimeOnly)
	switch msg.Type {
	case coord.MessageStatus:
		fmt.Printf("%s  status    %s\n", ts, msg.Status)
	case coord.MessageProgress:
		fmt.Printf("%s  progress  %s %d/%d\n", ts, msg.Phase, msg.Current, msg.Total)
	case coord.MessageComplete:
		if msg.Success {
			fmt.Printf("%s  complete  %d bookmarks in %s\n", ts, msg.Processed, msg.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("%s  complete  failed: %s\n", ts, msg.Error)
		}
	case coord.MessageError:
		fmt.Printf("%s  error     %s (recoverable=%t)\n", ts, msg.Error, msg.Recoverable)
	case coord.MessageLog:
		fmt.Printf("%s  log       %s\n", ts, msg.Text)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

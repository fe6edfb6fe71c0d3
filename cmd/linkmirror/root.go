package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkmirror/linkmirror/internal/config"
	"github.com/linkmirror/linkmirror/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "linkmirror",
	Short: "Offline bookmark mirror",
	Long: `linkmirror keeps a local, offline-usable mirror of your remote
bookmark service: bookmark metadata, cached article content, and your
reading state, synced in the background.

Run 'linkmirror daemon' once to host the coordination service, then use
'linkmirror sync', 'linkmirror status', and 'linkmirror watch' from any
number of terminals.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.linkmirror/config.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "daemon", Title: "Daemon Commands:"},
	)
}

// loadSettings loads configuration for a command invocation.
func loadSettings(component string) (*config.Manager, config.Settings, error) {
	manager := config.NewManager(logging.New(component, os.Stderr))
	if err := manager.Load(cfgFile); err != nil {
		return nil, config.Settings{}, fmt.Errorf("loading config: %w", err)
	}
	settings, _ := manager.Current()
	return manager, settings, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

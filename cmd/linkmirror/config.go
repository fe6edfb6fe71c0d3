package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		manager, _, err := loadSettings("config")
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(manager.Get(args[0]))
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set one configuration value",
	Long: `Set a configuration value and write the config file.

Keys: remote_url, auth_token, auto_sync, sync_interval, data_dir, hub_addr.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		manager, _, err := loadSettings("config")
		if err != nil {
			fatal("%v", err)
		}
		if err := manager.Set(args[0], args[1]); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s set\n", args[0])
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// editstated tracks pending edits from many producers, consolidates their
// conflicts and keeps the result crash-safe.
//
//	editstated run           Run the daemon in the foreground
//	editstated status        Inspect heartbeat, checkpoint and backups
//	editstated recover       Restore the newest valid checkpoint offline
//	editstated cleanup       Delete expired backups (or everything with --all)
//	editstated config check  Validate a configuration file
//	editstated config init   Write the default configuration
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"editstate/internal/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "editstated",
		Short: "Edit-state daemon for multi-producer document editing",
		Long: `editstated keeps the authoritative state of tracked documents,
detects and resolves conflicts between edit producers, and checkpoints
everything so a crash loses at most one checkpoint interval.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "editstated: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to config file (default %s)", config.ConfigPath()))

	rootCmd.AddCommand(runCmd, statusCmd, recoverCmd, cleanupCmd, crashesCmd, configCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"editstate/internal/config"
	"editstate/internal/engine"
	"editstate/internal/ipc"
	"editstate/internal/logging"
	"editstate/internal/recovery"
	"editstate/internal/storage"
)

var errDaemonRunning = errors.New("daemon is running; stop it first")

var (
	forceAll  bool
	overwrite bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Inspect heartbeat, checkpoint and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecovery(cmd.Context(), false, func(ctx context.Context, m *recovery.Manager) error {
				st, err := m.Inspect(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}

	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "Restore the newest valid checkpoint offline",
		Long: `Recover loads the newest valid checkpoint or backup and, on success,
rewrites it as the current checkpoint. Run it after a crash left the
primary checkpoint unreadable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecovery(cmd.Context(), true, func(ctx context.Context, m *recovery.Manager) error {
				info := m.PerformRecovery(ctx)
				if err := printJSON(info); err != nil {
					return err
				}
				if !info.Success {
					return info.Err
				}
				return m.SaveCheckpoint(ctx)
			})
		},
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRecovery(cmd.Context(), true, func(ctx context.Context, m *recovery.Manager) error {
				if forceAll {
					if err := m.ForceCleanup(ctx); err != nil {
						return err
					}
					fmt.Println("all checkpoints and backups deleted")
					return nil
				}
				n, err := m.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%d backups deleted\n", n)
				return nil
			})
		},
	}

	crashesCmd = &cobra.Command{
		Use:   "crashes",
		Short: "List crash dumps of recovered panics, newest first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			h := logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: cfg.Logging.CrashDir})
			reports, err := h.Reports()
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("no crash reports")
				return nil
			}
			for _, r := range reports {
				fmt.Printf("%s  %-12s %s\n    %s\n",
					r.Timestamp.Local().Format(time.DateTime), r.Task, r.PanicValue, r.Path)
			}
			return nil
		},
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Check or create the configuration file",
	}

	configCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := resolveConfigPath()
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			verrs := config.Check(cfg)
			for _, w := range verrs.Warnings() {
				fmt.Printf("warning: %v\n", w)
			}
			for _, e := range verrs.Errors() {
				fmt.Printf("error:   %v\n", e)
			}
			if verrs.HasErrors() {
				return fmt.Errorf("%s: %d errors", path, len(verrs.Errors()))
			}
			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path := resolveConfigPath()
			if overwrite {
				if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
					return err
				}
			} else if _, created, err := config.LoadOrCreate(path); err != nil {
				return err
			} else if !created {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
)

func init() {
	cleanupCmd.Flags().BoolVar(&forceAll, "all", false, "delete every checkpoint and backup")
	configInitCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configCheckCmd, configInitCmd)
}

// withRecovery opens durable storage without starting the daemon. Commands
// that write refuse to run while a daemon holds the socket.
func withRecovery(ctx context.Context, writes bool, fn func(context.Context, *recovery.Manager) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if writes && cfg.IPC.Enabled && ipc.IsSocketListening(cfg.IPC.SocketPath) {
		return errDaemonRunning
	}

	durable, err := storage.Open(cfg.StorageOptions())
	if err != nil {
		if errors.Is(err, storage.ErrIO) {
			return fmt.Errorf("%w (is the daemon running?)", err)
		}
		return err
	}
	defer durable.Close()

	// An engine-backed manager carries queued conflicts through a
	// recover-and-rewrite.
	eng := engine.New(durable, engine.OptionsFromConfig(cfg))
	return fn(ctx, eng.Recovery())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

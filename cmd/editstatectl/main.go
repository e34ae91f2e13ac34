// editstatectl talks to a running editstated over its local socket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"editstate/internal/config"
	"editstate/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	socketPath string
	asJSON     bool

	rootCmd = &cobra.Command{
		Use:           "editstatectl",
		Short:         "Control utility for editstated",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "editstatectl: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to config file")
	pf.StringVar(&socketPath, "socket", "", "daemon socket (overrides the config file)")
	pf.BoolVar(&asJSON, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		statusCmd, healthCmd, docCmd, submitCmd,
		conflictsCmd, previewCmd, resolveCmd, cancelCmd,
		acceptCmd, rejectCmd, snapshotCmd, disableCmd, backupCmd, watchCmd,
	)
}

// connect opens a session named after the tool.
func connect(ctx context.Context) (*ipc.Client, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.IPC.SocketPath
	}

	cc := ipc.DefaultClientConfig(config.DataDir(), "editstatectl")
	cc.SocketPath = path
	cc.ClientVersion = Version
	client := ipc.NewClient(cc)
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (start it with: editstated run)", err)
		}
		return nil, err
	}
	return client, nil
}

// withClient runs fn on a fresh connection.
func withClient(cmd *cobra.Command, fn func(context.Context, *ipc.Client) error) error {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

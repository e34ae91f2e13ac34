package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"editstate/internal/conflict"
	"editstate/internal/ipc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(st)
			}
			fmt.Printf("Version            %s\n", st.Version)
			fmt.Printf("Uptime             %s\n", st.Uptime.Round(time.Second))
			fmt.Printf("Documents          %d\n", st.Documents)
			fmt.Printf("Active sessions    %d\n", st.ActiveSessions)
			fmt.Printf("Pending conflicts  %d\n", st.PendingConflicts)
			fmt.Printf("Clients            %d\n", st.Clients)
			if r := st.Recovery; r != nil {
				fmt.Printf("Recovered          %d documents from %s (crash: %v)\n",
					r.DocumentsRecovered, r.Source, r.CrashDetected)
			}
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run the daemon's health checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			h, err := c.Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(h)
		})
	},
}

var docCmd = &cobra.Command{
	Use:   "doc <document>",
	Short: "Print a document's tracked state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			doc, err := c.Document(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(doc)
		})
	},
}

var (
	submitProducer string
	submitPriority int
	submitDocument string

	submitCmd = &cobra.Command{
		Use:   "submit <file|->",
		Short: "Submit a JSON batch of changes",
		Long: `Submit reads a request of the form
  {"priority": 1, "changes": [...], "options": {"documentId": "..."}}
from a file, or stdin when the argument is "-". Flags override the
corresponding fields.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readSubmission(args[0])
			if err != nil {
				return err
			}
			if submitProducer != "" {
				req.ProducerID = submitProducer
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = submitPriority
			}
			if submitDocument != "" {
				req.Options.DocumentID = submitDocument
			}
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				res, err := c.Submit(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
)

func readSubmission(name string) (*ipc.SubmitRequest, error) {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var req ipc.SubmitRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &req, nil
}

var conflictsCmd = &cobra.Command{
	Use:   "conflicts [document]",
	Short: "List conflicts waiting for a decision",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc := ""
		if len(args) == 1 {
			doc = args[0]
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			list, err := c.Conflicts(ctx, doc)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("no pending conflicts")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDOCUMENT\tTYPE\tSEVERITY\tSTRATEGY\tCHANGES")
			for _, cf := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					cf.ID, cf.DocumentID, cf.Type, cf.Severity, cf.Strategy,
					strings.Join(cf.ChangeIDs(), ","))
			}
			return tw.Flush()
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <conflict>...",
	Short: "Show the consolidated result of conflicts without applying it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			p, err := c.Preview(ctx, args...)
			if err != nil {
				return err
			}
			return printJSON(p)
		})
	},
}

var (
	resolveStrategy string
	resolveSelected []string

	resolveCmd = &cobra.Command{
		Use:   "resolve <conflict>",
		Short: "Resolve a queued conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				res, err := c.ResolveConflict(ctx, &ipc.ResolveConflictRequest{
					ConflictID: args[0],
					Strategy:   conflict.Strategy(strings.ToUpper(resolveStrategy)),
					Selected:   resolveSelected,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <conflict>",
	Short: "Reject every change of a queued conflict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			rejected, err := c.CancelConflict(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rejected)
		})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <document> <change>",
	Short: "Accept a pending change",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			ch, err := c.AcceptChange(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(ch)
		})
	},
}

var (
	rejectReason string

	rejectCmd = &cobra.Command{
		Use:   "reject <document> <change>",
		Short: "Reject a pending change",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				ch, err := c.RejectChange(ctx, args[0], args[1], rejectReason)
				if err != nil {
					return err
				}
				return printJSON(ch)
			})
		},
	}
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <document> <file|->",
	Short: "Record the document's current content",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			content []byte
			err     error
		)
		if args[1] == "-" {
			content, err = io.ReadAll(os.Stdin)
		} else {
			content, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			snap, err := c.CreateSnapshot(ctx, args[0], string(content))
			if err != nil {
				return err
			}
			return printJSON(snap)
		})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <document>",
	Short: "Stop tracking a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			doc, err := c.DisableTracking(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("tracking disabled for %s at version %d\n", doc.ID, doc.Version)
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write a backup of every document and queued conflict now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			key, err := c.CreateBackup(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(&ipc.BackupResponse{Key: key})
			}
			fmt.Printf("backup written to %s\n", key)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		done := make(chan struct{})
		enc := json.NewEncoder(os.Stdout)
		client.SetEventHandler(func(ev *ipc.Event) {
			enc.Encode(ev)
			if ev.Type == ipc.EventDaemonShutdown {
				close(done)
			}
		})
		if err := client.Subscribe(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-done:
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitProducer, "producer", "", "producer id (defaults to the session name)")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "producer priority")
	submitCmd.Flags().StringVar(&submitDocument, "doc", "", "document id")

	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", string(conflict.UserChoice), "resolution strategy")
	resolveCmd.Flags().StringSliceVar(&resolveSelected, "select", nil, "change ids to keep (USER_CHOICE)")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the change was rejected")
}

package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cleaning-sync-backend/internal/queue"
)

func ok() string {
	return color.New(color.FgGreen).Sprint("✓")
}

func statusLabel(e queue.Entry) string {
	switch {
	case e.Status == queue.StatusDone:
		return color.New(color.FgGreen).Sprint("done")
	case e.Rejected:
		return color.New(color.FgRed).Sprint("rejected")
	case e.Status == queue.StatusFailed && e.Attempts >= queue.MaxAttempts:
		return color.New(color.FgRed).Sprint("exhausted")
	case e.Status == queue.StatusFailed:
		return color.New(color.FgYellow).Sprint("retrying")
	default:
		return string(e.Status)
	}
}

// ListCmd prints the local queue.
func ListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			entries, err := e.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(e.out, "Queue is empty.")
				return nil
			}

			w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tTASK\tTYPE\tSTATUS\tATTEMPTS\tERROR")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\n",
					entry.OperationID, entry.TaskID, entry.OperationType, statusLabel(entry), entry.Attempts, entry.ErrorCode)
			}
			return w.Flush()
		},
	}
}

// DrainCmd sends everything eligible once.
func DrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send eligible operations to the server once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			report, err := e.service().DrainOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s Sent %d: %d done, %d retrying, %d rejected\n",
				ok(), report.Sent, report.Done, report.Retrying, report.Rejected)
			if report.Transport {
				fmt.Fprintln(e.out, color.New(color.FgYellow).Sprint("Server unreachable; will retry with backoff."))
			}
			return nil
		},
	}
}

// RunCmd drains periodically until interrupted.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drain the queue periodically until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			e.service().Run(ctx)
			return nil
		},
	}
}

// PruneCmd deletes done entries.
func PruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete synced operations from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			n, err := e.queue.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s Pruned %d operations\n", ok(), n)
			return nil
		},
	}
}

// StatusCmd prints the server's ledger counts for the caller.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server's sync counts for this cleaner",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			counts, err := e.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "applied:   %d\nduplicate: %d\nrejected:  %s\nretryable: %d\n",
				counts.Applied, counts.Duplicate, color.New(color.FgRed).Sprint(counts.Rejected), counts.RetryableError)
			if counts.LastProcessedAt != nil {
				fmt.Fprintf(e.out, "last:      %s\n", counts.LastProcessedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

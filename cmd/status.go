package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
)

var (
	statusFilter string
	statusLimit  int
	statusAudit  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show pipeline runs, or one session's run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			return showRun(ctx, a, args[0])
		}

		runs, err := a.states.List(ctx, pipeline.ListFilter{Status: pipeline.Status(statusFilter), Limit: statusLimit})
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No pipeline runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATUS\tREVISION\tCALLS\tCOST\tUPDATED")
		for _, st := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t$%.4f\t%s\n",
				st.SessionID, st.Status, st.Revision, st.Usage.Calls, st.Usage.CostUSD,
				st.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func showRun(ctx context.Context, a *app, id string) error {
	st, err := a.states.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("no pipeline run for session %s: %w", id, err)
	}
	fmt.Printf("Session:   %s\n", st.SessionID)
	fmt.Printf("Status:    %s\n", st.Status)
	if !st.Terminal() && st.Stage != "" {
		fmt.Printf("Stage:     %s\n", st.Stage)
	}
	fmt.Printf("Revision:  %d\n", st.Revision)
	fmt.Printf("Started:   %s\n", st.StartedAt.Local().Format(time.DateTime))
	if st.CompletedAt != nil {
		fmt.Printf("Finished:  %s (%s)\n", st.CompletedAt.Local().Format(time.DateTime),
			st.CompletedAt.Sub(st.StartedAt).Round(time.Second))
	}
	fmt.Printf("Calls:     %d (est. $%.4f)\n", st.Usage.Calls, st.Usage.CostUSD)
	if st.Error != nil {
		fmt.Printf("Error:     %s in %s: %s\n", st.Error.Kind, st.Error.Stage, st.Error.Message)
		if st.Error.Retryable {
			fmt.Println("           retryable: `kinesight run` the session again")
		}
		for _, is := range st.Error.Issues {
			fmt.Printf("           - %s\n", is)
		}
	}
	if st.ProgressError != "" {
		fmt.Printf("Progress:  unavailable (%s)\n", st.ProgressError)
	}

	if !statusAudit {
		return nil
	}
	entries, err := a.audit.Query(ctx, audit.QueryFilter{ScopeID: id, Chronological: true})
	if err != nil {
		return err
	}
	fmt.Println("\nAudit trail:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.ActorID, e.Action, e.Summary)
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only list runs with this status")
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "maximum runs to list")
	statusCmd.Flags().BoolVar(&statusAudit, "audit", false, "include the session's audit trail")
	rootCmd.AddCommand(statusCmd)
}

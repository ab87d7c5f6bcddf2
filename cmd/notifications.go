package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/notifications"
)

var (
	notesAll     bool
	notesSession string
	notesLimit   int
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notes"},
	Short:   "List run-outcome notifications (pending by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		filter := notifications.ListFilter{SessionID: notesSession, Limit: notesLimit}
		if !notesAll {
			pending := false
			filter.Delivered = &pending
		}
		list, err := a.notes.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSESSION\tSEVERITY\tTITLE\tCREATED")
		for _, n := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(n.ID), n.SessionID, n.Severity, n.Title,
				n.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var notificationsAckCmd = &cobra.Command{
	Use:   "ack <id>",
	Short: "Mark a notification as handled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveNotification(ctx, a, args[0])
		if err != nil {
			return err
		}
		if err := a.notes.MarkDelivered(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Acknowledged %s\n", id)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveNotification accepts a full id or the short prefix the list shows.
func resolveNotification(ctx context.Context, a *app, ref string) (string, error) {
	if n, err := a.notes.GetByID(ctx, ref); err == nil {
		return n.ID, nil
	}
	pending := false
	list, err := a.notes.List(ctx, notifications.ListFilter{Delivered: &pending})
	if err != nil {
		return "", err
	}
	var match string
	for _, n := range list {
		if len(ref) >= 4 && len(n.ID) >= len(ref) && n.ID[:len(ref)] == ref {
			if match != "" {
				return "", fmt.Errorf("%q matches more than one notification", ref)
			}
			match = n.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", notifications.ErrNotFound, ref)
	}
	return match, nil
}

func init() {
	notificationsCmd.Flags().BoolVar(&notesAll, "all", false, "include delivered notifications")
	notificationsCmd.Flags().StringVar(&notesSession, "session", "", "only this session")
	notificationsCmd.Flags().IntVarP(&notesLimit, "limit", "n", 50, "maximum rows")
	notificationsCmd.AddCommand(notificationsAckCmd)
	rootCmd.AddCommand(notificationsCmd)
}

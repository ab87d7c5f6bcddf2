package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Render the stored result of a session's latest run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.states.Load(ctx, args[0])
		if err != nil {
			return fmt.Errorf("no pipeline run for session %s: %w", args[0], err)
		}
		return writeReport(ctx, a, st, reportOut)
	},
}

func init() {
	addReportFlags(reportCmd)
	rootCmd.AddCommand(reportCmd)
}

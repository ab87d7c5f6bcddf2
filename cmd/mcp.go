package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/ziadkadry99/kinesight/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server for AI agent integration",
	Long:  `Starts a Model Context Protocol (MCP) server on stdio, exposing session, benchmark, formula and evidence tools to AI agents.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{pipeline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.orch.Recover(ctx); err != nil {
			return fmt.Errorf("recovering interrupted runs: %w", err)
		}

		mcpserver.Version = Version
		fmt.Fprintf(os.Stderr, "kinesight MCP server started on stdio (db=%s)\n", a.cfg.DatabasePath())

		srv := mcpserver.NewServer(mcpserver.Deps{
			Sessions:     a.sessions,
			Orchestrator: a.orch,
			Registry:     a.registry,
			Cache:        a.cache,
			Embedder:     a.embedder,
		})
		return srv.Serve()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

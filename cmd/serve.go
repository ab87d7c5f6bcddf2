package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the kinesight HTTP API: session storage, pipeline triggers with
live websocket status, reports, benchmarks, formulas, evidence search and the
audit trail. Runs interrupted by a previous process are marked cancelled on
startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx, appOptions{pipeline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if n, err := a.orch.Recover(ctx); err != nil {
			return fmt.Errorf("recovering interrupted runs: %w", err)
		} else if n > 0 {
			fmt.Fprintf(os.Stderr, "Marked %d interrupted run(s) as cancelled\n", n)
		}

		if n, err := a.notifier.Redeliver(ctx); err != nil {
			slog.Warn("redelivering notifications", "error", err)
		} else if n > 0 {
			fmt.Fprintf(os.Stderr, "Redelivered %d pending notification(s)\n", n)
		}

		port := a.cfg.Server.Port
		if servePort > 0 {
			port = servePort
		}
		srv := server.New(server.Config{
			Port:     port,
			AllowAll: a.cfg.Server.AllowAllOrigins,
		}, server.Deps{
			Sessions:      a.sessions,
			Orchestrator:  a.orch,
			States:        a.states,
			Registry:      a.registry,
			Cache:         a.cache,
			Embedder:      a.embedder,
			Audit:         a.audit,
			Notifications: a.notes,
		})

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "kinesight server %s starting on port %d\n", Version, port)
		fmt.Fprintf(os.Stderr, "  Database: %s\n", a.cfg.DatabasePath())
		if a.cache != nil {
			fmt.Fprintf(os.Stderr, "  Cached evidence: %d\n", a.cache.Count())
		}

		if err := srv.Start(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default: server.port from config)")
	rootCmd.AddCommand(serveCmd)
}

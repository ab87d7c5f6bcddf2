package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/auth"
	"github.com/ziadkadry99/kinesight/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "kinesight",
	Short: "Clinical insight pipeline for gait and movement sessions",
	Long: `Kinesight turns a session's computed movement metrics into validated
clinical insights. It benchmarks every metric against a clinical registry,
researches the evidence behind each detected pattern, synthesizes insights
with visualization blocks, and validates them before they are stored.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is normal; keys may already be in the environment.
		_ = godotenv.Load()
		setupLogging()
		applyStoredKeys()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", ".kinesight.yml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// setupLogging routes structured logs to stderr so stdout stays clean for
// reports and the MCP protocol.
func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// applyStoredKeys fills provider key variables from `kinesight auth` when
// neither the environment nor .env set them.
func applyStoredKeys() {
	creds, err := auth.Load()
	if err != nil {
		slog.Warn("ignoring stored credentials", "error", err)
		return
	}
	set := creds.ApplyEnv(func(p string) string { return config.APIKeyEnvVar(config.ProviderType(p)) })
	if len(set) > 0 {
		slog.Debug("using stored API keys", "vars", set)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

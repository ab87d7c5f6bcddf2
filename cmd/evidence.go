package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/evidence"
)

var (
	evidenceTier  string
	evidenceLimit int
	evidenceMin   float64
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Inspect the clinical evidence cache",
}

var evidenceSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search cached evidence by similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{evidence: true})
		if err != nil {
			return err
		}
		defer a.Close()

		opts := evidence.LookupOptions{Limit: evidenceLimit, MinSimilarity: evidenceMin}
		if evidenceTier != "" {
			if opts.MinTier, err = evidence.ParseTier(evidenceTier); err != nil {
				return err
			}
		}
		matches, err := a.cache.SearchText(ctx, a.embedder, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Print(evidence.FormatMatches(matches))
		return nil
	},
}

var evidenceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many finding sets are cached",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{evidence: true})
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Printf("%d cached finding set(s) in %s\n", a.cache.Count(), a.cfg.DatabasePath())
		return nil
	},
}

func init() {
	evidenceSearchCmd.Flags().StringVar(&evidenceTier, "tier", "", "minimum evidence tier: S, A, B, C or D (default B)")
	evidenceSearchCmd.Flags().IntVarP(&evidenceLimit, "limit", "n", evidence.DefaultLimit, "maximum results")
	evidenceSearchCmd.Flags().Float64Var(&evidenceMin, "min-similarity", evidence.DefaultMinSimilarity, "minimum cosine similarity")
	evidenceCmd.AddCommand(evidenceSearchCmd, evidenceStatsCmd)
	rootCmd.AddCommand(evidenceCmd)
}

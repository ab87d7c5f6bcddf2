package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

var registryDomain string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the clinical metric registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered metrics with their thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.Default()
		defs := reg.All()
		if registryDomain != "" {
			defs = reg.ByDomain(registry.Domain(registryDomain))
		}
		if len(defs) == 0 {
			return fmt.Errorf("no metrics in domain %q (domains: %v)", registryDomain, reg.Domains())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDOMAIN\tSCOPE\tDIRECTION\tGOOD\tPOOR\tMCID\tACTIVE")
		for _, d := range defs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%v\n",
				d.Name, d.Domain, d.Scope, d.Direction,
				expr.FormatWithUnit(d.GoodThreshold, d.Unit),
				expr.FormatWithUnit(d.PoorThreshold, d.Unit),
				expr.FormatNumber(d.MCID), d.Active)
		}
		return w.Flush()
	},
}

var registryShowCmd = &cobra.Command{
	Use:   "show <metric>",
	Short: "Print one metric's full definition as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, ok := registry.Default().Lookup(args[0])
		if !ok {
			return fmt.Errorf("unknown metric %q", args[0])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(def)
	},
}

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark <session.json | session-id>",
	Short: "Benchmark a session against the registry without running the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveSession(ctx, a, args[0])
		if err != nil {
			return err
		}
		m, err := a.sessions.Session(ctx, id)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "METRIC\tLIMB\tVALUE\tPERCENTILE\tCATEGORY\tCLASSIFICATION")
		for _, b := range a.registry.BenchmarkSession(m) {
			limb := string(b.Limb)
			if limb == "" {
				limb = "bilateral"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%s\t%s\n",
				b.DisplayName, limb, expr.FormatWithUnit(b.Value, b.Unit), b.Percentile, b.Category, b.Classification)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		asym := a.registry.Asymmetries(m)
		if len(asym) == 0 {
			return nil
		}
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ASYMMETRY\tLEFT\tRIGHT\tPERCENT\tDEFICIT")
		for _, la := range asym {
			deficit := "-"
			if la.DeficitLimb != nil {
				deficit = string(*la.DeficitLimb)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n", la.Metric,
				expr.FormatNumber(la.Left), expr.FormatNumber(la.Right), la.Percentage, deficit)
		}
		return w.Flush()
	},
}

func init() {
	registryListCmd.Flags().StringVar(&registryDomain, "domain", "", "only list metrics in this domain")
	registryCmd.AddCommand(registryListCmd, registryShowCmd)
	rootCmd.AddCommand(registryCmd, benchmarkCmd)
}

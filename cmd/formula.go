package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/expr"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

var (
	formulaSession string
	formulaTarget  string
)

var formulaCmd = &cobra.Command{
	Use:   "formula",
	Short: "Validate or evaluate visualization formulas",
}

var formulaValidateCmd = &cobra.Command{
	Use:   "validate <formula>",
	Short: "Check a formula's syntax and metric paths",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := expr.ValidateFormulaWith(registry.Default(), args[0])
		if !v.Valid {
			return fmt.Errorf("invalid formula:\n  %s", strings.Join(v.Errors, "\n  "))
		}
		fmt.Println("valid")
		if v.Temporal {
			fmt.Println("uses temporal variables: evaluate with --target")
		}
		return nil
	},
}

var formulaEvalCmd = &cobra.Command{
	Use:   "eval <formula>",
	Short: "Evaluate a formula against a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if formulaSession == "" {
			return fmt.Errorf("--session is required")
		}
		ctx := context.Background()
		a, err := openApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.sessions.Session(ctx, formulaSession)
		if err != nil {
			return err
		}
		hist, err := a.sessions.History(ctx, m.PatientID, m.RecordedAt)
		if err != nil {
			return err
		}
		ec := expr.NewContext(m, hist)
		ec.Registry = a.registry

		res := expr.Evaluate(args[0], ec, formulaTarget)
		if !res.Success {
			return fmt.Errorf("evaluation failed: %s", res.Error)
		}
		fmt.Println(res.Formatted)
		return nil
	},
}

func init() {
	formulaEvalCmd.Flags().StringVarP(&formulaSession, "session", "s", "", "session id to evaluate against")
	formulaEvalCmd.Flags().StringVarP(&formulaTarget, "target", "t", "", "metric path temporal variables refer to")
	formulaCmd.AddCommand(formulaValidateCmd, formulaEvalCmd)
	rootCmd.AddCommand(formulaCmd)
}

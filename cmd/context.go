package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/clinic"
)

var contextShow bool

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Describe your practice so insights are framed for it",
	Long: `Collects an optional practice profile (care setting, patient population,
protocol, audience) and stores it in the data directory. The profile is added
to the decomposition and synthesis prompts of every pipeline run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.ClinicPath()
		current, err := clinic.Load(path)
		if err != nil {
			return err
		}

		if contextShow {
			if current == nil {
				fmt.Println("No practice profile set. Run `kinesight context` to add one.")
				return nil
			}
			fmt.Print(current.PromptSection())
			return nil
		}

		p, err := clinic.CollectInteractive(current)
		if err != nil {
			return err
		}
		if p.IsEmpty() {
			fmt.Println("Nothing entered; profile unchanged.")
			return nil
		}
		if err := p.Save(path); err != nil {
			return err
		}
		fmt.Printf("\nPractice profile saved to %s\n", path)
		return nil
	},
}

func init() {
	contextCmd.Flags().BoolVar(&contextShow, "show", false, "print the current profile and exit")
	rootCmd.AddCommand(contextCmd)
}

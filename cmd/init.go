package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize kinesight configuration with an interactive wizard",
	Long:  `Runs an interactive wizard to pick the generative provider and quality tier, and writes a .kinesight.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard(cfgFile)
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

package cmd

import (
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ziadkadry99/kinesight/internal/auth"
	"github.com/ziadkadry99/kinesight/internal/config"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage stored provider API keys",
	Long: `Stores provider API keys in ~/.kinesight/credentials.json. Stored keys are
used only when the matching environment variable (e.g. OPENAI_API_KEY) is unset.`,
}

var authSetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := strings.ToLower(args[0])
		if config.APIKeyEnvVar(config.ProviderType(provider)) == "" {
			return fmt.Errorf("provider %q does not use an API key", provider)
		}

		prompt := promptui.Prompt{
			Label: fmt.Sprintf("%s API key", provider),
			Mask:  '*',
			Validate: func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("key cannot be empty")
				}
				return nil
			},
		}
		key, err := prompt.Run()
		if err != nil {
			return err
		}

		creds, err := auth.Load()
		if err != nil {
			return err
		}
		creds.Set(provider, strings.TrimSpace(key))
		if err := auth.Save(creds); err != nil {
			return err
		}
		fmt.Printf("Stored %s key %s\n", provider, auth.Mask(key))
		return nil
	},
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers with a stored key",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := auth.Load()
		if err != nil {
			return err
		}
		providers := creds.Providers()
		if len(providers) == 0 {
			fmt.Println("No stored keys.")
			return nil
		}
		for _, p := range providers {
			fmt.Printf("%-12s %s\n", p, auth.Mask(creds.APIKeys[p]))
		}
		return nil
	},
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove <provider>",
	Short: "Delete a stored key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := auth.Load()
		if err != nil {
			return err
		}
		provider := strings.ToLower(args[0])
		if _, ok := creds.APIKeys[provider]; !ok {
			return fmt.Errorf("no stored key for %q", provider)
		}
		creds.Set(provider, "")
		if err := auth.Save(creds); err != nil {
			return err
		}
		fmt.Printf("Removed %s key\n", provider)
		return nil
	},
}

func init() {
	authCmd.AddCommand(authSetCmd, authListCmd, authRemoveCmd)
	rootCmd.AddCommand(authCmd)
}

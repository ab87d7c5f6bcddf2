package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
)

// RunWizard runs an interactive configuration wizard and saves the result
// to path.
func RunWizard(path string) (*Config, error) {
	fmt.Println("Welcome to kinesight! Let's configure the insight pipeline.")
	fmt.Println()

	// 1. Provider selection.
	providerPrompt := promptui.Select{
		Label: "Select LLM provider",
		Items: []string{"anthropic", "openai", "google", "ollama", "openrouter", "minimax"},
	}
	_, providerStr, err := providerPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("provider selection: %w", err)
	}
	provider := ProviderType(providerStr)

	// 2. Quality tier.
	qualityPrompt := promptui.Select{
		Label: "Select quality tier",
		Items: []string{
			"lite:   fast and cheap (haiku / gpt-4o-mini)",
			"normal: balanced (sonnet / gpt-4o)",
			"max:    highest quality (opus / gpt-4.1)",
		},
	}
	qualityIdx, _, err := qualityPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("quality selection: %w", err)
	}
	tiers := []QualityTier{QualityLite, QualityNormal, QualityMax}
	quality := tiers[qualityIdx]

	preset := GetPreset(provider, quality)
	defaults := DefaultConfig()

	// 3. Data directory.
	dataPrompt := promptui.Prompt{
		Label:   "Data directory for the session database and evidence cache",
		Default: defaults.DataDir,
	}
	dataDir, err := dataPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// 4. Server port.
	portPrompt := promptui.Prompt{
		Label:   "HTTP port for kinesight serve",
		Default: strconv.Itoa(defaults.Server.Port),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 65535 {
				return fmt.Errorf("enter a port between 1 and 65535")
			}
			return nil
		},
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("server port: %w", err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := defaults
	cfg.Provider = provider
	cfg.Model = preset.Model
	cfg.EmbeddingProvider = embeddingProviderFor(provider)
	cfg.EmbeddingModel = preset.EmbeddingModel
	cfg.Quality = quality
	cfg.DataDir = dataDir
	cfg.Server.Port = port

	for _, envVar := range []string{APIKeyEnvVar(provider), APIKeyEnvVar(cfg.EmbeddingProvider)} {
		if envVar != "" && os.Getenv(envVar) == "" {
			fmt.Printf("\nNote: Set %s in your environment (or .env) before running kinesight.\n", envVar)
		}
	}

	if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", path)
	return cfg, nil
}

// embeddingProviderFor returns the default embedding provider for a given
// LLM provider. Google and Ollama embed natively; every other cloud
// provider uses OpenAI embeddings.
func embeddingProviderFor(p ProviderType) ProviderType {
	switch p {
	case ProviderOllama, ProviderGoogle:
		return p
	}
	return ProviderOpenAI
}

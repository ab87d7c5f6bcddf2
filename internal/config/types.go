package config

import (
	"path/filepath"
	"time"
)

// QualityTier controls the model selection and trade-off between speed/cost and quality.
type QualityTier string

const (
	QualityLite   QualityTier = "lite"
	QualityNormal QualityTier = "normal"
	QualityMax    QualityTier = "max"
)

// ProviderType identifies an LLM provider.
type ProviderType string

const (
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenAI     ProviderType = "openai"
	ProviderGoogle     ProviderType = "google"
	ProviderOllama     ProviderType = "ollama"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderMiniMax    ProviderType = "minimax"
)

// Config is the top-level kinesight configuration, corresponding to .kinesight.yml.
type Config struct {
	Provider          ProviderType `yaml:"provider" koanf:"provider"`
	Model             string       `yaml:"model" koanf:"model"`
	EmbeddingProvider ProviderType `yaml:"embedding_provider" koanf:"embedding_provider"`
	EmbeddingModel    string       `yaml:"embedding_model" koanf:"embedding_model"`
	Quality           QualityTier  `yaml:"quality" koanf:"quality"`
	// DataDir holds the SQLite database.
	DataDir string `yaml:"data_dir" koanf:"data_dir"`
	// MaxConcurrency bounds the research stage's per-pattern fan-out.
	MaxConcurrency    int           `yaml:"max_concurrency" koanf:"max_concurrency"`
	RequestsPerMinute int           `yaml:"requests_per_minute" koanf:"requests_per_minute"`
	CallTimeout       time.Duration `yaml:"call_timeout" koanf:"call_timeout"`
	MaxAttempts       int           `yaml:"max_attempts" koanf:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" koanf:"retry_backoff"`
	Server            ServerConfig  `yaml:"server" koanf:"server"`
	Notify            NotifyConfig  `yaml:"notify" koanf:"notify"`
}

// NotifyConfig controls run-outcome notifications.
type NotifyConfig struct {
	// Webhooks receive a JSON POST for every notification at or above
	// MinSeverity. Notifications are stored even when no webhook is set.
	Webhooks    []string `yaml:"webhooks,omitempty" koanf:"webhooks"`
	MinSeverity string   `yaml:"min_severity" koanf:"min_severity"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int  `yaml:"port" koanf:"port"`
	AllowAllOrigins bool `yaml:"allow_all_origins" koanf:"allow_all_origins"`
}

// DatabasePath is where the SQLite file lives inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kinesight.db")
}

// ClinicPath is the practice profile written by `kinesight context`.
func (c *Config) ClinicPath() string {
	return filepath.Join(c.DataDir, "clinic.json")
}

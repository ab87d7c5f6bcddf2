package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/clinic"
	"github.com/ziadkadry99/kinesight/internal/config"
	"github.com/ziadkadry99/kinesight/internal/db"
	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/evidence"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/notifications"
	"github.com/ziadkadry99/kinesight/internal/pipeline"
	"github.com/ziadkadry99/kinesight/internal/registry"
	"github.com/ziadkadry99/kinesight/internal/sessions"
	"github.com/ziadkadry99/kinesight/internal/vectordb"
)

// ollamaDimensions is the output size of nomic-embed-text, the default
// Ollama embedding model.
const ollamaDimensions = 768

// createEmbedderFromConfig creates an embeddings.Embedder based on config.
func createEmbedderFromConfig(cfg *config.Config) (embeddings.Embedder, error) {
	provider := cfg.EmbeddingProvider
	if provider == "" {
		provider = cfg.Provider
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = config.GetPreset(provider, cfg.Quality).EmbeddingModel
	}

	switch provider {
	case config.ProviderGoogle:
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderGoogle))
		if apiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY environment variable is required for Google embeddings")
		}
		return embeddings.NewGoogleEmbedder(apiKey, embeddings.GoogleModel(model)), nil
	case config.ProviderOllama:
		return embeddings.NewOllamaEmbedder(model, ollamaDimensions, os.Getenv("OLLAMA_HOST")), nil
	default:
		// Providers without native embeddings use OpenAI.
		apiKey := os.Getenv(config.APIKeyEnvVar(config.ProviderOpenAI))
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required (used for embeddings when provider is %s)", provider)
		}
		return embeddings.NewOpenAIEmbedder(apiKey, embeddings.OpenAIModel(model)), nil
	}
}

// createInvokerFromConfig builds the rate-limited, retrying generative
// client every pipeline stage goes through.
func createInvokerFromConfig(cfg *config.Config) (*llm.Invoker, error) {
	provider, err := llm.NewProvider(string(cfg.Provider), cfg.Model)
	if err != nil {
		return nil, err
	}
	if cfg.RequestsPerMinute > 0 {
		provider = llm.NewRateLimitedProvider(provider, cfg.RequestsPerMinute)
	}
	return llm.NewInvoker(provider, llm.InvokerOptions{
		Model:       cfg.Model,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		CallTimeout: cfg.CallTimeout,
	}), nil
}

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `kinesight init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// app holds the stores and services a command works with.
type app struct {
	cfg      *config.Config
	db       *db.DB
	sessions *sessions.Store
	states   *pipeline.StateStore
	audit    *audit.Store
	notes    *notifications.Store
	registry *registry.Registry
	embedder embeddings.Embedder
	cache    *evidence.Cache
	orch     *pipeline.Orchestrator
	// notifier is set with the orchestrator.
	notifier *notifications.Dispatcher
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// evidence opens the embedder and the evidence cache.
	evidence bool
	// pipeline also builds the orchestrator; it implies evidence.
	pipeline bool
}

// openApp opens the database and builds what opts asks for. A failing
// embedder leaves the cache nil; the pipeline then researches every pattern
// by search.
func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       database,
		sessions: sessions.NewStore(database),
		states:   pipeline.NewStateStore(database),
		audit:    audit.NewStore(database),
		notes:    notifications.NewStore(database),
		registry: registry.Default(),
	}

	if opts.evidence || opts.pipeline {
		if err := a.openEvidence(ctx); err != nil {
			if !opts.pipeline {
				a.Close()
				return nil, err
			}
			slog.Warn("evidence cache unavailable; research will search every pattern", "error", err)
		}
	}

	if opts.pipeline {
		profile, err := clinic.Load(cfg.ClinicPath())
		if err != nil {
			slog.Warn("ignoring clinic profile", "path", cfg.ClinicPath(), "error", err)
		}
		invoker, err := createInvokerFromConfig(cfg)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating LLM provider: %w", err)
		}
		popts := pipeline.Options{
			Sessions:     a.sessions,
			Invoker:      invoker,
			Registry:     a.registry,
			Embedder:     a.embedder,
			States:       a.states,
			Audit:        a.audit,
			Logger:       slog.Default(),
			Concurrency:  cfg.MaxConcurrency,
			EmbedTimeout: cfg.CallTimeout,
			Clinic:       profile,
		}
		a.notifier = notifications.NewDispatcher(a.notes, notifications.Options{
			Webhooks:    cfg.Notify.Webhooks,
			MinSeverity: notifications.Severity(cfg.Notify.MinSeverity),
			Logger:      slog.Default(),
		})
		popts.Notifier = a.notifier
		if a.cache != nil {
			popts.Cache = a.cache
		}
		a.orch, err = pipeline.New(popts)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openEvidence(ctx context.Context) error {
	embedder, err := createEmbedderFromConfig(a.cfg)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	index, err := vectordb.NewChromemIndex(embedder)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	cache, err := evidence.Open(ctx, a.db, index)
	if err != nil {
		return fmt.Errorf("opening evidence cache: %w", err)
	}
	a.embedder, a.cache = embedder, cache
	return nil
}

// Close stops live runs and closes the database.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	a.db.Close()
}

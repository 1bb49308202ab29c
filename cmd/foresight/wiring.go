package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkowalski/foresight/internal/capability"
	"github.com/mkowalski/foresight/internal/config"
	"github.com/mkowalski/foresight/internal/store"
)

// loadConfig builds the config manager from the --config flag.
func loadConfig() (*config.Manager, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}

// openStore connects the configured store. An empty database URL selects
// the in-memory store, which only makes sense for a single process.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewMemory(), nil
	}

	pg, err := store.Connect(ctx, config.ResolveEnvVars(cfg.Database.URL))
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// buildCapability returns the analyzer/validator pair. Without an API key
// the mock serves both, which keeps dev mode free.
func buildCapability(cfg *config.Config, logger *slog.Logger) (capability.Analyzer, capability.Validator) {
	apiKey := config.ResolveEnvVars(cfg.OpenAI.APIKey)
	if apiKey == "" {
		logger.Warn("no OpenAI API key configured, using mock capability")
		mock := capability.NewMock()
		return mock, mock
	}

	client := capability.NewOpenAIClient(capability.OpenAIConfig{
		APIKey:                   apiKey,
		Model:                    cfg.OpenAI.Model,
		RPM:                      cfg.OpenAI.RPM,
		Timeout:                  time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
		InputCostPer1M:           cfg.OpenAI.InputCostPer1M,
		OutputCostPer1M:          cfg.OpenAI.OutputCostPer1M,
		MaxSearchesPerValidation: cfg.Analysis.MaxSearchesPerValidation,
	})
	return client, client
}

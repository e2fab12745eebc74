package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/testweaver/internal/generator"
	"github.com/sells-group/testweaver/internal/resilience"
	"github.com/sells-group/testweaver/internal/store"
	"github.com/sells-group/testweaver/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "testweaver.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.PoolMaxConns,
			MinConns: cfg.Store.PoolMinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initOrchestrator wires the generation pipeline from config. Requires
// an API key; callers gate on cfg.Validate("generate").
func initOrchestrator(st store.Store) *generator.Orchestrator {
	llm := anthropic.NewClient(cfg.Anthropic.Key)
	return generator.New(st, llm, generator.Options{
		Model:            cfg.Anthropic.Model,
		MaxTokens:        int64(cfg.Anthropic.MaxTokens),
		Temperature:      cfg.Generate.Temperature,
		CachePrompt:      cfg.Anthropic.CachePrompt,
		MaxExistingNames: cfg.Generate.MaxExistingName,
		RatePerMin:       cfg.Anthropic.RatePerMin,
		PerTypeTimeout:   time.Duration(cfg.Generate.PerTypeTimeout) * time.Second,
		Retry: resilience.FromRetryConfig(
			cfg.Retry.MaxAttempts,
			cfg.Retry.InitialBackoffMs,
			cfg.Retry.MaxBackoffMs,
			cfg.Retry.Multiplier,
			cfg.Retry.JitterFraction,
		),
		Circuit: resilience.FromCircuitConfig(
			cfg.Circuit.FailureThreshold,
			cfg.Circuit.ResetTimeoutSecs,
		),
	})
}

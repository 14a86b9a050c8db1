package main

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/analysis"
	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/extract"
	"github.com/sells-group/visadoc/internal/gap"
	"github.com/sells-group/visadoc/internal/questions"
	"github.com/sells-group/visadoc/internal/resilience"
	"github.com/sells-group/visadoc/internal/store"
	"github.com/sells-group/visadoc/internal/tracker"
	anthropicpkg "github.com/sells-group/visadoc/pkg/anthropic"
)

// appEnv holds the store, catalog and services the commands share.
type appEnv struct {
	Store    store.Store
	Catalog  *catalog.Catalog
	Analysis *analysis.Service
	Tracker  *tracker.Tracker
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp validates the config for mode, opens and migrates the store and
// builds the services. Only "analyze" and "serve" wire an extractor.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	cat, err := initCatalog()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	var ex extract.Extractor
	if mode != "store" {
		ex = initExtractor(cat)
	}

	threshold := cfg.Analysis.VerifyThreshold
	if threshold <= 0 {
		threshold = gap.DefaultVerifyThreshold
	}

	return &appEnv{
		Store:   st,
		Catalog: cat,
		Analysis: analysis.NewService(st, cat, ex, analysis.Config{
			Concurrency: cfg.Analysis.Concurrency,
			StaleAfter:  cfg.Analysis.StaleAfter(),
		}),
		Tracker: tracker.New(st, cat, gap.NewAnalyzer(cat, threshold), questions.NewGenerator(cat)),
	}, nil
}

func initCatalog() (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(cfg.Catalog.Path)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "visadoc.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initExtractor builds the configured extraction collaborator. The
// Anthropic extractor runs behind the rate limiter, retry and circuit
// breaker.
func initExtractor(cat *catalog.Catalog) extract.Extractor {
	if cfg.Extraction.Provider == "label" {
		zap.L().Info("using label extractor", zap.Float64("confidence", cfg.Extraction.LabelConfidence))
		return extract.NewLabel(cat, cfg.Extraction.LabelConfidence)
	}

	claude := extract.NewClaude(anthropicpkg.NewClient(cfg.Anthropic.Key), cat, extract.ClaudeConfig{
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
	guard := extract.NewGuard(extract.GuardConfig{
		RatePerSecond: cfg.Extraction.RatePerSecond,
		Burst:         cfg.Extraction.Burst,
		Retry: resilience.FromRetryConfig(
			cfg.Extraction.Retry.MaxAttempts,
			cfg.Extraction.Retry.InitialBackoffMs,
			cfg.Extraction.Retry.MaxBackoffMs,
		),
		Circuit: resilience.FromCircuitConfig("extraction",
			cfg.Extraction.Circuit.FailureThreshold,
			cfg.Extraction.Circuit.ResetTimeoutSecs,
		),
	})
	zap.L().Info("using anthropic extractor", zap.String("model", cfg.Anthropic.Model))
	return extract.NewResilient(claude, guard)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "write output")
}

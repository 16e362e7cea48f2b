package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polymathlabs/polymath/internal/agent"
	"github.com/polymathlabs/polymath/internal/agent/providers"
	"github.com/polymathlabs/polymath/internal/backoff"
	"github.com/polymathlabs/polymath/internal/broadcast"
	"github.com/polymathlabs/polymath/internal/callback"
	"github.com/polymathlabs/polymath/internal/config"
	"github.com/polymathlabs/polymath/internal/janitor"
	"github.com/polymathlabs/polymath/internal/observability"
	"github.com/polymathlabs/polymath/internal/research"
	"github.com/polymathlabs/polymath/internal/server"
	"github.com/polymathlabs/polymath/internal/sessions"
	"github.com/polymathlabs/polymath/internal/tools/runcode"
	"github.com/polymathlabs/polymath/internal/tools/startresearch"
	"github.com/polymathlabs/polymath/internal/workflow"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the polymath server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	// Fall back to polymath.yaml in the working directory when present.
	if _, err := os.Stat("polymath.yaml"); err == nil {
		return config.Load("polymath.yaml")
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()

	sessionStore, jobStore, checkpoints, closeStores, err := buildStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub()
	courier := callback.NewCourier(sessionStore, hub, logger, metrics)
	engine := workflow.NewEngine(jobStore, checkpoints, courier, workflow.Config{
		MaxAttempts: cfg.Workflow.MaxAttempts,
		RetryPolicy: backoff.Policy{
			Initial: cfg.Workflow.RetryInitial,
			Max:     cfg.Workflow.RetryMax,
			Factor:  2,
			Jitter:  0.1,
		},
		Logger:  logger,
		Metrics: metrics,
	})

	researchSvc := research.NewService(provider, research.NewDuckDuckGoSearcher(), research.NewPageExtractor(), research.Config{
		Model:           cfg.LLM.Model,
		MaxQueries:      cfg.Research.MaxQueries,
		SourcesPerQuery: cfg.Research.SourcesPerQuery,
	}, logger)
	if err := engine.RegisterWorkflow(researchSvc.Definition()); err != nil {
		return err
	}

	registry := agent.NewRegistry()
	if cfg.Tools.RunCode.Enabled {
		var runner runcode.Runner
		if cfg.Tools.RunCode.Python != "" {
			runner = &runcode.LocalRunner{Python: cfg.Tools.RunCode.Python}
		}
		var opts []runcode.Option
		if cfg.Tools.RunCode.Timeout > 0 {
			opts = append(opts, runcode.WithTimeout(cfg.Tools.RunCode.Timeout))
		}
		if err := registry.Register(runcode.New(runner, hub, logger, opts...)); err != nil {
			return err
		}
	}
	if err := registry.Register(startresearch.New(engine, logger)); err != nil {
		return err
	}

	orch := agent.NewOrchestrator(provider, registry, sessionStore, hub, agent.Options{
		SystemPrompt: cfg.LLM.SystemPrompt,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		Logger:       logger,
		Metrics:      metrics,
	})

	sweeper := janitor.New(sessionStore, jobStore, janitor.Config{
		SessionTTL: cfg.Storage.SessionTTL,
		JobTTL:     cfg.Storage.JobTTL,
	}, logger)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	srv := server.New(cfg.Server, orch, sessionStore, jobStore, engine, hub, logger)
	logger.Info(ctx, "polymath starting",
		"version", version,
		"provider", provider.Name(),
		"storage", cfg.Storage.Driver,
	)
	return srv.Start(ctx)
}

func buildStores(cfg *config.Config) (sessions.Store, workflow.Store, workflow.CheckpointStore, func(), error) {
	if cfg.Storage.Driver == "memory" {
		return sessions.NewMemoryStore(), workflow.NewMemoryStore(), workflow.NewMemoryCheckpoints(), func() {}, nil
	}

	sessionStore, err := sessions.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}

	// All stores share the session store's single-connection handle:
	// database/sql queues writers instead of surfacing SQLITE_BUSY, so a
	// workflow transaction never fails a concurrent message append.
	db := sessionStore.DB()
	jobStore, err := workflow.NewSQLiteJobStore(db)
	if err != nil {
		sessionStore.Close()
		return nil, nil, nil, nil, fmt.Errorf("open job store: %w", err)
	}
	checkpoints, err := workflow.NewSQLiteCheckpoints(db)
	if err != nil {
		sessionStore.Close()
		return nil, nil, nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	closeAll := func() {
		sessionStore.Close()
	}
	return sessionStore, jobStore, checkpoints, closeAll, nil
}

func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.APIKey,
			BaseURL:      cfg.LLM.BaseURL,
			DefaultModel: cfg.LLM.Model,
		})
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/orion-gepa/orion/config"
	"github.com/ZanzyTHEbar/orion-gepa/orion/db"
	"github.com/ZanzyTHEbar/orion-gepa/orion/dispatch"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/ai"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/ports"
	"github.com/ZanzyTHEbar/orion-gepa/orion/generation/harness/tools"
	"github.com/ZanzyTHEbar/orion-gepa/orion/gepa"
	"github.com/ZanzyTHEbar/orion-gepa/orion/learned"
	"github.com/ZanzyTHEbar/orion-gepa/orion/session"
	"github.com/ZanzyTHEbar/orion-gepa/orion/threads"
)

// app is the object graph every command works against.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	db         *sql.DB
	factory    *harness.Factory
	registry   *harness.Registry
	executor   *harness.Executor
	provider   *ai.OpenAIProvider
	loop       *harness.ConversationLoop
	tools      *learned.Store
	threads    *threads.Store
	dispatcher *dispatch.Dispatcher
	miner      *gepa.Miner
	metrics    *session.MetricsCollector
}

// stores opens only the file-backed stores, for commands that never call
// a model.
func stores(cfg *config.Config, logger zerolog.Logger) (*learned.Store, *threads.Store, error) {
	defs, err := learned.Open(cfg.Orion.ToolsFile, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open learned tools: %w", err)
	}
	return defs, threads.NewStore(cfg.Orion.ThreadsDir, logger), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	rt := &app{cfg: cfg, logger: logger, metrics: session.NewMetricsCollector()}

	if cfg.Orion.Database.Enabled {
		conn, err := db.ConnectToDB(ctx, cfg.Orion.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.db = conn
	}
	rt.factory = harness.NewFactory(&cfg.Harness, rt.db, logger)

	lake := tools.NewDataLake(cfg.Orion.DataLakeDir, tools.WithOwner(cfg.Orion.OwnerEmail, cfg.Orion.OwnerName))
	registry, err := harness.NewRegistry(tools.All(lake)...)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}
	rt.registry = registry
	rt.executor = rt.factory.CreateExecutor(registry)

	provider, err := ai.NewOpenAIProvider(cfg.LLM, logger)
	if err != nil {
		rt.Close()
		if errors.Is(err, ai.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: set llm.api_key or OPENAI_API_KEY", err)
		}
		return nil, err
	}
	rt.provider = provider
	rt.loop = rt.factory.CreateLoop(provider, rt.executor, ports.Options{
		Model:        cfg.LLM.Model,
		MaxNewTokens: cfg.LLM.MaxNewTokens,
		Temperature:  cfg.LLM.Temperature,
		ToolChoice:   "auto",
	})

	rt.tools, rt.threads, err = stores(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	policy := rt.factory.CreatePolicy()
	judge := ai.NewJudge(provider, logger,
		ai.WithJudgeModel(cfg.LLM.JudgeModel),
		ai.WithJudgeCache(rt.factory.CreateCache(), cfg.Harness.CacheTTLSeconds),
		ai.WithJudgeRetry(policy.RetryCount, policy.RetryBackoff),
	)
	var minerOpts []gepa.Option
	if ledger := rt.factory.CreateLedger(); ledger != nil {
		minerOpts = append(minerOpts, gepa.WithLedger(ledger))
	}
	rt.miner = gepa.NewMiner(judge, rt.tools, registry, gepa.Config{
		MinComplexity:     cfg.GEPA.MinComplexity,
		SynthesisAttempts: cfg.GEPA.SynthesisAttempts,
		ObjectiveOverlap:  cfg.GEPA.ObjectiveOverlap,
		Workers:           cfg.GEPA.Workers,
	}, logger, minerOpts...)

	rt.dispatcher = dispatch.NewDispatcher(rt.tools, rt.loop, rt.executor, dispatch.Config{
		ContextWindow:        cfg.Dispatch.ContextWindow,
		DefaultInternalTurns: cfg.Dispatch.DefaultInternalTurns,
		MinConfidence:        cfg.Dispatch.MinConfidence,
	}, logger)

	logger.Info().
		Int("registered_tools", registry.Len()).
		Int("learned_tools", rt.tools.Snapshot().Len()).
		Bool("database", rt.db != nil).
		Str("model", provider.Model()).
		Msg("Runtime ready")
	return rt, nil
}

func (rt *app) orchestrator(opts ...session.Option) *session.Orchestrator {
	base := []session.Option{
		session.WithMiner(rt.miner),
		session.WithMetrics(rt.metrics),
		session.WithConversationStore(rt.factory.CreateStore()),
	}
	return session.NewOrchestrator(rt.loop, rt.dispatcher, rt.threads, rt.logger, append(base, opts...)...)
}

func (rt *app) Close() {
	if rt.dispatcher != nil {
		rt.dispatcher.Close()
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

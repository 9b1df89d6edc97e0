// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command pmcore starts the procedural memory layer's RPC surface: a
// JSON-RPC 2.0 + SSE + HIL/AIL websocket server wired to every core
// component (graphstore, planner, executor, postexec, PER trainer,
// threshold manager, result cache, graph sync controller).
//
// Usage:
//
//	go run ./cmd/pmcore
//	go run ./cmd/pmcore -config ./pmcore.yaml -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	openai "github.com/sashabaranov/go-openai"

	"github.com/procedural-memory/pmcore/internal/cache"
	"github.com/procedural-memory/pmcore/internal/capsvc"
	"github.com/procedural-memory/pmcore/internal/config"
	"github.com/procedural-memory/pmcore/internal/domain"
	"github.com/procedural-memory/pmcore/internal/drdsp"
	"github.com/procedural-memory/pmcore/internal/embed"
	"github.com/procedural-memory/pmcore/internal/executor"
	"github.com/procedural-memory/pmcore/internal/graphstore"
	"github.com/procedural-memory/pmcore/internal/per"
	"github.com/procedural-memory/pmcore/internal/planner"
	"github.com/procedural-memory/pmcore/internal/postexec"
	"github.com/procedural-memory/pmcore/internal/rpc"
	"github.com/procedural-memory/pmcore/internal/rpc/auth"
	"github.com/procedural-memory/pmcore/internal/scorer"
	"github.com/procedural-memory/pmcore/internal/syncctl"
	"github.com/procedural-memory/pmcore/internal/threshold"
	"github.com/procedural-memory/pmcore/internal/toolinvoker"
	"github.com/procedural-memory/pmcore/internal/tracer"
	"github.com/procedural-memory/pmcore/pkg/logging"
	"github.com/procedural-memory/pmcore/pkg/storage/badger"
)

func main() {
	configPath := flag.String("config", "./pmcore.yaml", "path to pmcore's YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging and gin's request logger")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pmcore: load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Server.Debug = true
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if cfg.Server.Debug {
		level = logging.LevelDebug
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.LogDir,
		Service: "pmcore",
		JSON:    cfg.Logging.JSON,
	})
	defer log.Close()
	logger := log.Slog()

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("pmcore: fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, configPath string, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				logger.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := badger.OpenWithPath(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open badger store: %w", err)
	}
	defer db.Close()

	store, err := graphstore.LoadFrom(db)
	if err != nil {
		logger.Warn("failed to load persisted graph snapshot, starting empty", "error", err)
		store = graphstore.New()
	}

	embedder := newEmbedder(logger)

	router := drdsp.New(store)

	indexCfg := planner.DefaultIndexConfig()
	indexCfg.URL = envOr("PMCORE_WEAVIATE_URL", "http://localhost:8081")
	indexCfg.AllowStartDegraded = true
	index, err := planner.NewWeaviateIndex(ctx, indexCfg)
	if err != nil {
		return fmt.Errorf("construct candidate index: %w", err)
	}

	plnr := planner.New(embedder, index, router, store)

	resultCache := cache.New(cacheCapacity(cfg), db)
	cachedPlanner := newCachingPlanner(plnr, resultCache)

	paramStore := scorer.NewParamStore()
	paramStore.Update(domain.Params{
		Alpha:             cfg.Scorer.AlphaDefault,
		StructuralBoost:   cfg.Scorer.StructuralBoost,
		ReliabilityFactor: cfg.Scorer.ReliabilityFactor,
	})

	thresholds := threshold.New()
	thresholds.SetFloor(cfg.Threshold.Floor)

	traceStore := tracer.NewBadgerStore(db)
	trc := tracer.New(traceStore, logger)
	trc.Start(ctx)
	defer trc.Stop()

	trainer := per.New(traceStore, store, paramStore, per.DefaultConfig(), logger)

	postexecSvc := postexec.New(store, embedder, thresholds, trainer, logger)
	postexecSvc.SetOverlapTolerance(cfg.Planner.ParallelismOverlapTolerance)

	execCfg := executor.Config{
		MaxConcurrency:    cfg.Executor.MaxConcurrency,
		TaskTimeout:       cfg.Executor.TaskTimeout,
		HILEnabled:        cfg.Executor.HILEnabled,
		AILDecisionPoints: executor.AILMode(cfg.Executor.AILDecisionPoints),
	}

	authProvider, keyStore := newAuthProvider(cfg)
	if keyStore != nil {
		defer keyStore.Purge()
	}

	server := rpc.New(authProvider, logger)

	exec := executor.New(toolinvoker.New(), server.Decisions(), cachedPlanner, execCfg, logger)
	workflows := &learningExecutor{exec: exec, postexec: postexecSvc}

	capSvc := capsvc.New(store, envOr("PMCORE_ORG", ""), envOr("PMCORE_PROJECT", ""))

	server.RegisterCapabilities(capSvc)
	server.RegisterExecution(cachedPlanner, workflows)

	ctrl := syncctl.New(store, logger)
	ctrl.Start(server.Events().AsZoneBus())
	defer ctrl.Stop()

	kv := config.NewMemoryKV()
	gate := config.NewDiscoveryGate(kv)
	hash, err := cfg.Hash()
	if err != nil {
		return fmt.Errorf("hash config: %w", err)
	}
	if should, err := gate.ShouldReinitialize(hash); err != nil {
		logger.Warn("discovery gate check failed", "error", err)
	} else if should {
		logger.Info("discovery config changed, auto-init would run here")
		if err := gate.MarkInitialized(hash); err != nil {
			logger.Warn("failed to persist discovery hash", "error", err)
		}
	}

	watcher, err := config.NewWatcher(configPath, func(newCfg config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed, keeping previous config", "error", err)
			return
		}
		thresholds.SetFloor(newCfg.Threshold.Floor)
		postexecSvc.SetOverlapTolerance(newCfg.Planner.ParallelismOverlapTolerance)
		logger.Info("config reloaded", "threshold_floor", newCfg.Threshold.Floor, "overlap_tolerance", newCfg.Planner.ParallelismOverlapTolerance)
	})
	if err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	ginEngine := server.Router(cfg.Server.Debug)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down pmcore")
		if err := store.SaveTo(db); err != nil {
			logger.Error("failed to persist graph snapshot on shutdown", "error", err)
		}
		cancel()
		os.Exit(0)
	}()

	logger.Info("starting pmcore", "addr", cfg.Server.Addr, "auth_mode", cfg.Auth.Mode)
	if err := ginEngine.Run(cfg.Server.Addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// learningExecutor wraps *executor.Executor so a successful workflow
// triggers postexec.Service.Run afterward, satisfying rpc.Executor.
// execute_code's request carries a workflow id and a DAG, not a
// crystallized capability, so capability is always nil here; per
// postexec.Service.Run's contract a nil capability simply skips
// updateDRDSP/registerSHGATNodes and still runs the trace-derived
// learning effects.
type learningExecutor struct {
	exec     *executor.Executor
	postexec *postexec.Service
}

func (l *learningExecutor) Run(ctx context.Context, workflowID string, dag *domain.DAG) (*domain.ExecutionTrace, error) {
	trace, err := l.exec.Run(ctx, workflowID, dag)
	if err != nil {
		return trace, err
	}
	l.postexec.Run(context.Background(), nil, trace)
	return trace, nil
}

func (l *learningExecutor) Cancel(workflowID string) {
	l.exec.Cancel(workflowID)
}

func (l *learningExecutor) Status(workflowID string) (executor.WorkflowStatus, bool) {
	return l.exec.Status(workflowID)
}

// newEmbedder constructs the semantic half of the hybrid embedding.
// OPENAI_API_KEY absent starts the embedder degraded
// (every Embed call fails) rather than refusing to boot, matching
// WeaviateIndex's AllowStartDegraded posture for the other external
// dependency this binary has.
func newEmbedder(logger *slog.Logger) embed.Embedder {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		logger.Warn("OPENAI_API_KEY not set, semantic embedding calls will fail until configured")
	}
	client := openai.NewClient(apiKey)
	model := openai.EmbeddingModel(envOr("PMCORE_EMBEDDING_MODEL", "text-embedding-3-small"))
	return embed.NewOpenAIEmbedder(client, model)
}

// newAuthProvider builds the auth.Provider for the configured local/cloud
// split: local mode bypasses auth entirely, cloud mode validates
// against a KeyStore seeded from PMCORE_API_KEY (applyEnvOverrides already
// folded that value into cfg.Auth.APIKey and flipped Mode to "cloud").
func newAuthProvider(cfg config.Config) (auth.Provider, *auth.KeyStore) {
	if cfg.Auth.Mode != "cloud" {
		return auth.LocalProvider{}, nil
	}
	keyStore := auth.NewKeyStore()
	if cfg.Auth.APIKey != "" {
		if err := keyStore.Register(cfg.Auth.APIKey, "default"); err != nil {
			slog.Default().Warn("failed to register configured API key", "error", err)
		}
	}
	return keyStore, keyStore
}

// cacheCapacity is the result cache's in-memory entry bound. Not yet a
// config.Config field since nothing else calls for tuning it; 1000
// mirrors cache.New's own documented default.
func cacheCapacity(_ config.Config) int {
	return 1000
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

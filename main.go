package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/amtsauskunft/orchestrator/internal/agents"
	"github.com/amtsauskunft/orchestrator/internal/budget"
	"github.com/amtsauskunft/orchestrator/internal/config"
	"github.com/amtsauskunft/orchestrator/internal/fusion"
	"github.com/amtsauskunft/orchestrator/internal/httpapi"
	"github.com/amtsauskunft/orchestrator/internal/intent"
	"github.com/amtsauskunft/orchestrator/internal/llm"
	"github.com/amtsauskunft/orchestrator/internal/metrics"
	"github.com/amtsauskunft/orchestrator/internal/models"
	"github.com/amtsauskunft/orchestrator/internal/pipeline"
	"github.com/amtsauskunft/orchestrator/internal/progress"
	"github.com/amtsauskunft/orchestrator/internal/stores"
	"github.com/amtsauskunft/orchestrator/internal/synthesis"
	"github.com/amtsauskunft/orchestrator/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := buildLogger(cfg)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting auskunft orchestrator",
		zap.String("model", cfg.LLM.ModelID),
		zap.String("addr", cfg.Server.Addr))

	// Hot reload only affects runs started after the reload; the running
	// controller keeps its construction-time snapshot.
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	var watcher *config.Watcher
	if w, err := config.NewWatcher(cfgPath, cfg, logger); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		watcher = w
		watcher.OnReload(func(next *config.Config) {
			logger.Info("Configuration updated for future runs",
				zap.String("fusion_strategy", next.Fusion.Strategy))
		})
	}

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Observability.Tracing.Enabled,
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal("Tracing initialization failed", zap.Error(err))
	}

	var metricsSrv *http.Server
	if cfg.Observability.Metrics.Enabled {
		metricsSrv = metrics.Serve(cfg.Observability.Metrics.Port, logger)
	}

	// LLM backend
	llmClient := llm.NewHTTPClient(llm.Config{
		Endpoint:          cfg.LLM.Endpoint,
		ModelID:           cfg.LLM.ModelID,
		Temperature:       cfg.LLM.Temperature,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}, logger)

	// Stores
	embedder := stores.NewHTTPEmbedder(stores.EmbedderConfig{
		Endpoint: cfg.LLM.Endpoint,
	}, logger)
	vectorClient := stores.NewQdrantClient(stores.QdrantConfig{
		Host:       cfg.Retrieval.Vector.Host,
		Port:       cfg.Retrieval.Vector.Port,
		Collection: cfg.Retrieval.Vector.Collection,
		Timeout:    cfg.Retrieval.PerStoreDeadline(),
	}, embedder, logger)
	graphClient := stores.NewHTTPGraphClient(stores.GraphConfig{
		Endpoint: cfg.Retrieval.Graph.Endpoint,
		MaxDepth: cfg.Retrieval.Graph.MaxDepth,
		Timeout:  cfg.Retrieval.PerStoreDeadline(),
	}, logger)
	var relationalClient stores.RelationalClient
	if cfg.Retrieval.Relational.DSN != "" {
		sqlClient, err := stores.NewSQLClient(stores.RelationalConfig{
			Driver: cfg.Retrieval.Relational.Driver,
			DSN:    cfg.Retrieval.Relational.DSN,
			AllowedTables: map[string]string{
				cfg.Retrieval.Relational.Table: "id",
			},
		}, logger)
		if err != nil {
			logger.Fatal("Relational store unavailable", zap.Error(err))
		}
		defer sqlClient.Close()
		relationalClient = sqlClient
	}
	gateway := stores.NewGateway(vectorClient, graphClient, relationalClient,
		cfg.Retrieval.PerStoreDeadline(), cfg.Retrieval.MaxResultsPerStore, logger)

	// Progress bus, optionally mirrored to Redis
	var redisClient *redis.Client
	if cfg.Progress.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Progress.RedisAddr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable; progress bus runs in-memory only", zap.Error(err))
			redisClient = nil
		}
	}
	bus := progress.NewBus(progress.Options{
		ReplayBufferSize: cfg.Progress.ReplayBufferSize,
		ReplayTTL:        time.Duration(cfg.Progress.ReplayTTLSeconds) * time.Second,
		Redis:            redisClient,
	}, logger)

	// Agents
	registry := agents.NewRegistry(logger)
	registerBuiltinAgents(registry, llmClient)
	if cfg.Agents.RegistryFile != "" {
		if err := registry.LoadDescriptorFile(cfg.Agents.RegistryFile, func(desc models.AgentDescriptor) agents.Factory {
			return agents.NewLLMAgentFactory(desc, llmClient)
		}); err != nil {
			logger.Warn("Registry file not loaded", zap.Error(err))
		}
	}
	selector := agents.NewSelector(registry, cfg.Agents.AlwaysOn, cfg.Agents.MaxAgents, logger)
	runtime := agents.NewRuntime(registry, cfg.Agents.MaxParallel, cfg.Agents.DefaultAgentTimeout(), logger)

	// Budget and synthesis
	estimator := budget.NewEstimator(logger)
	budgetMgr := budget.NewManager(budget.Config{
		ContextWindowTokens:    cfg.LLM.ContextWindowTokens,
		ReservedResponseTokens: cfg.LLM.ReservedResponseTokens,
		SafetyMarginTokens:     cfg.LLM.SafetyMarginTokens,
		StrategyPriority:       strategyPriority(cfg.Overflow.StrategyPriority),
		MinViablePromptTokens:  cfg.Overflow.MinViablePromptTokens,
	}, estimator, llmClient, logger)
	driver := synthesis.NewDriver(llmClient, cfg.LLM.ReservedResponseTokens, logger)

	var reranker *fusion.Reranker
	if cfg.Rerank.Enabled {
		reranker = fusion.NewReranker(llmClient, cfg.Rerank.TopN, fusion.RerankMode(cfg.Rerank.Mode), logger)
	}

	classifier := intent.New(llmClient, cfg.Intent.LLMThreshold, logger)

	controller := pipeline.New(pipeline.Deps{
		Config:     cfg,
		Classifier: classifier,
		Gateway:    gateway,
		Reranker:   reranker,
		Registry:   registry,
		Selector:   selector,
		Runtime:    runtime,
		Budget:     budgetMgr,
		Driver:     driver,
		Bus:        bus,
		Logger:     logger,
	})

	mux := http.NewServeMux()
	httpapi.NewHandler(controller, logger).RegisterRoutes(mux)
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()
	logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))

	// Graceful shutdown: drain HTTP, flush the bus, stop tracing.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down")

	grace := time.Duration(cfg.Server.ShutdownGraceMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	bus.Shutdown()
	if watcher != nil {
		watcher.Stop()
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(cfg.Observability.Logging.Level)
	zcfg := zap.NewProductionConfig()
	if cfg.Observability.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func strategyPriority(names []string) []budget.Strategy {
	out := make([]budget.Strategy, 0, len(names))
	for _, n := range names {
		out = append(out, budget.Strategy(n))
	}
	return out
}

// registerBuiltinAgents seeds the always-on helpers and domain
// specialists backed by the shared LLM client.
func registerBuiltinAgents(registry *agents.Registry, client llm.Client) {
	builtins := []models.AgentDescriptor{
		{AgentID: "retrieval_helper", Domain: models.DomainGeneral,
			Capabilities: []string{"retrieval"}, ConcurrencyCap: 4, TimeoutHint: 6 * time.Second},
		{AgentID: "temporal_helper", Domain: models.DomainGeneral,
			Capabilities: []string{"deadlines"}, ConcurrencyCap: 4, TimeoutHint: 6 * time.Second},
		{AgentID: "legal_framework", Domain: models.DomainGeneral,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "construction_law", Domain: models.DomainConstruction,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "environmental_law", Domain: models.DomainEnvironmental,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "traffic_law", Domain: models.DomainTraffic,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "social_law", Domain: models.DomainSocial,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "financial_law", Domain: models.DomainFinancial,
			Capabilities: []string{"legal_analysis"}, ConcurrencyCap: 2, TimeoutHint: 10 * time.Second},
		{AgentID: "weather_specialist", Domain: models.DomainEnvironmental,
			Capabilities: []string{"weather"}, ConcurrencyCap: 2, TimeoutHint: 6 * time.Second},
		{AgentID: "standards_specialist", Domain: models.DomainConstruction,
			Capabilities: []string{"standards"}, ConcurrencyCap: 2, TimeoutHint: 6 * time.Second},
		{AgentID: "chemicals_specialist", Domain: models.DomainEnvironmental,
			Capabilities: []string{"chemicals"}, ConcurrencyCap: 2, TimeoutHint: 6 * time.Second},
	}
	for _, desc := range builtins {
		registry.Register(desc, agents.NewLLMAgentFactory(desc, client))
	}
}

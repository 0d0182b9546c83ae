package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"cognitive-memory-engine/internal/api"
	"cognitive-memory-engine/internal/config"
	"cognitive-memory-engine/internal/db"
	"cognitive-memory-engine/internal/engine"
	redisdb "cognitive-memory-engine/internal/redis"
)

func main() {
	cfg, err := config.LoadConfig("config.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	storage, err := db.Init(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DB init error: %v\n", err)
		os.Exit(1)
	}

	rdb := redisdb.NewClient(cfg)

	mathEngine, err := engine.NewMathEngine(
		engine.ScoreWeights{
			Recency:    cfg.Engine.Weights.Recency,
			Importance: cfg.Engine.Weights.Importance,
			Relevance:  cfg.Engine.Weights.Relevance,
		},
		cfg.Engine.DecayLambda,
		engine.ConsolidationParams{
			LearningRate:       cfg.Engine.Consolidation.LearningRate,
			SpacingSensitivity: cfg.Engine.Consolidation.Spacing,
			ClampMax:           cfg.Engine.Consolidation.ClampMax,
			DifficultyFactor:   cfg.Engine.Consolidation.DifficultyFactor,
		},
	)
	if err != nil {
		log.Fatalf("[Main] failed to construct math engine: %v", err)
	}

	embedder, err := engine.NewEmbeddingGateway(cfg.Engine.Embedding.URL, engine.EmbeddingGatewayOptions{
		Model:            cfg.Engine.Embedding.Model,
		Timeout:          cfg.Engine.Embedding.Timeout,
		CacheSize:        cfg.Engine.Embedding.CacheSize,
		FailureThreshold: cfg.Engine.Embedding.Breaker.FailureThreshold,
		CooldownTimeout:  cfg.Engine.Embedding.Breaker.Cooldown,
	})
	if err != nil {
		log.Fatalf("[Main] failed to construct embedding gateway: %v", err)
	}

	dedup := engine.NewDeduplicator(storage, cfg.Engine.SimilarityDedupThreshold, cfg.Engine.DedupCohortSize)

	tiers := engine.NewTierManager(storage, mathEngine, engine.TierManagerConfig{
		WorkingCapacity:     cfg.Engine.WorkingCapacity,
		MigrationInterval:   cfg.Engine.MigrationInterval,
		MigrationBatchSize:  cfg.Engine.MigrationBatchSize,
		PromotionStickiness: cfg.Engine.PromotionStickiness,
		WarmThreshold:       cfg.Engine.TierThresholds.Warm,
		ColdThreshold:       cfg.Engine.TierThresholds.Cold,
		FrozenThreshold:     cfg.Engine.TierThresholds.Frozen,
	})

	importanceCfg := engine.DefaultImportancePipelineConfig()
	importanceCfg.TauHigh = cfg.Engine.ImportanceThresholds.TauHigh
	importanceCfg.TauLow = cfg.Engine.ImportanceThresholds.TauLow
	importanceCfg.LLMScorerURL = cfg.Engine.LLMScorerURL
	importancePipeline := engine.NewImportancePipeline(importanceCfg, nil)

	repoCfg := engine.DefaultRepositoryConfig()
	repoCfg.MaxContentLength = cfg.Engine.MaxContentLength
	repoCfg.IngestConcurrency = cfg.Engine.IngestConcurrency
	repoCfg.BackpressureWait = cfg.Engine.IngestBackpressureWait
	repo := engine.NewRepository(storage, mathEngine, embedder, dedup, tiers, importancePipeline, repoCfg)

	harvester := engine.NewHarvester(repo, rdb, engine.HarvesterConfig{
		MessageIntervalK:    cfg.Engine.Harvester.MessageIntervalK,
		TimeIntervalT:       cfg.Engine.Harvester.TimeIntervalT,
		ConfidenceThreshold: cfg.Engine.Harvester.ConfidenceThreshold,
		Workers:             cfg.Engine.Harvester.Workers,
		QueueSize:           cfg.Engine.Harvester.QueueSize,
	}, nil)
	defer harvester.Stop()

	tierCtx, cancelTiers := context.WithCancel(ctx)
	defer cancelTiers()
	go tiers.Start(tierCtx)
	log.Printf("[Main] tier manager started (interval: %s)", cfg.Engine.MigrationInterval)

	r := api.SetupRouter(cfg, repo, harvester)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("[Main] starting server on %s", addr)
	if err := r.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ScoreWeightsConfig is the {alpha, beta, gamma} block from §6.4.
type ScoreWeightsConfig struct {
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Relevance  float64 `json:"relevance"`
}

// ConsolidationConfig is the consolidation sub-block from §6.4.
type ConsolidationConfig struct {
	LearningRate       float64 `json:"learning_rate"`
	Spacing            float64 `json:"spacing"`
	ClampMax           float64 `json:"clamp_max"`
	DifficultyFactor   float64 `json:"difficulty_factor"`
}

// TierThresholdsConfig is the {warm, cold, frozen} recall-probability
// thresholds from §4.6.1.
type TierThresholdsConfig struct {
	Warm   float64 `json:"warm"`
	Cold   float64 `json:"cold"`
	Frozen float64 `json:"frozen"`
}

// ImportanceThresholdsConfig is the {tau_low, tau_high} block from §4.7.
type ImportanceThresholdsConfig struct {
	TauLow  float64 `json:"tau_low"`
	TauHigh float64 `json:"tau_high"`
}

// BreakerConfig is the embedding/LLM circuit breaker sub-block.
type BreakerConfig struct {
	FailureThreshold uint32        `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
	HalfOpenCalls    int           `json:"half_open_calls"`
}

// EmbeddingConfig is the embedding gateway sub-block from §6.4.
type EmbeddingConfig struct {
	URL        string        `json:"url"`
	Model      string        `json:"model"`
	Dimension  int           `json:"dimension"`
	Timeout    time.Duration `json:"timeout"`
	CacheSize  int           `json:"cache_size"`
	Breaker    BreakerConfig `json:"breaker"`
}

// StorageConfig is the storage sub-block from §6.4.
type StorageConfig struct {
	DSN                     string        `json:"dsn"`
	MaxConnections          int           `json:"max_connections"`
	MinConnections          int           `json:"min_connections"`
	ConnectionTimeout       time.Duration `json:"connection_timeout"`
	StatementTimeoutGeneral time.Duration `json:"statement_timeout_general"`
	StatementTimeoutVector  time.Duration `json:"statement_timeout_vector"`
}

// HarvesterConfig is the harvester sub-block from §6.4.
type HarvesterConfig struct {
	MessageIntervalK    int64         `json:"message_interval_k"`
	TimeIntervalT       time.Duration `json:"time_interval_t"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
	Workers             int           `json:"workers"`
	QueueSize           int           `json:"queue_size"`
}

// EngineConfig is the full recognized-options shape of SPEC_FULL.md §6.4.
type EngineConfig struct {
	Weights                ScoreWeightsConfig         `json:"weights"`
	DecayLambda            float64                    `json:"decay_lambda"`
	Consolidation          ConsolidationConfig        `json:"consolidation"`
	WorkingCapacity        int                        `json:"working_capacity"`
	MigrationInterval      time.Duration              `json:"migration_interval"`
	MigrationBatchSize     int                        `json:"migration_batch_size"`
	PromotionStickiness    time.Duration              `json:"promotion_stickiness"`
	IngestConcurrency      int                        `json:"ingest_concurrency"`
	IngestBackpressureWait time.Duration              `json:"ingest_backpressure_wait"`
	TierThresholds         TierThresholdsConfig       `json:"tier_thresholds"`
	SimilarityDedupThreshold float64                  `json:"similarity_dedup_threshold"`
	DedupCohortSize        int                        `json:"dedup_cohort_size"`
	ImportanceThresholds   ImportanceThresholdsConfig `json:"importance_thresholds"`
	LLMScorerURL           string                     `json:"llm_scorer_url"`
	Embedding              EmbeddingConfig            `json:"embedding"`
	Storage                StorageConfig              `json:"storage"`
	Harvester              HarvesterConfig            `json:"harvester"`
	PurgeRetention         time.Duration              `json:"purge_retention"`
	MaxContentLength       int                        `json:"max_content_length"`
}

// Config is the top-level configuration, holding both ambient server
// concerns (auth, redis) and the engine's own recognized options.
type Config struct {
	Server struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		JWTSecret string `json:"jwt_secret"`
	} `json:"server"`
	Redis struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`
	Engine EngineConfig `json:"engine"`
}

var (
	once  sync.Once
	cfg   *Config
	cfgErr error
)

// LoadConfig reads a JSON config file once per process, applying the
// engine's zero-value defaults, grounded on internal/config/config.go's
// sync.Once-guarded LoadConfig/applyGrowerAIDefaults pattern.
func LoadConfig(path string) (*Config, error) {
	once.Do(func() {
		data, err := os.ReadFile(path)
		if err != nil {
			cfgErr = fmt.Errorf("read config: %w", err)
			return
		}
		var c Config
		if err := json.Unmarshal(data, &c); err != nil {
			cfgErr = fmt.Errorf("parse config: %w", err)
			return
		}
		if c.Server.JWTSecret == "" {
			cfgErr = errors.New("server.jwt_secret is required")
			return
		}
		applyEngineDefaults(&c.Engine)
		if err := validateEngineConfig(&c.Engine); err != nil {
			cfgErr = err
			return
		}
		cfg = &c
	})
	return cfg, cfgErr
}

func applyEngineDefaults(e *EngineConfig) {
	if e.Weights.Recency == 0 && e.Weights.Importance == 0 && e.Weights.Relevance == 0 {
		e.Weights = ScoreWeightsConfig{Recency: 0.3, Importance: 0.4, Relevance: 0.3}
	}
	if e.DecayLambda == 0 {
		e.DecayLambda = 0.005
	}
	if e.Consolidation.LearningRate == 0 {
		e.Consolidation.LearningRate = 0.3
	}
	if e.Consolidation.Spacing == 0 {
		e.Consolidation.Spacing = 1.5
	}
	if e.Consolidation.ClampMax == 0 {
		e.Consolidation.ClampMax = 15.0
	}
	if e.Consolidation.DifficultyFactor == 0 {
		e.Consolidation.DifficultyFactor = 1.2
	}
	if e.WorkingCapacity == 0 {
		e.WorkingCapacity = 9
	}
	if e.MigrationInterval == 0 {
		e.MigrationInterval = time.Hour
	}
	if e.MigrationBatchSize == 0 {
		e.MigrationBatchSize = 1000
	}
	if e.PromotionStickiness == 0 {
		e.PromotionStickiness = 2 * time.Hour
	}
	if e.IngestConcurrency == 0 {
		e.IngestConcurrency = 100
	}
	if e.IngestBackpressureWait == 0 {
		e.IngestBackpressureWait = 200 * time.Millisecond
	}
	if e.TierThresholds.Warm == 0 {
		e.TierThresholds.Warm = 0.7
	}
	if e.TierThresholds.Cold == 0 {
		e.TierThresholds.Cold = 0.5
	}
	if e.TierThresholds.Frozen == 0 {
		e.TierThresholds.Frozen = 0.2
	}
	if e.SimilarityDedupThreshold == 0 {
		e.SimilarityDedupThreshold = 0.85
	}
	if e.DedupCohortSize == 0 {
		e.DedupCohortSize = 1000
	}
	if e.ImportanceThresholds.TauLow == 0 {
		e.ImportanceThresholds.TauLow = 0.2
	}
	if e.ImportanceThresholds.TauHigh == 0 {
		e.ImportanceThresholds.TauHigh = 0.9
	}
	if e.Embedding.Model == "" {
		e.Embedding.Model = "text-embedding-ada-002"
	}
	if e.Embedding.Dimension == 0 {
		e.Embedding.Dimension = 1536
	}
	if e.Embedding.Timeout == 0 {
		e.Embedding.Timeout = 30 * time.Second
	}
	if e.Embedding.CacheSize == 0 {
		e.Embedding.CacheSize = 10000
	}
	if e.Embedding.Breaker.FailureThreshold == 0 {
		e.Embedding.Breaker.FailureThreshold = 10
	}
	if e.Embedding.Breaker.Cooldown == 0 {
		e.Embedding.Breaker.Cooldown = 30 * time.Second
	}
	if e.Storage.MaxConnections == 0 {
		e.Storage.MaxConnections = 100
	}
	if e.Storage.MinConnections == 0 {
		e.Storage.MinConnections = 5
	}
	if e.Storage.ConnectionTimeout == 0 {
		e.Storage.ConnectionTimeout = 5 * time.Second
	}
	if e.Storage.StatementTimeoutGeneral == 0 {
		e.Storage.StatementTimeoutGeneral = 30 * time.Second
	}
	if e.Storage.StatementTimeoutVector == 0 {
		e.Storage.StatementTimeoutVector = 300 * time.Second
	}
	if e.Harvester.MessageIntervalK == 0 {
		e.Harvester.MessageIntervalK = 10
	}
	if e.Harvester.TimeIntervalT == 0 {
		e.Harvester.TimeIntervalT = 300 * time.Second
	}
	if e.Harvester.ConfidenceThreshold == 0 {
		e.Harvester.ConfidenceThreshold = 0.5
	}
	if e.Harvester.Workers == 0 {
		e.Harvester.Workers = 3
	}
	if e.Harvester.QueueSize == 0 {
		e.Harvester.QueueSize = 1000
	}
	if e.PurgeRetention == 0 {
		e.PurgeRetention = 30 * 24 * time.Hour
	}
	if e.MaxContentLength == 0 {
		e.MaxContentLength = 32768
	}
}

// validateEngineConfig enforces the startup-fails-fast contract of §6.4:
// all numeric weights/thresholds validated, a single actionable error.
func validateEngineConfig(e *EngineConfig) error {
	sum := e.Weights.Recency + e.Weights.Importance + e.Weights.Relevance
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("engine.weights must sum to 1.0, got %.4f", sum)
	}
	if e.TierThresholds.Warm <= e.TierThresholds.Cold || e.TierThresholds.Cold <= e.TierThresholds.Frozen {
		return errors.New("engine.tier_thresholds must satisfy warm > cold > frozen")
	}
	if e.ImportanceThresholds.TauLow >= e.ImportanceThresholds.TauHigh {
		return errors.New("engine.importance_thresholds.tau_low must be less than tau_high")
	}
	if e.SimilarityDedupThreshold <= 0 || e.SimilarityDedupThreshold > 1 {
		return errors.New("engine.similarity_dedup_threshold must be in (0,1]")
	}
	return nil
}

// GetConfig returns the process-wide config loaded by LoadConfig.
func GetConfig() *Config { return cfg }

// ResetConfigForTest clears the sync.Once guard so tests can reload with a
// different config file.
func ResetConfigForTest() {
	once = sync.Once{}
	cfg = nil
	cfgErr = nil
}

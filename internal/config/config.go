package config

import (
	"time"

	"github.com/austenmoss/testforge/internal/platform/envutil"
)

// StageTimeouts bounds each pipeline stage. Validation's PerTest applies per
// test, capped by the stage-wide Validation value.
type StageTimeouts struct {
	Recon      time.Duration
	Generation time.Duration
	PerTest    time.Duration
	Validation time.Duration
	Optimize   time.Duration
}

type StageRetries struct {
	Recon      int
	Generation int
}

type Config struct {
	Port    string
	LogMode string

	DatabaseURL  string
	RedisAddr    string
	RedisChannel string

	WorkerConcurrency int

	LLMBaseURL   string
	LLMIAMURL    string
	LLMModel     string
	LLMKeyID     string
	LLMKeySecret string
	EmbedModel   string

	CacheTTL            time.Duration
	EmbeddingDim        int
	SimilarityThreshold float64
	ValidatorFanout     int

	StageTimeouts StageTimeouts
	StageRetries  StageRetries
	MaxRetries    int
}

func Load() Config {
	return Config{
		Port:    envutil.String("PORT", "8080"),
		LogMode: envutil.String("LOG_MODE", "dev"),

		DatabaseURL:  envutil.String("DATABASE_URL", ""),
		RedisAddr:    envutil.String("REDIS_ADDR", ""),
		RedisChannel: envutil.String("REDIS_CHANNEL", "testforge-events"),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),

		LLMBaseURL:   envutil.String("LLM_BASE_URL", ""),
		LLMIAMURL:    envutil.String("LLM_IAM_URL", ""),
		LLMModel:     envutil.String("LLM_MODEL", "gpt-4o-mini"),
		LLMKeyID:     envutil.String("LLM_KEY_ID", ""),
		LLMKeySecret: envutil.String("LLM_KEY_SECRET", ""),
		EmbedModel:   envutil.String("LLM_EMBED_MODEL", "text-embedding-3-small"),

		CacheTTL:            envutil.DurationSeconds("CACHE_TTL_S", time.Hour),
		EmbeddingDim:        envutil.Int("EMBEDDING_DIM", 384),
		SimilarityThreshold: envutil.Float("SIMILARITY_THRESHOLD", 0.85),
		ValidatorFanout:     envutil.Int("VALIDATOR_FANOUT", 8),

		StageTimeouts: StageTimeouts{
			Recon:      envutil.DurationSeconds("STAGE_TIMEOUT_RECON_S", 60*time.Second),
			Generation: envutil.DurationSeconds("STAGE_TIMEOUT_GEN_S", 120*time.Second),
			PerTest:    envutil.DurationSeconds("STAGE_TIMEOUT_VAL_PER_TEST_S", 30*time.Second),
			Validation: envutil.DurationSeconds("STAGE_TIMEOUT_VAL_S", 300*time.Second),
			Optimize:   envutil.DurationSeconds("STAGE_TIMEOUT_OPT_S", 60*time.Second),
		},
		StageRetries: StageRetries{
			Recon:      envutil.Int("MAX_RETRIES_RECON", 2),
			Generation: envutil.Int("MAX_RETRIES_GEN", 3),
		},
		MaxRetries: envutil.Int("MAX_RETRIES", 3),
	}
}

// Package config loads the orchestrator's environment-variable-driven
// tunables: an explicit struct plus os.Getenv with defaults, no
// configuration framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the orchestrator exposes. Zero-value Config
// is never valid; use Load.
type Config struct {
	// Transport selects which server transport cmd/mcp-server starts:
	// "stdio", or "http" (also accepted as "httpsse" or "websocket"), which
	// serves the JSON tool-call, SSE and WebSocket endpoints on one listener.
	Transport string
	// HTTPAddr is the listen address for httpsse/websocket transports.
	HTTPAddr string

	// WorkerConcurrency is the fixed worker pool size.
	WorkerConcurrency int
	// LeaseTTL is how long a claimed job's lease is valid before it is
	// reclaimable.
	LeaseTTL time.Duration
	// HeartbeatInterval is how often a running job's lease is renewed.
	HeartbeatInterval time.Duration
	// JobRetention is how long terminal jobs remain before ReapTerminal
	// removes them.
	JobRetention time.Duration
	// JobMaxAttempts bounds BumpRetry.
	JobMaxAttempts int
	// IdempotencyTTL bounds how long an idempotency key dedups submissions.
	IdempotencyTTL time.Duration

	// CacheBackend selects the Cache Layer's persistence: "inmem" (entries
	// persist through the Retrieval Store, Postgres or in-memory) or "redis"
	// (used only when RedisAddr is also set).
	CacheBackend string
	// CacheTTL is the default freshness window for cache entries.
	CacheTTL time.Duration
	// CacheMaxEntries bounds the in-process LRU.
	CacheMaxEntries int
	// CacheSimilarityThreshold is the minimum cosine similarity for a
	// semantic cache hit.
	CacheSimilarityThreshold float64

	// BM25K1 and BM25B parameterize the BM25 ranking function of
	// store/postgres; store/inmem ranks with rank.DefaultBM25Params.
	BM25K1 float64
	BM25B  float64
	// RetrievalWeightBM25 and RetrievalWeightVector are loaded from the
	// environment, but the search tool does not read them: it combines
	// normalized scores with fixed weights (0.7/0.3, or 0.3/0.7 when rerank
	// is set).
	RetrievalWeightBM25   float64
	RetrievalWeightVector float64

	// EmbeddingDimension is the fixed vector width every embedding
	// provider must produce.
	EmbeddingDimension int
	// EmbeddingProvider selects "local" (deterministic hash-based) or
	// "remote" (OpenAI's batched embeddings endpoint via go-openai, used
	// when OPENAI_API_KEY is set; otherwise the local provider is used).
	EmbeddingProvider string

	// LLMProvider selects "anthropic" or "openai" for the research
	// pipeline's plan/sub-research/synthesis calls.
	LLMProvider string
	// LLMModel is the model name passed to the selected provider.
	LLMModel string
	// LLMCallTimeout bounds a single provider call.
	LLMCallTimeout time.Duration
	// LLMRateLimitTPM and LLMRateLimitMaxTPM configure the adaptive
	// tokens-per-minute limiter in front of every provider call.
	LLMRateLimitTPM    float64
	LLMRateLimitMaxTPM float64

	// ResearchMaxSubQueries caps how many sub-queries the planner may
	// produce for one research job.
	ResearchMaxSubQueries int
	// ResearchParallelism bounds how many sub-research calls run at once.
	ResearchParallelism int
	// ResearchPartialFailureFloor is the minimum fraction of sub-queries
	// that must succeed for synthesis to proceed.
	ResearchPartialFailureFloor float64

	// PostgresDSN selects store/postgres when set; empty means use
	// store/inmem.
	PostgresDSN string
	// RedisAddr configures cache/redis when CacheBackend is "redis".
	RedisAddr string
}

// Load reads Config from the process environment, applying defaults
// wherever a variable is unset.
func Load() (Config, error) {
	c := Config{
		Transport:                   getString("MCP_TRANSPORT", "stdio"),
		HTTPAddr:                    getString("MCP_HTTP_ADDR", ":8080"),
		WorkerConcurrency:           0,
		LeaseTTL:                    0,
		HeartbeatInterval:           0,
		JobRetention:                0,
		JobMaxAttempts:              0,
		IdempotencyTTL:              0,
		CacheBackend:                getString("CACHE_BACKEND", "inmem"),
		CacheTTL:                    0,
		CacheMaxEntries:             0,
		CacheSimilarityThreshold:    0,
		BM25K1:                      0,
		BM25B:                       0,
		RetrievalWeightBM25:         0,
		RetrievalWeightVector:       0,
		EmbeddingDimension:          0,
		EmbeddingProvider:           getString("EMBEDDING_PROVIDER", "local"),
		LLMProvider:                 getString("LLM_PROVIDER", "anthropic"),
		LLMModel:                    getString("LLM_MODEL", "claude-sonnet-4-5"),
		LLMCallTimeout:              0,
		LLMRateLimitTPM:             0,
		LLMRateLimitMaxTPM:          0,
		ResearchMaxSubQueries:       0,
		ResearchPartialFailureFloor: 0,
		PostgresDSN:                 getString("POSTGRES_DSN", ""),
		RedisAddr:                   getString("REDIS_ADDR", ""),
	}

	var err error
	if c.WorkerConcurrency, err = getInt("JOB_WORKER_CONCURRENCY", 8); err != nil {
		return Config{}, err
	}
	if c.LeaseTTL, err = getDuration("JOB_LEASE_TTL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if c.HeartbeatInterval, err = getDuration("JOB_HEARTBEAT_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}
	if c.JobRetention, err = getDuration("JOB_RETENTION", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if c.JobMaxAttempts, err = getInt("JOB_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if c.IdempotencyTTL, err = getDuration("JOB_IDEMPOTENCY_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if c.CacheTTL, err = getDuration("CACHE_TTL", 6*time.Hour); err != nil {
		return Config{}, err
	}
	if c.CacheMaxEntries, err = getInt("CACHE_MAX_ENTRIES", 10000); err != nil {
		return Config{}, err
	}
	if c.CacheSimilarityThreshold, err = getFloat("CACHE_SIMILARITY_THRESHOLD", 0.95); err != nil {
		return Config{}, err
	}
	if c.BM25K1, err = getFloat("BM25_K1", 1.2); err != nil {
		return Config{}, err
	}
	if c.BM25B, err = getFloat("BM25_B", 0.75); err != nil {
		return Config{}, err
	}
	if c.RetrievalWeightBM25, err = getFloat("RETRIEVAL_WEIGHT_BM25", 0.7); err != nil {
		return Config{}, err
	}
	if c.RetrievalWeightVector, err = getFloat("RETRIEVAL_WEIGHT_VECTOR", 0.3); err != nil {
		return Config{}, err
	}
	if c.EmbeddingDimension, err = getInt("EMBEDDING_DIMENSION", 384); err != nil {
		return Config{}, err
	}
	if c.LLMCallTimeout, err = getDuration("LLM_CALL_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if c.LLMRateLimitTPM, err = getFloat("LLM_RATE_LIMIT_TPM", 60000); err != nil {
		return Config{}, err
	}
	if c.LLMRateLimitMaxTPM, err = getFloat("LLM_RATE_LIMIT_MAX_TPM", 120000); err != nil {
		return Config{}, err
	}
	if c.ResearchMaxSubQueries, err = getInt("RESEARCH_MAX_SUBQUERIES", 5); err != nil {
		return Config{}, err
	}
	if c.ResearchParallelism, err = getInt("RESEARCH_PARALLELISM", 4); err != nil {
		return Config{}, err
	}
	if c.ResearchPartialFailureFloor, err = getFloat("RESEARCH_PARTIAL_FAILURE_FLOOR", 0.5); err != nil {
		return Config{}, err
	}

	if c.WorkerConcurrency < 1 {
		return Config{}, fmt.Errorf("config: JOB_WORKER_CONCURRENCY must be >= 1")
	}
	if c.EmbeddingDimension < 1 {
		return Config{}, fmt.Errorf("config: EMBEDDING_DIMENSION must be >= 1")
	}
	return c, nil
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return n, nil
}

func getFloat(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return f, nil
}

func getDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	return d, nil
}

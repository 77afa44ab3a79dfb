// Command mcp-server runs the research orchestration MCP server: it wires
// the retrieval store, cache, event bus, worker pool, and research pipeline
// together and serves tool calls over the transport selected by
// MCP_TRANSPORT (stdio by default, or http for the JSON/SSE/WebSocket
// surface).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	goredis "github.com/redis/go-redis/v9"

	"github.com/researchmcp/orchestrator/cache"
	cacheredis "github.com/researchmcp/orchestrator/cache/redis"
	"github.com/researchmcp/orchestrator/dispatch"
	"github.com/researchmcp/orchestrator/dispatch/schema"
	"github.com/researchmcp/orchestrator/embedding"
	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/ingest"
	"github.com/researchmcp/orchestrator/internal/config"
	"github.com/researchmcp/orchestrator/internal/telemetry"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/provider"
	"github.com/researchmcp/orchestrator/provider/anthropic"
	"github.com/researchmcp/orchestrator/provider/middleware"
	"github.com/researchmcp/orchestrator/provider/openai"
	"github.com/researchmcp/orchestrator/research"
	"github.com/researchmcp/orchestrator/store"
	"github.com/researchmcp/orchestrator/store/inmem"
	"github.com/researchmcp/orchestrator/store/postgres"
	"github.com/researchmcp/orchestrator/store/rank"
	"github.com/researchmcp/orchestrator/transport"
	"github.com/researchmcp/orchestrator/transport/httpapi"
	"github.com/researchmcp/orchestrator/transport/stdio"
	"github.com/researchmcp/orchestrator/transport/ws"
	"github.com/researchmcp/orchestrator/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdio transport owns stdout for JSON-RPC; logs must go to stderr
	// either way.
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zlog, err := zcfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = zlog.Sync() }()
	logger := telemetry.NewZapLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retrieval, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer retrieval.Close()

	embedder := buildEmbedder(cfg)
	llm, err := buildLLM(cfg)
	if err != nil {
		return err
	}

	cacheBackend, err := buildCacheBackend(cfg, retrieval)
	if err != nil {
		return err
	}
	resultCache, err := cache.New(cacheBackend, logger, cfg.CacheMaxEntries, cfg.CacheSimilarityThreshold, cfg.CacheTTL)
	if err != nil {
		return err
	}

	bus := eventbus.New(retrieval, logger)
	dispatcher := dispatch.New(retrieval, schema.DefaultRegistry(), dispatch.DefaultFingerprintLength, cfg.JobMaxAttempts)

	pipeline := &research.Pipeline{
		LLM:                 llm,
		Embedder:            embedder,
		Retrieval:           retrieval,
		Cache:               resultCache,
		MaxSubQueries:       cfg.ResearchMaxSubQueries,
		Parallelism:         cfg.ResearchParallelism,
		PartialFailureFloor: cfg.ResearchPartialFailureFloor,
		CallTimeout:         cfg.LLMCallTimeout,
		FingerprintFn: func(p research.Params) string {
			return dispatch.Fingerprint(p, dispatch.DefaultFingerprintLength)
		},
	}
	indexer := &ingest.Handler{Embedder: embedder, Retrieval: retrieval}

	pool := worker.New(retrieval, bus, logger, cfg.WorkerConcurrency, cfg.LeaseTTL, cfg.HeartbeatInterval)
	pool.MaxAttempts = cfg.JobMaxAttempts
	pool.RegisterHandler(jobs.KindResearch, pipeline)
	pool.RegisterHandler(jobs.KindFollowup, pipeline)
	pool.RegisterHandler(jobs.KindIndex, indexer)
	pool.RegisterHandler(jobs.KindIngest, indexer)

	go pool.Run(ctx)
	reaper := &worker.Reaper{Store: retrieval, Logger: logger, Retention: cfg.JobRetention, Interval: 5 * time.Minute}
	go reaper.Run(ctx)

	router := transport.NewRouter(dispatcher, retrieval, embedder, bus, logger)

	switch cfg.Transport {
	case "stdio":
		logger.Info(ctx, "serving stdio JSON-RPC")
		if err := stdio.New(router, logger, os.Stdin, os.Stdout).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case "http", "httpsse", "websocket":
		mux := httpapi.New(router, logger).Mux()
		mux.Handle("GET /ws", ws.New(router, logger))
		srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info(ctx, "serving http", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (store.RetrievalStore, error) {
	if cfg.PostgresDSN == "" {
		return inmem.New(cfg.IdempotencyTTL), nil
	}
	return postgres.New(ctx, cfg.PostgresDSN,
		postgres.WithBM25Params(rank.BM25Params{K1: cfg.BM25K1, B: cfg.BM25B}),
		postgres.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)
}

func buildEmbedder(cfg config.Config) embedding.Provider {
	if cfg.EmbeddingProvider == "remote" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			remote, err := embedding.NewRemoteFromAPIKey(key, sdk.SmallEmbedding3, cfg.EmbeddingDimension)
			if err == nil {
				return remote
			}
		}
	}
	return embedding.NewLocal(cfg.EmbeddingDimension)
}

func buildLLM(cfg config.Config) (provider.Client, error) {
	var (
		client provider.Client
		err    error
	)
	switch cfg.LLMProvider {
	case "openai":
		client, err = openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.LLMModel, 4096, 0.7)
	default:
		client, err = anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.LLMModel, 4096, 0.7)
	}
	if err != nil {
		return nil, err
	}
	limiter := middleware.NewAdaptiveRateLimiter(cfg.LLMRateLimitTPM, cfg.LLMRateLimitMaxTPM)
	return limiter.Middleware()(client), nil
}

func buildCacheBackend(cfg config.Config, retrieval store.RetrievalStore) (cache.Backend, error) {
	if cfg.CacheBackend == "redis" && cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		return cacheredis.New(rdb, "orchestrator"), nil
	}
	return retrieval, nil
}

package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai/provider"
	jobmemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/jobstore/memory"
	jobredis "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/jobstore/redis"
	repomemory "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/service/grading"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

// Stores bundles the persistence ports selected by config.
type Stores struct {
	Documents domain.MaterialRepository
	Jobs      domain.JobStore
	Results   domain.ResultRepository
	// Pool is set when MATERIAL_STORE=postgres.
	Pool *pgxpool.Pool
	// Redis is set when JOB_STORE=redis.
	Redis    *redis.Client
	Backends Backends
	closers  []func()
}

// Close releases every connection opened by OpenStores.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// OpenStores connects the configured job and document backends. Postgres
// schemas are migrated on open.
func OpenStores(ctx context.Context, cfg config.Config) (*Stores, error) {
	s := &Stores{}
	switch cfg.MaterialStoreBackend {
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DBURL, cfg.DBMaxConns)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenStores: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			s.Close()
			return nil, fmt.Errorf("op=app.OpenStores: %w", err)
		}
		s.Pool = pool
		s.Documents = postgres.NewDocumentRepo(pool)
		s.Results = postgres.NewResultRepo(pool)
		s.Backends.DB = pool
	default:
		s.Documents = repomemory.NewDocuments()
		s.Results = repomemory.NewResults()
	}

	switch cfg.JobStoreBackend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("op=app.OpenStores: redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		store := jobredis.New(rdb, cfg.RedisJobTTL)
		if err := store.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("op=app.OpenStores: redis: %w", err)
		}
		s.Jobs = store
		s.Redis = rdb
		s.Backends.Redis = store
	default:
		s.Jobs = jobmemory.New()
	}
	slog.Info("stores ready",
		slog.String("job_store", cfg.JobStoreBackend),
		slog.String("material_store", cfg.MaterialStoreBackend))
	return s, nil
}

// Pipeline is the grading stack shared by the server, the worker and the
// CLI.
type Pipeline struct {
	Chain    *ai.Chain
	Analyzer *grading.Analyzer
	Engine   *grading.Engine
}

// BuildPipeline constructs providers in configured order and the analyzer
// and engine on top of their fallback chain.
func BuildPipeline(ctx context.Context, cfg config.Config) (*Pipeline, error) {
	providers, err := provider.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fallback, err := config.LoadDefaultSchema(cfg.DefaultSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("op=app.BuildPipeline: %w", err)
	}
	return NewPipeline(cfg, providers, fallback), nil
}

// NewPipeline wires an already built provider list.
func NewPipeline(cfg config.Config, providers []domain.Provider, fallback domain.GradingSchema) *Pipeline {
	chain := ai.NewChain(providers, cfg.AIProviderTimeout)
	params := domain.DecodingParams{
		Temperature:     cfg.AITemperature,
		TopP:            cfg.AITopP,
		TopK:            cfg.AITopK,
		MaxOutputTokens: cfg.AIMaxOutputTokens,
	}
	slog.Info("grading pipeline ready", slog.Any("providers", chain.ProviderNames()))
	return &Pipeline{
		Chain: chain,
		Analyzer: grading.NewAnalyzer(chain, grading.AnalyzerOptions{
			Params:           params,
			CacheSize:        cfg.SchemaCacheSize,
			Fallback:         fallback,
			DefaultThreshold: cfg.DefaultPassThreshold,
		}),
		Engine: grading.NewEngine(chain, grading.EngineOptions{
			Params:              params,
			MaxSubmissionTokens: cfg.MaxSubmissionTokens,
		}),
	}
}

// LimitProviders puts the chain on the shared AI_PROVIDER_RPM budget. It
// is a no-op without a Redis job store or without any budget.
func (p *Pipeline) LimitProviders(cfg config.Config, s *Stores) {
	buckets := ratelimiter.FromPerMinute(cfg.AIProviderRPM)
	if len(buckets) == 0 {
		return
	}
	if s.Redis == nil {
		slog.Warn("AI_PROVIDER_RPM ignored without JOB_STORE=redis")
		return
	}
	p.Chain.SetLimiter(ratelimiter.NewRedisLuaLimiter(s.Redis, buckets))
	slog.Info("provider request budgets enabled", slog.Any("rpm", cfg.AIProviderRPM))
}

// NewRunner builds the job runner over the given stores.
func (p *Pipeline) NewRunner(cfg config.Config, s *Stores) *usecase.Runner {
	return usecase.NewRunner(s.Documents, s.Jobs, p.Analyzer, p.Engine, usecase.RunnerOptions{
		Results:     s.Results,
		Concurrency: cfg.GradingConcurrency,
		Poll:        cfg.GetExtractionPollConfig(),
	})
}

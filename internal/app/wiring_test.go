package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/ai"
	jobredis "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/jobstore/redis"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/usecase"
)

type staticProvider struct{ answer string }

func (staticProvider) Name() string { return "static" }

func (p staticProvider) Generate(context.Context, domain.GenerateRequest) (string, error) {
	return p.answer, nil
}

func TestOpenStores_Memory(t *testing.T) {
	s, err := OpenStores(context.Background(), config.Config{
		JobStoreBackend: config.BackendMemory, MaterialStoreBackend: config.BackendMemory,
	})
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s.Documents)
	assert.NotNil(t, s.Jobs)
	assert.NotNil(t, s.Results)
	assert.Nil(t, s.Pool)
	assert.Nil(t, s.Backends.Redis)
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := OpenStores(context.Background(), config.Config{
		JobStoreBackend: config.BackendRedis, MaterialStoreBackend: config.BackendMemory,
		RedisURL: "redis://" + mr.Addr() + "/0", RedisJobTTL: time.Hour,
	})
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &jobredis.Store{}, s.Jobs)
	require.NotNil(t, s.Backends.Redis)
	assert.NoError(t, s.Backends.Redis.Ping(context.Background()))
}

func TestOpenStores_BadRedisURL(t *testing.T) {
	_, err := OpenStores(context.Background(), config.Config{JobStoreBackend: config.BackendRedis, RedisURL: "://nope"})
	assert.Error(t, err)
}

func TestPipeline_RunsJobInProcess(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{AppEnv: "test", GradingConcurrency: 2, DefaultPassThreshold: 50, SchemaCacheSize: 8}
	stores, err := OpenStores(ctx, cfg)
	require.NoError(t, err)
	defer stores.Close()

	fallback, err := config.LoadDefaultSchema("")
	require.NoError(t, err)
	// Every answer is unusable, so the job completes on fallbacks.
	p := NewPipeline(cfg, []domain.Provider{staticProvider{answer: "no json here"}}, fallback)
	assert.Equal(t, []string{"static"}, p.Chain.ProviderNames())

	d := usecase.NewInProcessDispatcher(ctx, p.NewRunner(cfg, stores))
	svc := usecase.NewGradingService(stores.Documents, stores.Jobs, d, stores.Results)
	text := "Explain photosynthesis."
	ref, err := svc.RegisterMaterial(ctx, usecase.DocumentInput{Name: "brief.txt", Text: &text})
	require.NoError(t, err)
	essay := "Plants turn light into sugar."
	sub, err := svc.RegisterSubmission(ctx, usecase.DocumentInput{Name: "a.txt", Text: &essay})
	require.NoError(t, err)

	id, err := svc.Submit(ctx, usecase.SubmitRequest{ReferenceIDs: []string{ref}, SubmissionIDs: []string{sub}})
	require.NoError(t, err)
	d.Close()

	job, err := svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, job.Status)
	results, err := svc.Results(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Degraded)
}

func TestPipeline_LimitProviders(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		JobStoreBackend: config.BackendRedis, MaterialStoreBackend: config.BackendMemory,
		RedisURL: "redis://" + mr.Addr() + "/0", RedisJobTTL: time.Hour,
		AIProviderRPM: map[string]int{"static": 1},
	}
	stores, err := OpenStores(ctx, cfg)
	require.NoError(t, err)
	defer stores.Close()
	require.NotNil(t, stores.Redis)

	p := NewPipeline(cfg, []domain.Provider{staticProvider{answer: `{}`}}, domain.GradingSchema{})
	p.LimitProviders(cfg, stores)

	accept := func(raw string) (map[string]any, error) { return ai.ExtractObject(raw) }
	_, err = ai.Run(ctx, p.Chain, "grade", domain.GenerateRequest{}, accept)
	require.NoError(t, err)
	_, err = ai.Run(ctx, p.Chain, "grade", domain.GenerateRequest{}, accept)
	assert.ErrorIs(t, err, domain.ErrUpstreamRateLimit)
}

func TestPipeline_LimitProvidersNeedsRedis(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{AIProviderRPM: map[string]int{"static": 1}}
	stores, err := OpenStores(ctx, cfg)
	require.NoError(t, err)
	defer stores.Close()

	p := NewPipeline(cfg, []domain.Provider{staticProvider{answer: `{}`}}, domain.GradingSchema{})
	p.LimitProviders(cfg, stores)
	accept := func(raw string) (map[string]any, error) { return ai.ExtractObject(raw) }
	for i := 0; i < 3; i++ {
		_, err = ai.Run(ctx, p.Chain, "grade", domain.GenerateRequest{}, accept)
		require.NoError(t, err)
	}
}

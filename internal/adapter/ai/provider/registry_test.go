package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

func TestBuild_OrderAndSkips(t *testing.T) {
	cfg := config.Config{
		AppEnv:           "test",
		AIProviderOrder:  []string{"groq", " OpenRouter ", "anthropic", "groq", "ollama"},
		GroqAPIKey:       "g",
		OpenRouterAPIKey: "o",
		OllamaServerURL:  "http://localhost:11434",
		OllamaModel:      "llama3.1",
	}
	ps, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{NameGroq, NameOpenRouter, NameOllama}, names)
}

func TestBuild_NothingConfigured(t *testing.T) {
	_, err := Build(context.Background(), config.Config{AIProviderOrder: []string{"groq", "openai"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBuild_UnknownProvider(t *testing.T) {
	_, err := Build(context.Background(), config.Config{AIProviderOrder: []string{"gemini"}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

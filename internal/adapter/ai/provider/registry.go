package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// Provider names accepted in AI_PROVIDER_ORDER.
const (
	NameOpenRouter = "openrouter"
	NameGroq       = "groq"
	NameOpenAI     = "openai"
	NameAnthropic  = "anthropic"
	NameOllama     = "ollama"
	NameBedrock    = "bedrock"
)

// Build constructs the configured providers in AI_PROVIDER_ORDER. Providers
// without credentials are skipped; credential values are never logged.
func Build(ctx context.Context, cfg config.Config) ([]domain.Provider, error) {
	maxElapsed, initial, maxInterval, mult := cfg.GetAIBackoffConfig()
	retry := BackoffConfig{
		MaxElapsedTime:  maxElapsed,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
		Multiplier:      mult,
	}

	var out []domain.Provider
	for _, name := range cfg.ProviderOrder() {
		p, err := buildOne(ctx, cfg, name, retry)
		if err != nil {
			return nil, err
		}
		if p == nil {
			slog.Info("ai provider not configured, skipping", slog.String("provider", name), slog.Bool("has_api_key", false))
			continue
		}
		slog.Info("ai provider enabled", slog.String("provider", name), slog.Bool("has_api_key", true))
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=provider.Build: %w: no AI provider has credentials", domain.ErrInvalidArgument)
	}
	return out, nil
}

func buildOne(ctx context.Context, cfg config.Config, name string, retry BackoffConfig) (domain.Provider, error) {
	switch name {
	case NameOpenRouter:
		if cfg.OpenRouterAPIKey == "" {
			return nil, nil
		}
		return NewOpenAICompat(OpenAICompatConfig{
			Name:    NameOpenRouter,
			BaseURL: cfg.OpenRouterBaseURL,
			APIKey:  cfg.OpenRouterAPIKey,
			Model:   cfg.OpenRouterModel,
			Headers: map[string]string{
				"HTTP-Referer": cfg.OpenRouterReferer,
				"X-Title":      cfg.OpenRouterTitle,
			},
			SupportsJSONMode: true,
			Backoff:          retry,
		}), nil
	case NameGroq:
		if cfg.GroqAPIKey == "" {
			return nil, nil
		}
		return NewOpenAICompat(OpenAICompatConfig{
			Name:             NameGroq,
			BaseURL:          cfg.GroqBaseURL,
			APIKey:           cfg.GroqAPIKey,
			Model:            cfg.GroqModel,
			SupportsJSONMode: true,
			Backoff:          retry,
		}), nil
	case NameOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, nil
		}
		llm, err := openai.New(openai.WithToken(cfg.OpenAIAPIKey), openai.WithModel(cfg.OpenAIModel))
		if err != nil {
			return nil, fmt.Errorf("op=provider.Build: create openai model: %w", err)
		}
		return NewLangChain(NameOpenAI, cfg.OpenAIModel, llm, false), nil
	case NameAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, nil
		}
		llm, err := anthropic.New(anthropic.WithToken(cfg.AnthropicAPIKey), anthropic.WithModel(cfg.AnthropicModel))
		if err != nil {
			return nil, fmt.Errorf("op=provider.Build: create anthropic model: %w", err)
		}
		return NewLangChain(NameAnthropic, cfg.AnthropicModel, llm, true), nil
	case NameOllama:
		if cfg.OllamaServerURL == "" {
			return nil, nil
		}
		llm, err := ollama.New(ollama.WithModel(cfg.OllamaModel), ollama.WithServerURL(cfg.OllamaServerURL))
		if err != nil {
			return nil, fmt.Errorf("op=provider.Build: create ollama model: %w", err)
		}
		return NewLangChain(NameOllama, cfg.OllamaModel, llm, true), nil
	case NameBedrock:
		if cfg.BedrockRegion == "" {
			return nil, nil
		}
		return NewBedrockFromRegion(ctx, cfg.BedrockRegion, cfg.BedrockModelID)
	}
	return nil, fmt.Errorf("op=provider.Build: %w: unknown provider %q", domain.ErrInvalidArgument, name)
}

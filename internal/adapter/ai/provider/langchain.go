package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// LangChain adapts any langchaingo llms.Model (Anthropic, OpenAI, Ollama).
type LangChain struct {
	name  string
	model string
	llm   llms.Model
	// topK is only forwarded to backends that accept it.
	topK bool
}

// NewLangChain wraps llm under name.
func NewLangChain(name, model string, llm llms.Model, supportsTopK bool) *LangChain {
	return &LangChain{name: name, model: model, llm: llm, topK: supportsTopK}
}

// Name implements domain.Provider.
func (p *LangChain) Name() string { return p.name }

func (p *LangChain) callOptions(req domain.GenerateRequest) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(req.Params.Temperature)}
	if req.Params.TopP > 0 {
		opts = append(opts, llms.WithTopP(req.Params.TopP))
	}
	if req.Params.TopK > 0 && p.topK {
		opts = append(opts, llms.WithTopK(req.Params.TopK))
	}
	if req.Params.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.Params.MaxOutputTokens))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

// Generate implements domain.Provider.
func (p *LangChain) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	var messages []llms.MessageContent
	if req.SystemInstruction != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemInstruction))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	resp, err := p.llm.GenerateContent(ctx, messages, p.callOptions(req)...)
	if err != nil {
		return "", classifyLangChainError(ctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", fmt.Errorf("%w: no choices", domain.ErrEmptyResponse)
	}
	choice := resp.Choices[0]
	switch strings.ToLower(choice.StopReason) {
	case "content_filter", "refusal", "safety":
		return "", fmt.Errorf("%w: stop_reason=%s", domain.ErrContentBlocked, choice.StopReason)
	}
	if strings.TrimSpace(choice.Content) == "" {
		return "", domain.ErrEmptyResponse
	}
	return choice.Content, nil
}

// classifyLangChainError maps the SDK's textual errors onto the taxonomy;
// langchaingo does not expose typed status errors for every backend.
func classifyLangChainError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return fmt.Errorf("%w: %w", domain.ErrUpstreamRateLimit, err)
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "unauthorized"):
		return fmt.Errorf("%w: %w", domain.ErrProviderAuth, err)
	case strings.Contains(msg, "content policy") || strings.Contains(msg, "content_filter") || strings.Contains(msg, "safety"):
		return fmt.Errorf("%w: %w", domain.ErrContentBlocked, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
}

package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

type fakeLLM struct {
	resp     *llms.ContentResponse
	err      error
	messages []llms.MessageContent
	opts     llms.CallOptions
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	return f.resp, f.err
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func reply(content, stop string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content, StopReason: stop}}}
}

func TestLangChain_Generate(t *testing.T) {
	llm := &fakeLLM{resp: reply(`{"score": 8}`, "end_turn")}
	p := NewLangChain(NameAnthropic, "claude", llm, true)

	out, err := p.Generate(context.Background(), domain.GenerateRequest{
		Prompt: "grade this", SystemInstruction: "you are a grader", JSONMode: true,
		Params: domain.DecodingParams{Temperature: 0.3, TopP: 0.9, TopK: 20, MaxOutputTokens: 512},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 8}`, out)
	assert.Equal(t, NameAnthropic, p.Name())

	require.Len(t, llm.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, llm.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, llm.messages[1].Role)
	assert.InDelta(t, 0.3, llm.opts.Temperature, 1e-9)
	assert.InDelta(t, 0.9, llm.opts.TopP, 1e-9)
	assert.Equal(t, 20, llm.opts.TopK)
	assert.Equal(t, 512, llm.opts.MaxTokens)
	assert.True(t, llm.opts.JSONMode)
}

func TestLangChain_TopKOnlyWhenSupported(t *testing.T) {
	llm := &fakeLLM{resp: reply("ok", "")}
	p := NewLangChain(NameOpenAI, "gpt", llm, false)
	_, err := p.Generate(context.Background(), domain.GenerateRequest{Prompt: "x", Params: domain.DecodingParams{TopK: 20}})
	require.NoError(t, err)
	assert.Zero(t, llm.opts.TopK)
	require.Len(t, llm.messages, 1)
}

func TestLangChain_Failures(t *testing.T) {
	tests := []struct {
		name string
		llm  *fakeLLM
		want error
	}{
		{"no choices", &fakeLLM{resp: &llms.ContentResponse{}}, domain.ErrEmptyResponse},
		{"blank", &fakeLLM{resp: reply("   ", "stop")}, domain.ErrEmptyResponse},
		{"filtered", &fakeLLM{resp: reply("", "content_filter")}, domain.ErrContentBlocked},
		{"rate limit", &fakeLLM{err: errors.New("API returned unexpected status code: 429: rate limit reached")}, domain.ErrUpstreamRateLimit},
		{"auth", &fakeLLM{err: errors.New("status code: 401 invalid api key")}, domain.ErrProviderAuth},
		{"other", &fakeLLM{err: errors.New("connection reset by peer")}, domain.ErrProviderUnavailable},
		{"deadline", &fakeLLM{err: context.DeadlineExceeded}, domain.ErrUpstreamTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLangChain(NameOllama, "llama", tt.llm, true).Generate(context.Background(), domain.GenerateRequest{Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

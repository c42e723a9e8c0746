// Package provider implements domain.Provider for each supported language
// model backend.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
)

// BackoffConfig bounds in-provider retries of transient failures.
type BackoffConfig struct {
	MaxElapsedTime  time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

func (b BackoffConfig) build() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = b.MaxElapsedTime
	expo.InitialInterval = b.InitialInterval
	expo.MaxInterval = b.MaxInterval
	expo.Multiplier = b.Multiplier
	expo.Reset()
	return expo
}

// OpenAICompatConfig describes an OpenAI-compatible chat completions
// endpoint such as OpenRouter or Groq.
type OpenAICompatConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
	// Headers are extra request headers (OpenRouter attribution).
	Headers map[string]string
	// SupportsJSONMode sends response_format json_object when requested.
	SupportsJSONMode bool
	Backoff          BackoffConfig
}

// OpenAICompat talks to /chat/completions over plain HTTP.
type OpenAICompat struct {
	cfg OpenAICompatConfig
	hc  *http.Client
}

// NewOpenAICompat builds the provider with an otelhttp-instrumented client.
// Per-call deadlines come from the caller's context.
func NewOpenAICompat(cfg OpenAICompatConfig) *OpenAICompat {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return cfg.Name + " " + r.Method + " " + r.URL.Path
		}),
	)
	return &OpenAICompat{cfg: cfg, hc: &http.Client{Transport: transport}}
}

// Name implements domain.Provider.
func (p *OpenAICompat) Name() string { return p.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	TopP           *float64          `json:"top_p,omitempty"`
	TopK           *int              `json:"top_k,omitempty"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// buildChatRequest maps decoding params onto chat completions names. Groq
// rejects top_k, so it is only sent to OpenRouter.
func (p *OpenAICompat) buildChatRequest(req domain.GenerateRequest) chatRequest {
	body := chatRequest{Model: p.cfg.Model, MaxTokens: req.Params.MaxOutputTokens}
	if req.SystemInstruction != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemInstruction})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	temp := req.Params.Temperature
	body.Temperature = &temp
	if req.Params.TopP > 0 {
		topP := req.Params.TopP
		body.TopP = &topP
	}
	if req.Params.TopK > 0 && p.cfg.Name == NameOpenRouter {
		topK := req.Params.TopK
		body.TopK = &topK
	}
	if req.JSONMode && p.cfg.SupportsJSONMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	return body
}

// Generate implements domain.Provider.
func (p *OpenAICompat) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	lg := obsctx.LoggerFromContext(ctx).With(slog.String("provider", p.cfg.Name), slog.String("model", p.cfg.Model))
	if p.cfg.APIKey == "" {
		lg.Error("provider API key missing", slog.Bool("has_api_key", false))
		return "", fmt.Errorf("%w: missing API key", domain.ErrProviderAuth)
	}

	b, err := json.Marshal(p.buildChatRequest(req))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"

	var out chatResponse
	op := func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		r.Header.Set("Content-Type", "application/json")
		for k, v := range p.cfg.Headers {
			if v != "" {
				r.Header.Set(k, v)
			}
		}
		resp, err := p.hc.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, ctx.Err()))
			}
			return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", domain.ErrProviderUnavailable, err)
		}
		if err := classifyStatus(resp.StatusCode, body); err != nil {
			lg.Warn("ai provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet(body, 512)))
			return err
		}
		out = chatResponse{}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode envelope: %v", domain.ErrProviderUnavailable, err))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(p.cfg.Backoff.build(), ctx)); err != nil {
		if !domain.IsProviderError(err) && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, ctx.Err())
		}
		return "", err
	}
	return p.contentFrom(out)
}

func (p *OpenAICompat) contentFrom(out chatResponse) (string, error) {
	if out.Error != nil && len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", domain.ErrEmptyResponse)
	}
	choice := out.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", fmt.Errorf("%w: finish_reason=content_filter", domain.ErrContentBlocked)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", domain.ErrEmptyResponse
	}
	return choice.Message.Content, nil
}

// classifyStatus maps HTTP status to the provider error taxonomy. Rate
// limits and auth failures are permanent here so the chain moves on.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("%w: status 429", domain.ErrUpstreamRateLimit))
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusPaymentRequired:
		return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrProviderAuth, status))
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrUpstreamTimeout, status)
	case status >= 400 && status < 500:
		if bytes.Contains(bytes.ToLower(body), []byte("content")) && bytes.Contains(bytes.ToLower(body), []byte("polic")) {
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrContentBlocked, status))
		}
		return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, status))
	}
	return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, status)
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

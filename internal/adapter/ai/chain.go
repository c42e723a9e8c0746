package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
)

// Chain tries providers in priority order until one yields an accepted
// response. It is shared by rubric analysis and grading.
type Chain struct {
	providers []domain.Provider
	breakers  *CircuitBreakerManager
	timeout   time.Duration
	limiter   Limiter
}

// Limiter meters provider calls by provider name. A denied provider is
// skipped like a throttled one.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int64) (bool, time.Duration, error)
}

// NewChain builds a chain over providers. timeout bounds every single
// provider call; zero means only the caller's context applies.
func NewChain(providers []domain.Provider, timeout time.Duration) *Chain {
	return &Chain{providers: providers, breakers: NewCircuitBreakerManager(), timeout: timeout}
}

// SetLimiter installs a shared request budget. Call before first use.
func (c *Chain) SetLimiter(l Limiter) { c.limiter = l }

// ProviderNames lists the chain in priority order.
func (c *Chain) ProviderNames() []string {
	out := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.Name())
	}
	return out
}

// Breakers exposes per-provider circuit state for readiness reporting.
func (c *Chain) Breakers() *CircuitBreakerManager { return c.breakers }

// Accept turns a raw response into a value or rejects it. A rejection moves
// the chain on to the next provider.
type Accept[T any] func(raw string) (T, error)

// Outcome is the accepted value and where it came from.
type Outcome[T any] struct {
	Value    T
	Provider string
	Attempts int
}

// Run executes req against each provider in order. It returns the first
// accepted value, or an error wrapping domain.ErrAllProvidersFailed that
// joins every provider's failure.
func Run[T any](ctx context.Context, c *Chain, op string, req domain.GenerateRequest, accept Accept[T]) (Outcome[T], error) {
	var zero Outcome[T]
	lg := obsctx.LoggerFromContext(ctx)
	tracer := otel.Tracer("ai.chain")
	ctx, span := tracer.Start(ctx, "ai.Run")
	defer span.End()
	span.SetAttributes(attribute.String("ai.operation", op))

	var errs []error
	attempts := 0
	for _, p := range c.providers {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), ctx.Err()))
			break
		}
		name := p.Name()
		breaker := c.breakers.GetBreaker(name)
		if !breaker.ShouldAttempt() {
			lg.Debug("skipping provider with open circuit", slog.String("provider", name), slog.String("operation", op))
			errs = append(errs, fmt.Errorf("%s: circuit open: %w", name, domain.ErrProviderUnavailable))
			continue
		}

		if err := c.reserve(ctx, name); err != nil {
			observability.RecordAIFailure(name, FailureReason(err))
			lg.Debug("skipping provider over its request budget", slog.String("provider", name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}

		attempts++
		raw, err := c.call(ctx, p, op, req)
		if err == nil {
			var v T
			v, err = accept(raw)
			if err != nil && !errors.Is(err, domain.ErrEmptyResponse) {
				if r := DetectRefusal(raw); r.IsRefusal {
					err = fmt.Errorf("%w (%s refusal): %w", domain.ErrContentBlocked, r.RefusalType, err)
				}
			}
			if err == nil {
				breaker.RecordSuccess()
				span.SetAttributes(attribute.String("ai.provider", name), attribute.Int("ai.attempts", attempts))
				lg.Info("provider response accepted",
					slog.String("provider", name),
					slog.String("operation", op),
					slog.Int("attempts", attempts))
				return Outcome[T]{Value: v, Provider: name, Attempts: attempts}, nil
			}
		}

		breaker.RecordFailure(err)
		reason := FailureReason(err)
		observability.RecordAIFailure(name, reason)
		lg.Warn("provider attempt failed, falling back",
			slog.String("provider", name),
			slog.String("operation", op),
			slog.String("reason", reason),
			slog.Any("error", err))
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	observability.RecordFallbackExhausted(op)
	span.SetStatus(codes.Error, "all providers failed")
	if len(errs) == 0 {
		return zero, fmt.Errorf("op=%s: %w: no providers configured", op, domain.ErrAllProvidersFailed)
	}
	return zero, fmt.Errorf("op=%s: %w: %w", op, domain.ErrAllProvidersFailed, errors.Join(errs...))
}

// reserve draws one request from name's budget. Limiter errors fail open.
func (c *Chain) reserve(ctx context.Context, name string) error {
	if c.limiter == nil {
		return nil
	}
	ok, retry, err := c.limiter.Allow(ctx, name, 1)
	if err != nil {
		obsctx.LoggerFromContext(ctx).Warn("provider limiter unavailable", slog.String("provider", name), slog.Any("error", err))
		return nil
	}
	if !ok {
		return fmt.Errorf("local budget exhausted, retry in %s: %w", retry.Round(time.Millisecond), domain.ErrUpstreamRateLimit)
	}
	return nil
}

func (c *Chain) call(ctx context.Context, p domain.Provider, op string, req domain.GenerateRequest) (string, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	raw, err := p.Generate(callCtx, req)
	observability.AIRequestsTotal.WithLabelValues(p.Name(), op).Inc()
	observability.AIRequestDuration.WithLabelValues(p.Name(), op).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrUpstreamTimeout) {
		err = fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
	}
	return raw, err
}

// FailureReason maps an error to a short metrics label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrProviderAuth):
		return "auth"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		return "rate_limit"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrContentBlocked):
		return "blocked"
	case errors.Is(err, domain.ErrEmptyResponse):
		return "empty"
	case errors.Is(err, domain.ErrSchemaInvalid):
		return "invalid"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	}
	return "other"
}

package ai

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen skips the provider until the cooldown passes.
	CircuitOpen
	// CircuitHalfOpen lets a single probe through after the cooldown.
	CircuitHalfOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultRecoveryTimeout  = 30 * time.Second
	maxRateLimitCooldown    = 10 * time.Minute
)

// CircuitBreaker tracks the health of one provider. Consecutive failures
// open it; a rate-limit response opens it at once with a cooldown that
// doubles on every repeat.
type CircuitBreaker struct {
	mu               sync.Mutex
	provider         string
	failureThreshold int
	recoveryTimeout  time.Duration
	now              func() time.Time

	state          CircuitState
	failureCount   int
	rateLimitCount int
	openUntil      time.Time
	probing        bool
}

// NewCircuitBreaker creates a closed breaker for provider.
func NewCircuitBreaker(provider string) *CircuitBreaker {
	return &CircuitBreaker{
		provider:         provider,
		failureThreshold: defaultFailureThreshold,
		recoveryTimeout:  defaultRecoveryTimeout,
		now:              time.Now,
		state:            CircuitClosed,
	}
}

// ShouldAttempt reports whether a call may be made now. After the cooldown
// the breaker goes half-open and admits one probe at a time.
func (cb *CircuitBreaker) ShouldAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Before(cb.openUntil) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitClosed {
		slog.Info("circuit breaker closed after successful recovery", slog.String("provider", cb.provider))
	}
	cb.state = CircuitClosed
	cb.failureCount = 0
	cb.rateLimitCount = 0
	cb.probing = false
}

// RecordFailure counts a failed call. Errors that say nothing about the
// provider's health, such as a content block, are ignored.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if errors.Is(err, domain.ErrContentBlocked) || errors.Is(err, domain.ErrSchemaInvalid) {
		cb.releaseProbe()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.probing = false
	now := cb.now()

	if errors.Is(err, domain.ErrUpstreamRateLimit) {
		cb.rateLimitCount++
		cooldown := cb.recoveryTimeout << min(cb.rateLimitCount-1, 5)
		if cooldown > maxRateLimitCooldown {
			cooldown = maxRateLimitCooldown
		}
		cb.open(now, cooldown, "rate limited")
		return
	}
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.open(now, cb.recoveryTimeout, "consecutive failures")
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) open(now time.Time, cooldown time.Duration, reason string) {
	cb.state = CircuitOpen
	cb.openUntil = now.Add(cooldown)
	slog.Warn("circuit breaker opened",
		slog.String("provider", cb.provider),
		slog.String("reason", reason),
		slog.Int("failure_count", cb.failureCount),
		slog.Duration("cooldown", cooldown))
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerManager hands out one breaker per provider name.
type CircuitBreakerManager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates an empty manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{breakers: make(map[string]*CircuitBreaker)}
}

// GetBreaker returns or creates the breaker for provider.
func (m *CircuitBreakerManager) GetBreaker(provider string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[provider]; ok {
		return b
	}
	b := NewCircuitBreaker(provider)
	m.breakers[provider] = b
	return b
}

// States reports every known breaker's state, keyed by provider.
func (m *CircuitBreakerManager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State().String()
	}
	return out
}

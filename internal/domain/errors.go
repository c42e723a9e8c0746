package domain

import "errors"

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrNotReady          = errors.New("not ready")
	ErrPrecondition      = errors.New("precondition failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")

	// Provider failures. Each is distinct so fallback loops can tell an
	// exhausted quota from a content block or a bad credential.
	ErrProviderAuth        = errors.New("provider auth failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrContentBlocked      = errors.New("content blocked by provider")
	ErrEmptyResponse       = errors.New("empty response")
	ErrAllProvidersFailed  = errors.New("all providers failed")
)

// IsProviderError reports whether err belongs to the provider failure class
// that a fallback chain recovers from locally.
func IsProviderError(err error) bool {
	switch {
	case errors.Is(err, ErrProviderAuth),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrContentBlocked),
		errors.Is(err, ErrEmptyResponse),
		errors.Is(err, ErrUpstreamTimeout),
		errors.Is(err, ErrUpstreamRateLimit):
		return true
	}
	return false
}

package updates

import "errors"

var (
	// ErrRateLimitExceeded signals that the registry breaker is open or the
	// registry answered with a rate-limit response. Retryable after
	// backoff; never retried silently by this package. The HTTP layer maps
	// it to 429.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrSourceUnavailable signals that a data source was unreachable and
	// no cached view existed to fall back to. The HTTP layer maps it to a
	// gateway error.
	ErrSourceUnavailable = errors.New("source unavailable")
)

// IsRateLimit reports whether err is the rate-limit condition
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded)
}

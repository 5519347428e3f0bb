package provider

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoActiveProviders is returned when the availability snapshot is
	// empty before the first attempt.
	ErrNoActiveProviders = errors.New("no active providers available")

	// ErrAllProvidersFailed is returned when every attempted provider in
	// the fallback chain failed.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// RateLimitError marks a transport failure as a rate limit. The manager
// detects it with errors.As and puts the provider on cool-down; everything
// else about the failure is absorbed into counters like any other error.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: %s (retry after %s)", e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// IsRateLimit reports whether err carries a RateLimitError anywhere in its
// chain.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableEngineError classifies engine error codes that a client may
// retry by starting a new session.
func IsRetryableEngineError(code string) bool {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case code == "":
		return false
	case strings.Contains(code, "rate"), strings.Contains(code, "timeout"),
		strings.Contains(code, "unavailable"), strings.Contains(code, "overloaded"):
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Backoff tracks the attempt counter of a reconnect loop.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := ExponentialBackoff(b.attempt, b.Base, b.Cap)
	b.attempt++
	return d
}

// Reset is called after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}

package broker

import (
	"context"
	"errors"
	"math"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): base doubled
// per previous attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// ShouldRetry decides whether a failed attempt runs again.
func ShouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil || attempt >= maxAttempts {
		return false
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

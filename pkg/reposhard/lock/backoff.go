package lock

import (
	"math"
	mathrand "math/rand"
	"time"
)

// CalculateBackoff calculates the backoff duration for a given retry
// config and attempt number. Attempt is 0-indexed (the first attempt is 0,
// the first retry is 1).
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	// InitialDelay * 2^(attempt-1): attempt 1 -> InitialDelay, attempt 2 ->
	// 2*InitialDelay, etc.
	delay := cfg.InitialDelay * time.Duration(math.Pow(2, float64(attempt-1)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		factor := cfg.GetJitterFactor()

		//nolint:gosec // jitter doesn't need crypto-grade randomness
		jitter := mathrand.Float64() * float64(delay) * factor
		delay += time.Duration(jitter)
	}

	return delay
}

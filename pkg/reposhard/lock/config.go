package lock

import "time"

// DefaultJitterFactor is the default proportion of delay to add as random jitter.
const DefaultJitterFactor = 0.5

// RetryConfig holds retry configuration for lock acquisition, used by the
// Redis distributed lock implementation.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts to acquire a lock.
	MaxAttempts int

	// InitialDelay is the initial delay between retry attempts.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter enables random jitter in retry delays to prevent thundering herd.
	Jitter bool

	// JitterFactor is the maximum proportion of delay to add as random
	// jitter. Only used if Jitter is true; defaults to DefaultJitterFactor.
	JitterFactor float64
}

// GetJitterFactor returns JitterFactor if set and valid, otherwise
// DefaultJitterFactor.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig returns sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}

package task

import (
	"math"
	"time"

	"e2e_mediator/internal/config"
)

// RetryPolicy spaces out attempts of a task that failed with a retryable error.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// MaxAttempts of 0 retries forever.
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

func RetryPolicyFromConfig(c config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		MaxAttempts:    c.MaxAttempts,
	}
}

// Backoff returns the delay after the given number of failed attempts (1 based).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 || p.InitialBackoff <= 0 {
		return p.InitialBackoff
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempts-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Exhausted reports whether a task failed too often to be tried again.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Package ratelimit provides per-identity rate limiting domain types.
package ratelimit

import (
	"math"
	"time"
)

// Config defines the default token-bucket parameters. Identities carrying a
// rate override get a bucket derived from the override instead.
type Config struct {
	// Enabled turns rate limiting on. When false every check allows with
	// full capacity.
	Enabled bool

	// RequestsPerSecond is the steady-state refill rate per identity.
	RequestsPerSecond float64

	// Burst is the bucket capacity. Values <= 0 fall back to the
	// rps-derived default.
	Burst int
}

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// RetryAfter is the duration until a token becomes available.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// Limit is the effective bucket capacity for this identity.
	Limit int

	// Remaining is the number of tokens left after this check.
	Remaining int

	// ResetAt is the next whole second, when clients should re-read
	// their remaining budget.
	ResetAt time.Time
}

// EffectiveParams resolves the (rps, burst) pair for one identity. A custom
// rps overrides the defaults with a half-rate burst, never below one.
func (c Config) EffectiveParams(customRPS float64) (float64, int) {
	if customRPS > 0 {
		return customRPS, derivedBurst(customRPS)
	}
	burst := c.Burst
	if burst <= 0 {
		burst = derivedBurst(c.RequestsPerSecond)
	}
	return c.RequestsPerSecond, burst
}

func derivedBurst(rps float64) int {
	burst := int(math.Round(rps * 0.5))
	if burst < 1 {
		burst = 1
	}
	return burst
}

// NextReset returns the upcoming whole second relative to now.
func NextReset(now time.Time) time.Time {
	return now.Truncate(time.Second).Add(time.Second)
}

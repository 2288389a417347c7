package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig is the delivery retry schedule. The ledger consults it when a
// failed attempt is classified retryable; nothing here sleeps in-process.
type RetryConfig struct {
	// MaxAttempts counts the first try. A delivery that has used all of them
	// is dead-lettered on its next retryable failure.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each delay by up to ±fraction of itself so a
	// burst of failures does not come due in the same sweep.
	JitterFraction float64
}

// DefaultRetryConfig returns the delivery retry policy: five attempts spread
// over roughly a minute.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Exhausted reports whether attempts has reached the attempt budget.
func (c RetryConfig) Exhausted(attempts int) bool {
	return attempts >= c.withDefaults().MaxAttempts
}

// NextAttemptAt returns when a delivery that just failed its attempts-th
// try should run again.
func (c RetryConfig) NextAttemptAt(now time.Time, attempts int) time.Time {
	if attempts < 1 {
		attempts = 1
	}
	return now.Add(Backoff(attempts-1, c))
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// Backoff returns the delay before retry number attempt (zero-based):
// min(MaxBackoff, InitialBackoff*Multiplier^attempt) with ±JitterFraction.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	cfg = cfg.withDefaults()

	raw := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt))
	delay := math.Min(raw, float64(cfg.MaxBackoff))

	if cfg.JitterFraction > 0 {
		spread := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(math.Max(delay, 0))
}

package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts int, initialBackoff, maxBackoff time.Duration, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		cfg.InitialBackoff = initialBackoff
	}
	if maxBackoff > 0 {
		cfg.MaxBackoff = maxBackoff
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold int, failureWindow, cooldown time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if failureWindow > 0 {
		cfg.FailureWindow = failureWindow
	}
	if cooldown > 0 {
		cfg.ResetTimeout = cooldown
	}
	return cfg
}

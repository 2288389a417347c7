package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, d := range want {
		assert.Equal(t, d, Backoff(i, cfg), "attempt %d", i)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 10}
	assert.Equal(t, 5*time.Second, Backoff(5, cfg))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2, JitterFraction: 0.5}

	seen := make(map[time.Duration]bool)
	for range 100 {
		d := Backoff(0, cfg)
		seen[d] = true
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
	assert.Greater(t, len(seen), 1, "jitter should vary delays")
}

func TestBackoff_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{}
	cfg.JitterFraction = 0
	// Zero JitterFraction is kept; the rest fall back to defaults.
	assert.Equal(t, time.Second, Backoff(0, cfg))
	assert.Equal(t, 2*time.Second, Backoff(1, cfg))
	assert.Equal(t, 5*time.Minute, Backoff(30, cfg))
}

func TestRetryConfig_Exhausted(t *testing.T) {
	t.Parallel()
	cfg := RetryConfig{MaxAttempts: 3}
	assert.False(t, cfg.Exhausted(2))
	assert.True(t, cfg.Exhausted(3))
	assert.True(t, RetryConfig{}.Exhausted(5))
	assert.False(t, RetryConfig{}.Exhausted(4))
}

func TestRetryConfig_NextAttemptAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 3}

	assert.Equal(t, now.Add(time.Minute), cfg.NextAttemptAt(now, 1))
	assert.Equal(t, now.Add(3*time.Minute), cfg.NextAttemptAt(now, 2))
	assert.Equal(t, now.Add(time.Minute), cfg.NextAttemptAt(now, 0))
}

func TestDefaultRetryConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultRetryConfig()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.InDelta(t, 0.25, cfg.JitterFraction, 1e-9)
}

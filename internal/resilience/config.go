package resilience

import (
	"time"
)

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
// Non-positive values keep the defaults.
func FromCircuitConfig(failureThreshold, coolOffSecs, windowSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if coolOffSecs > 0 {
		cfg.CoolOff = time.Duration(coolOffSecs) * time.Second
		cfg.Window = cfg.CoolOff
	}
	if windowSecs > 0 {
		cfg.Window = time.Duration(windowSecs) * time.Second
	}
	return cfg
}

// FromRetryPolicy overrides base with a configured attempt cap.
func FromRetryPolicy(base RetryPolicy, maxAttempts int) RetryPolicy {
	if maxAttempts > 0 {
		base.MaxAttempts = maxAttempts
	}
	return base
}

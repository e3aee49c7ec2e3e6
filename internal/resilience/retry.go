package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy decides what happens after a failed task attempt. Delays grow
// as attempt^4 seconds with uniform jitter in [0, JitterWindow).
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// JitterWindow is the width of the uniform jitter added to each delay.
	// Default: 30s.
	JitterWindow time.Duration

	// IsTerminal optionally overrides the default classification.
	IsTerminal func(err error) bool

	// randFloat returns a value in [0,1). Tests replace it.
	randFloat func() float64
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// Retry caps per task family.
var (
	LookupRetry      = RetryPolicy{MaxAttempts: 3, JitterWindow: 30 * time.Second}
	LowPriorityRetry = RetryPolicy{MaxAttempts: 2, JitterWindow: 30 * time.Second}
	WebhookRetry     = RetryPolicy{MaxAttempts: 3, JitterWindow: 30 * time.Second}
)

// IsTerminalDefault treats authentication, malformed input and not-found as
// final and everything transient as retryable.
func IsTerminalDefault(err error) bool {
	switch ClassOf(err) {
	case ClassAuth, ClassInvalidInput, ClassNotFound:
		return true
	case ClassRateLimited, ClassNetwork:
		return false
	}
	return !IsTransient(err)
}

// Backoff returns the delay before the retry that follows attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jw := p.JitterWindow
	if jw <= 0 {
		jw = 30 * time.Second
	}
	rnd := p.randFloat
	if rnd == nil {
		rnd = rand.Float64
	}
	base := time.Duration(math.Pow(float64(attempt), 4)) * time.Second
	return base + time.Duration(rnd()*float64(jw))
}

// Decide classifies err after the given attempt (1-based).
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	isTerminal := p.IsTerminal
	if isTerminal == nil {
		isTerminal = IsTerminalDefault
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	class := ClassOf(err)

	if isTerminal(err) {
		return Decision{Reason: fmt.Sprintf("%s: %v", class.Describe(), err)}
	}
	if attempt >= maxAttempts {
		return Decision{Reason: fmt.Sprintf("%s: giving up after %d attempts: %v", class.Describe(), attempt, err)}
	}
	delay := p.Backoff(attempt)
	return Decision{
		Retry:  true,
		Delay:  delay,
		Reason: fmt.Sprintf("%s (attempt %d/%d), retrying in %s: %v", class.Describe(), attempt, maxAttempts, delay.Round(time.Second), err),
	}
}

// RetryConfig controls in-process retries of infrastructure calls with
// exponential backoff and jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay.
	JitterFraction float64

	// ShouldRetry optionally overrides the default transient-error check.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns a sensible retry configuration for infrastructure calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Do executes fn, retrying transient errors. Context cancellation stops
// retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is like Do but preserves the value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil || !cfg.ShouldRetry(lastErr) || attempt >= cfg.MaxAttempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(computeBackoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := math.Min(float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(attempt)), float64(cfg.MaxBackoff))
	if cfg.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.JitterFraction
	}
	return time.Duration(math.Max(delay, 0))
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

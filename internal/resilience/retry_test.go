package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_BackoffBounds(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 5, JitterWindow: 30 * time.Second}
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(attempt*attempt*attempt*attempt) * time.Second
		for range 200 {
			d := p.Backoff(attempt)
			require.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			require.Less(t, d, base+30*time.Second, "attempt %d", attempt)
		}
	}
}

func TestRetryPolicy_BackoffDeterministicEdges(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, randFloat: func() float64 { return 0 }}
	assert.Equal(t, 16*time.Second, p.Backoff(2))

	p.randFloat = func() float64 { return 0.5 }
	assert.Equal(t, 81*time.Second+15*time.Second, p.Backoff(3))
}

func TestRetryPolicy_JitterSpreadsHerd(t *testing.T) {
	t.Parallel()

	p := LookupRetry
	seen := make(map[time.Duration]bool)
	for range 100 {
		seen[p.Backoff(2)] = true
	}
	assert.Greater(t, len(seen), 95, "simultaneous retries should get distinct delays")
}

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	rateLimited := NewProviderError("carrier", ClassRateLimited, 429, "slow down")
	network := NewProviderError("carrier", ClassNetwork, 503, "")
	auth := NewProviderError("carrier", ClassAuth, 401, "bad key")
	invalid := NewProviderError("carrier", ClassInvalidInput, 400, "bad number")

	tests := []struct {
		name      string
		err       error
		attempt   int
		wantRetry bool
		contains  string
	}{
		{"rate limit first attempt", rateLimited, 1, true, "rate limit"},
		{"rate limit exhausted", rateLimited, 3, false, "giving up after 3 attempts"},
		{"network retries", network, 2, true, "network error"},
		{"auth terminal", auth, 1, false, "authentication failed"},
		{"invalid terminal", invalid, 1, false, "invalid input"},
		{"plain transient", fmt.Errorf("read: %w", context.DeadlineExceeded), 1, true, "network error"},
		{"plain unknown", errors.New("weird"), 1, false, "unexpected error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := LookupRetry.Decide(tt.err, tt.attempt)
			assert.Equal(t, tt.wantRetry, d.Retry)
			assert.Contains(t, d.Reason, tt.contains)
			if d.Retry {
				assert.GreaterOrEqual(t, d.Delay, time.Duration(tt.attempt*tt.attempt*tt.attempt*tt.attempt)*time.Second)
			} else {
				assert.Zero(t, d.Delay)
			}
		})
	}
}

func TestRetryPolicy_LowPriorityCap(t *testing.T) {
	t.Parallel()

	err := NewProviderError("email", ClassNetwork, 502, "")
	assert.True(t, LowPriorityRetry.Decide(err, 1).Retry)
	assert.False(t, LowPriorityRetry.Decide(err, 2).Retry)
}

func TestRetryPolicy_CustomTerminal(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, IsTerminal: func(error) bool { return false }}
	assert.True(t, p.Decide(errors.New("anything"), 1).Retry)
}

func TestFromRetryPolicy(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 5, FromRetryPolicy(LookupRetry, 5).MaxAttempts)
	assert.Equal(t, 3, FromRetryPolicy(LookupRetry, 0).MaxAttempts)
}

func TestDo_RetriesTransient(t *testing.T) {
	t.Parallel()

	var calls int
	var retried []int
	err := Do(context.Background(), RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		OnRetry:        func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("503"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_StopsOnPermanent(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}, func(_ context.Context) error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := DoVal(ctx, RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}, func(_ context.Context) (int, error) {
		calls++
		cancel()
		return 0, NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

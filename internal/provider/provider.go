// Package provider defines the contract for external lookup and enrichment
// providers and the Caller that guards every invocation.
package provider

import (
	"context"
	"time"
)

// Request is one provider invocation.
type Request struct {
	Provider  string         `json:"provider"`
	Operation string         `json:"operation"`
	Phone     string         `json:"phone"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response is what a provider returned. Found is false when the provider
// answered but had no data for the input.
type Response struct {
	Data    map[string]any `json:"data,omitempty"`
	Found   bool           `json:"found"`
	CostUSD float64        `json:"cost_usd,omitempty"`

	// CircuitOpen is set by Caller when the call was short-circuited.
	// RetryAt is when the circuit will admit a probe.
	CircuitOpen bool      `json:"-"`
	RetryAt     time.Time `json:"-"`
}

// Invoker performs the raw provider call. Failures should be
// *resilience.ProviderError so retry and circuit logic can classify them.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Recorder receives per-call metrics. monitoring.Metrics implements it.
type Recorder interface {
	ObserveProviderCall(provider, outcome string, elapsed time.Duration, costUSD float64)
}

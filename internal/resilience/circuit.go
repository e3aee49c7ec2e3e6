// Package resilience provides circuit breaker and retry patterns for external provider calls.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single probe request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name. Unknown names decode as closed.
func (s *CircuitState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		*s = CircuitClosed
	}
	return nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures inside Window
	// before opening the circuit. Default: 5.
	FailureThreshold int

	// CoolOff is how long the circuit stays open before a probe is let
	// through. Default: 30s.
	CoolOff time.Duration

	// Window bounds how far apart counted failures may be. Default: CoolOff.
	Window time.Duration

	// ShouldTrip optionally overrides which errors count as failures. If nil,
	// ShouldTripDefault is used.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(provider string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CoolOff:          30 * time.Second,
		Window:           30 * time.Second,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolOff <= 0 {
		c.CoolOff = 30 * time.Second
	}
	if c.Window <= 0 {
		c.Window = c.CoolOff
	}
	if c.ShouldTrip == nil {
		c.ShouldTrip = ShouldTripDefault
	}
	return c
}

// Status is the admin view of one provider's circuit.
type Status struct {
	Provider     string       `json:"provider"`
	State        CircuitState `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	Forced       bool         `json:"forced"`
}

// CircuitBreaker implements the circuit breaker pattern for a single
// provider. All state lives in the injected StateStore so every worker
// sharing the store sees the same circuit.
type CircuitBreaker struct {
	provider string
	cfg      CircuitBreakerConfig
	store    StateStore

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for provider backed by store.
func NewCircuitBreaker(provider string, cfg CircuitBreakerConfig, store StateStore) *CircuitBreaker {
	if store == nil {
		store = NewMemoryStateStore()
	}
	return &CircuitBreaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		store:    store,
		nowFunc:  time.Now,
	}
}

// Provider returns the provider name this breaker guards.
func (cb *CircuitBreaker) Provider() string { return cb.provider }

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn if the circuit is open or a half-open probe is already running.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.allowRequest(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.recordResult(ctx, probe, err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := cb.allowRequest(ctx)
	if err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(ctx, probe, err)
	return val, err
}

// Call runs fn and reports a short-circuit as a fallback instead of an error.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) (fallback bool, err error) {
	err = cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return true, nil
	}
	return false, err
}

// Allowing reports whether a call made now would reach the provider. It does
// not consume the half-open probe.
func (cb *CircuitBreaker) Allowing(ctx context.Context) (bool, time.Time) {
	snap, err := cb.store.Load(ctx, cb.provider)
	if err != nil {
		return true, time.Time{}
	}
	now := cb.nowFunc()
	switch snap.State {
	case CircuitOpen:
		retryAt := snap.OpenedAt.Add(cb.cfg.CoolOff)
		if snap.Forced {
			return false, now.Add(cb.cfg.CoolOff)
		}
		return !now.Before(retryAt), retryAt
	case CircuitHalfOpen:
		if snap.ProbeInFlight && now.Sub(snap.ProbeStartedAt) < cb.cfg.CoolOff {
			return false, snap.ProbeStartedAt.Add(cb.cfg.CoolOff)
		}
	}
	return true, time.Time{}
}

// GetState returns the circuit's admin view. An open circuit whose cool-off
// has elapsed reports half-open.
func (cb *CircuitBreaker) GetState(ctx context.Context) (Status, error) {
	snap, err := cb.store.Load(ctx, cb.provider)
	if err != nil {
		return Status{}, eris.Wrapf(err, "resilience: load circuit %s", cb.provider)
	}
	return cb.status(snap), nil
}

// Reset forces the circuit back to closed and clears its window.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	return cb.set(ctx, func(s *Snapshot) {
		*s = Snapshot{Provider: cb.provider, State: CircuitClosed}
	})
}

// ForceOpen opens the circuit until Reset is called.
func (cb *CircuitBreaker) ForceOpen(ctx context.Context) error {
	now := cb.nowFunc()
	return cb.set(ctx, func(s *Snapshot) {
		s.State = CircuitOpen
		s.Forced = true
		s.OpenedAt = now
		s.ProbeInFlight = false
	})
}

func (cb *CircuitBreaker) set(ctx context.Context, mutate func(s *Snapshot)) error {
	var from CircuitState
	snap, err := cb.store.Update(ctx, cb.provider, func(s *Snapshot) error {
		from = s.State
		mutate(s)
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "resilience: update circuit %s", cb.provider)
	}
	cb.notify(from, snap.State)
	return nil
}

func (cb *CircuitBreaker) status(snap Snapshot) Status {
	st := Status{
		Provider:     cb.provider,
		State:        snap.State,
		FailureCount: snap.Failures,
		Forced:       snap.Forced,
	}
	if !snap.OpenedAt.IsZero() && snap.State != CircuitClosed {
		t := snap.OpenedAt
		st.OpenedAt = &t
	}
	if snap.State == CircuitOpen && !snap.Forced && cb.nowFunc().Sub(snap.OpenedAt) >= cb.cfg.CoolOff {
		st.State = CircuitHalfOpen
	}
	return st
}

func (cb *CircuitBreaker) allowRequest(ctx context.Context) (bool, error) {
	var probe bool
	var from CircuitState
	snap, err := cb.store.Update(ctx, cb.provider, func(s *Snapshot) error {
		probe = false
		from = s.State
		now := cb.nowFunc()

		switch s.State {
		case CircuitOpen:
			if s.Forced || now.Sub(s.OpenedAt) < cb.cfg.CoolOff {
				return ErrCircuitOpen
			}
			s.State = CircuitHalfOpen
		case CircuitHalfOpen:
			// A probe whose worker vanished is abandoned after one cool-off.
			if s.ProbeInFlight && now.Sub(s.ProbeStartedAt) < cb.cfg.CoolOff {
				return ErrCircuitOpen
			}
		default:
			return errNoChange
		}

		s.ProbeInFlight = true
		s.ProbeStartedAt = now
		probe = true
		return nil
	})
	switch {
	case err == nil:
		cb.notify(from, snap.State)
		return probe, nil
	case errors.Is(err, errNoChange):
		return false, nil
	case errors.Is(err, ErrCircuitOpen):
		return false, ErrCircuitOpen
	default:
		// Unreadable state fails open to availability.
		zap.L().Warn("circuit state unavailable, allowing call",
			zap.String("provider", cb.provider),
			zap.Error(err),
		)
		return false, nil
	}
}

func (cb *CircuitBreaker) recordResult(ctx context.Context, probe bool, callErr error) {
	trip := callErr != nil && cb.cfg.ShouldTrip(callErr)
	if !trip && !probe {
		// Fast path: nothing to clear when the window is already empty.
		if snap, err := cb.store.Load(ctx, cb.provider); err == nil && snap.State == CircuitClosed && snap.Failures == 0 {
			return
		}
	}

	var from CircuitState
	snap, err := cb.store.Update(ctx, cb.provider, func(s *Snapshot) error {
		from = s.State
		now := cb.nowFunc()

		if !trip {
			switch s.State {
			case CircuitHalfOpen:
				if !probe {
					return errNoChange
				}
				*s = Snapshot{Provider: cb.provider, State: CircuitClosed}
			case CircuitClosed:
				s.Failures = 0
				s.WindowStartedAt = time.Time{}
			default:
				// Late success from a call admitted before the circuit opened.
				return errNoChange
			}
			return nil
		}

		switch s.State {
		case CircuitClosed:
			if s.Failures == 0 || now.Sub(s.WindowStartedAt) > cb.cfg.Window {
				s.Failures = 0
				s.WindowStartedAt = now
			}
			s.Failures++
			if s.Failures >= cb.cfg.FailureThreshold {
				s.State = CircuitOpen
				s.OpenedAt = now
			}
		case CircuitHalfOpen:
			s.Failures++
			if probe {
				s.State = CircuitOpen
				s.OpenedAt = now
				s.ProbeInFlight = false
			}
		default:
			s.Failures++
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoChange) {
			zap.L().Warn("circuit state update failed",
				zap.String("provider", cb.provider),
				zap.Error(err),
			)
		}
		return
	}
	cb.notify(from, snap.State)
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from == to {
		return
	}
	zap.L().Info("circuit state changed",
		zap.String("provider", cb.provider),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.provider, from, to)
	}
}

// ServiceBreakers manages circuit breakers for multiple providers over one
// shared state store.
type ServiceBreakers struct {
	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	store     StateStore
	defaults  CircuitBreakerConfig
	overrides map[string]CircuitBreakerConfig
}

// NewServiceBreakers creates a registry of per-provider circuit breakers.
// overrides carries per-provider tuning; providers without one get defaults.
func NewServiceBreakers(store StateStore, defaults CircuitBreakerConfig, overrides map[string]CircuitBreakerConfig) *ServiceBreakers {
	if store == nil {
		store = NewMemoryStateStore()
	}
	if overrides == nil {
		overrides = make(map[string]CircuitBreakerConfig)
	}
	return &ServiceBreakers{
		breakers:  make(map[string]*CircuitBreaker),
		store:     store,
		defaults:  defaults,
		overrides: overrides,
	}
}

// Get returns the circuit breaker for the named provider, creating one if needed.
func (sb *ServiceBreakers) Get(provider string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[provider]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[provider]; ok {
		return cb
	}
	cfg, ok := sb.overrides[provider]
	if !ok {
		cfg = sb.defaults
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = sb.defaults.OnStateChange
	}
	cb = NewCircuitBreaker(provider, cfg, sb.store)
	sb.breakers[provider] = cb
	return cb
}

// States returns the admin view of every known provider, sorted by name.
func (sb *ServiceBreakers) States(ctx context.Context) ([]Status, error) {
	names := make(map[string]bool)
	sb.mu.RLock()
	for name := range sb.breakers {
		names[name] = true
	}
	for name := range sb.overrides {
		names[name] = true
	}
	sb.mu.RUnlock()

	stored, err := sb.store.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "resilience: list circuits")
	}
	for _, s := range stored {
		names[s.Provider] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	out := make([]Status, 0, len(sorted))
	for _, name := range sorted {
		st, err := sb.Get(name).GetState(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

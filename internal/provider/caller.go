package provider

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/phone-enrich/internal/cost"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// ErrNotRegistered is returned when no invoker exists for a provider.
var ErrNotRegistered = eris.New("provider: not registered")

type registration struct {
	invoker Invoker
	limiter *rate.Limiter
}

// Caller runs provider invocations through a per-provider rate limiter and
// circuit breaker, then records each call in the call log.
type Caller struct {
	mu        sync.RWMutex
	providers map[string]registration

	breakers *resilience.ServiceBreakers
	calls    store.CallLog
	costs    *cost.Calculator
	recorder Recorder

	nowFunc func() time.Time
}

// NewCaller creates a Caller. calls and costs may be nil.
func NewCaller(breakers *resilience.ServiceBreakers, calls store.CallLog, costs *cost.Calculator) *Caller {
	if breakers == nil {
		breakers = resilience.NewServiceBreakers(nil, resilience.DefaultCircuitBreakerConfig(), nil)
	}
	if costs == nil {
		costs = cost.NewCalculator(nil)
	}
	return &Caller{
		providers: make(map[string]registration),
		breakers:  breakers,
		calls:     calls,
		costs:     costs,
		nowFunc:   time.Now,
	}
}

// Register binds an invoker to a provider name. A non-positive limit
// disables rate limiting for that provider.
func (c *Caller) Register(name string, inv Invoker, limit float64, burst int) {
	reg := registration{invoker: inv}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		reg.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	c.mu.Lock()
	c.providers[name] = reg
	c.mu.Unlock()
}

// SetRecorder attaches a metrics recorder.
func (c *Caller) SetRecorder(r Recorder) {
	c.recorder = r
}

// Registered reports whether name has an invoker.
func (c *Caller) Registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// Breakers returns the circuit registry the caller uses.
func (c *Caller) Breakers() *resilience.ServiceBreakers {
	return c.breakers
}

// Allowing reports whether a call to provider would pass its circuit now,
// and if not, when it will next admit a probe.
func (c *Caller) Allowing(ctx context.Context, provider string) (bool, time.Time) {
	return c.breakers.Get(provider).Allowing(ctx)
}

// Call invokes req.Provider on behalf of recordID.
//
// A not-found answer is returned as a Response with Found false and no
// error. When the circuit is open the invoker is not called and the
// Response has CircuitOpen set.
func (c *Caller) Call(ctx context.Context, recordID string, req Request) (*Response, error) {
	c.mu.RLock()
	reg, ok := c.providers[req.Provider]
	c.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotRegistered, "%s", req.Provider)
	}

	log := zap.L().With(
		zap.String("provider", req.Provider),
		zap.String("operation", req.Operation),
		zap.String("record_id", recordID),
	)

	if reg.limiter != nil {
		if err := reg.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrapf(err, "provider: rate limit wait %s", req.Provider)
		}
	}

	breaker := c.breakers.Get(req.Provider)
	start := c.nowFunc()

	var resp *Response
	fallback, err := breaker.Call(ctx, func(ctx context.Context) error {
		var invokeErr error
		resp, invokeErr = reg.invoker.Invoke(ctx, req)
		return invokeErr
	})
	elapsed := c.nowFunc().Sub(start)

	if fallback {
		_, retryAt := breaker.Allowing(ctx)
		log.Info("provider: circuit open, call skipped", zap.Time("retry_at", retryAt))
		c.record(ctx, log, recordID, req, nil, model.OutcomeCircuitOpen, "", 0, elapsed)
		return &Response{CircuitOpen: true, RetryAt: retryAt}, nil
	}

	if err != nil {
		class := resilience.ClassOf(err)
		if class == resilience.ClassNotFound {
			c.record(ctx, log, recordID, req, nil, model.OutcomeNotFound, "", c.costs.Call(req.Provider, true, 0), elapsed)
			return &Response{Found: false}, nil
		}
		log.Warn("provider: call failed", zap.String("error_class", string(class)), zap.Error(err))
		c.record(ctx, log, recordID, req, nil, model.OutcomeError, class, c.costs.Call(req.Provider, false, 0), elapsed)
		return nil, err
	}

	if resp == nil {
		resp = &Response{}
	}
	if len(resp.Data) == 0 {
		resp.Found = false
	}
	outcome := model.OutcomeSuccess
	if !resp.Found {
		outcome = model.OutcomeNotFound
	}
	resp.CostUSD = c.costs.Call(req.Provider, true, resp.CostUSD)
	c.record(ctx, log, recordID, req, resp, outcome, "", resp.CostUSD, elapsed)
	return resp, nil
}

// record appends the call to the ledger and reports metrics. Ledger failures
// are logged and never fail the call.
func (c *Caller) record(ctx context.Context, log *zap.Logger, recordID string, req Request, resp *Response,
	outcome model.CallOutcome, class resilience.ErrorClass, costUSD float64, elapsed time.Duration) {
	if c.recorder != nil {
		c.recorder.ObserveProviderCall(req.Provider, string(outcome), elapsed, costUSD)
	}
	if c.calls == nil {
		return
	}

	reqPayload := map[string]any{"operation": req.Operation, "phone": req.Phone}
	if len(req.Params) > 0 {
		reqPayload["params"] = req.Params
	}
	call := model.ProviderCall{
		ID:         uuid.New().String(),
		RecordID:   recordID,
		Provider:   req.Provider,
		Operation:  req.Operation,
		CostUSD:    costUSD,
		LatencyMs:  elapsed.Milliseconds(),
		Outcome:    outcome,
		ErrorClass: string(class),
		Request:    redact(reqPayload),
		CreatedAt:  c.nowFunc().UTC(),
	}
	if resp != nil {
		call.Response = redact(resp.Data)
	}
	if err := c.calls.AppendProviderCall(ctx, call); err != nil {
		log.Error("provider: append call log", zap.Error(err))
	}
}

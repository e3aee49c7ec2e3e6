package lookup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

type fakeCoordinator struct {
	mu      sync.Mutex
	records []*model.Record
}

func (f *fakeCoordinator) Coordinate(_ context.Context, r *model.Record) []model.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

type harness struct {
	store    *store.SQLiteStore
	svc      *Service
	breakers *resilience.ServiceBreakers
	events   *events.Memory
	coord    *fakeCoordinator
	invoked  *atomic.Int64
}

func newHarness(t *testing.T, inv provider.InvokerFunc) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "lookup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	invoked := &atomic.Int64{}
	breakers := resilience.NewServiceBreakers(resilience.NewMemoryStateStore(),
		resilience.CircuitBreakerConfig{FailureThreshold: 5, CoolOff: time.Minute}, nil)
	caller := provider.NewCaller(breakers, s, nil)
	caller.Register("carrier", provider.InvokerFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		invoked.Add(1)
		return inv(ctx, req)
	}), 0, 0)

	svc := New(s, queue.NewStoreQueue(s), caller, fingerprint.New("1"), Config{Provider: "carrier"})
	pub := &events.Memory{}
	coord := &fakeCoordinator{}
	svc.SetPublisher(pub)
	svc.SetCoordinator(coord)

	return &harness{store: s, svc: svc, breakers: breakers, events: pub, coord: coord, invoked: invoked}
}

func found(data map[string]any) provider.InvokerFunc {
	return func(context.Context, provider.Request) (*provider.Response, error) {
		return &provider.Response{Found: true, Data: data}, nil
	}
}

func (h *harness) claimOne(t *testing.T) model.Task {
	t.Helper()
	tasks, err := h.store.ClaimTasks(context.Background(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func (h *harness) record(t *testing.T, id string) *model.Record {
	t.Helper()
	r, err := h.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func TestCreate_NormalisesAndEnqueues(t *testing.T) {
	h := newHarness(t, found(nil))

	r, err := h.svc.Create(context.Background(), "(555) 555-0100")
	require.NoError(t, err)
	assert.Equal(t, "+15555550100", r.PhoneE164)
	assert.Equal(t, model.StatusPending, r.Status)
	assert.NotEmpty(t, r.PhoneFingerprint)

	task := h.claimOne(t)
	assert.Equal(t, model.TaskLookup, task.Type)
	assert.Equal(t, r.ID, task.RecordID)
	assert.Equal(t, 1, task.Attempt)
}

func TestCreate_InvalidPhone(t *testing.T) {
	h := newHarness(t, found(nil))
	_, err := h.svc.Create(context.Background(), "not a phone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fingerprint.ErrInvalidPhone))
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(t, found(map[string]any{
		"carrier":     "Verizon",
		"line_type":   "mobile",
		"caller_name": "ACME PLUMBING",
		"caller_type": "BUSINESS",
	}))
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(ctx, h.claimOne(t)))

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, model.KindBusiness, got.Kind)
	assert.Equal(t, "Verizon", got.Attributes.Carrier)
	assert.Equal(t, 1, got.LookupAttempts)
	assert.NotEmpty(t, got.NameFingerprint)
	assert.Greater(t, got.CompletenessScore, 0.0)

	require.Len(t, h.coord.records, 1)
	assert.Equal(t, r.ID, h.coord.records[0].ID)
	assert.Len(t, h.events.OfType(events.LookupCompleted), 1)

	calls, err := h.store.ListProviderCalls(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, model.OutcomeSuccess, calls[0].Outcome)
}

func TestRun_NotFoundFailsRecord(t *testing.T) {
	h := newHarness(t, func(context.Context, provider.Request) (*provider.Response, error) {
		return nil, resilience.NewProviderError("carrier", resilience.ClassNotFound, 404, "")
	})
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(ctx, h.claimOne(t)))

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "number not found", got.FailureReason)
	assert.Len(t, h.events.OfType(events.LookupFailed), 1)
	assert.Empty(t, h.coord.records)
}

func TestRun_DuplicateDeliveryCallsProviderOnce(t *testing.T) {
	h := newHarness(t, found(map[string]any{"carrier": "AT&T", "caller_type": "consumer"}))
	ctx := context.Background()

	_, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	task := h.claimOne(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.svc.Run(ctx, task))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.invoked.Load())
	assert.Len(t, h.coord.records, 1)
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int64
	h := newHarness(t, func(context.Context, provider.Request) (*provider.Response, error) {
		if calls.Add(1) == 1 {
			return nil, resilience.NewProviderError("carrier", resilience.ClassRateLimited, 429, "")
		}
		return &provider.Response{Found: true, Data: map[string]any{"carrier": "T-Mobile"}}, nil
	})
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	task := h.claimOne(t)

	runErr := h.svc.Run(ctx, task)
	require.Error(t, runErr)
	dec := resilience.LookupRetry.Decide(runErr, task.Attempt)
	require.True(t, dec.Retry)
	h.svc.OnFailure(ctx, task, dec, runErr)

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "rate limit exceeded (attempt 1/3), retrying in")
	assert.Empty(t, h.events.OfType(events.LookupFailed), "non-final failures emit nothing")

	// A late duplicate of attempt 1 must not reclaim the record.
	require.NoError(t, h.svc.Run(ctx, task))
	assert.Equal(t, int64(1), calls.Load())

	retry := task
	retry.Attempt = 2
	require.NoError(t, h.svc.Run(ctx, retry))

	got = h.record(t, r.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.LookupAttempts)
	assert.Empty(t, got.FailureReason)
}

func TestOnFailure_Exhausted(t *testing.T) {
	h := newHarness(t, func(context.Context, provider.Request) (*provider.Response, error) {
		return nil, resilience.NewProviderError("carrier", resilience.ClassNetwork, 503, "")
	})
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	task := h.claimOne(t)
	task.Attempt = 3

	runErr := h.svc.Run(ctx, task)
	require.Error(t, runErr)
	dec := resilience.LookupRetry.Decide(runErr, task.Attempt)
	require.False(t, dec.Retry)
	h.svc.OnFailure(ctx, task, dec, runErr)

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "giving up after 3 attempts")
	assert.Len(t, h.events.OfType(events.LookupFailed), 1)
}

func TestOnFailure_AuthErrorIsTerminal(t *testing.T) {
	h := newHarness(t, func(context.Context, provider.Request) (*provider.Response, error) {
		return nil, resilience.NewProviderError("carrier", resilience.ClassAuth, 401, "bad key")
	})
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	task := h.claimOne(t)

	runErr := h.svc.Run(ctx, task)
	dec := h.svc.Descriptor().Retry.Decide(runErr, task.Attempt)
	assert.False(t, dec.Retry)
	h.svc.OnFailure(ctx, task, dec, runErr)

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "authentication failed")
}

// lockedRecords fails the next n record updates the way a busy database does.
type lockedRecords struct {
	store.RecordStore
	n int
}

func (l *lockedRecords) UpdateRecord(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error) {
	if l.n > 0 {
		l.n--
		return nil, errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	return l.RecordStore.UpdateRecord(ctx, id, fn)
}

func TestRun_ClaimStoreErrorIsRetried(t *testing.T) {
	h := newHarness(t, found(map[string]any{"carrier": "Verizon"}))
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	h.svc.records = &lockedRecords{RecordStore: h.store, n: 1}
	task := h.claimOne(t)

	runErr := h.svc.Run(ctx, task)
	require.Error(t, runErr)
	dec := h.svc.Descriptor().Retry.Decide(runErr, task.Attempt)
	assert.True(t, dec.Retry, dec.Reason)
	h.svc.OnFailure(ctx, task, dec, runErr)

	assert.Equal(t, model.StatusPending, h.record(t, r.ID).Status)
	assert.Zero(t, h.invoked.Load())

	task.Attempt++
	require.NoError(t, h.svc.Run(ctx, task))
	assert.Equal(t, model.StatusCompleted, h.record(t, r.ID).Status)
}

func TestOnFailure_ExhaustedBeforeClaimFailsRecord(t *testing.T) {
	h := newHarness(t, found(nil))
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	h.svc.records = &lockedRecords{RecordStore: h.store, n: 1}
	task := h.claimOne(t)
	task.Attempt = 3

	runErr := h.svc.Run(ctx, task)
	require.Error(t, runErr)
	dec := h.svc.Descriptor().Retry.Decide(runErr, task.Attempt)
	require.False(t, dec.Retry)
	h.svc.OnFailure(ctx, task, dec, runErr)

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "giving up after 3 attempts")
	assert.Contains(t, got.FailureReason, "claim record")
	assert.Len(t, h.events.OfType(events.LookupFailed), 1)
}

func TestRun_CircuitOpenDefersWithoutClaiming(t *testing.T) {
	h := newHarness(t, found(map[string]any{"carrier": "x"}))
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	require.NoError(t, h.breakers.Get("carrier").ForceOpen(ctx))

	runErr := h.svc.Run(ctx, h.claimOne(t))
	de, ok := queue.AsDefer(runErr)
	require.True(t, ok)
	assert.True(t, de.Until.After(time.Now()))
	assert.Zero(t, h.invoked.Load())

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.LookupAttempts)
}

type openAfterClaimCaller struct {
	open bool
	next provider.Response
}

func (c *openAfterClaimCaller) Allowing(context.Context, string) (bool, time.Time) {
	return true, time.Time{}
}

func (c *openAfterClaimCaller) Call(context.Context, string, provider.Request) (*provider.Response, error) {
	if c.open {
		return &provider.Response{CircuitOpen: true, RetryAt: time.Now().Add(time.Minute)}, nil
	}
	resp := c.next
	return &resp, nil
}

func TestRun_CircuitOpensAfterClaim(t *testing.T) {
	h := newHarness(t, found(nil))
	ctx := context.Background()
	caller := &openAfterClaimCaller{open: true}
	h.svc.caller = caller

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	task := h.claimOne(t)

	_, ok := queue.AsDefer(h.svc.Run(ctx, task))
	require.True(t, ok)

	got := h.record(t, r.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "circuit open for carrier")
	assert.Zero(t, got.LookupAttempts, "attempt is handed back")

	// The deferred task runs again at the same attempt and can reclaim.
	caller.open = false
	caller.next = provider.Response{Found: true, Data: map[string]any{"carrier": "Verizon"}}
	require.NoError(t, h.svc.Run(ctx, task))
	assert.Equal(t, model.StatusCompleted, h.record(t, r.ID).Status)
}

func TestForceRetry(t *testing.T) {
	h := newHarness(t, func(context.Context, provider.Request) (*provider.Response, error) {
		return nil, resilience.NewProviderError("carrier", resilience.ClassNotFound, 404, "")
	})
	ctx := context.Background()

	r, err := h.svc.Create(ctx, "5555550100")
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(ctx, h.claimOne(t)))
	require.Equal(t, model.StatusFailed, h.record(t, r.ID).Status)

	retried, err := h.svc.ForceRetry(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, retried.Status)
	assert.Zero(t, retried.LookupAttempts)
	assert.Empty(t, retried.FailureReason)

	task := h.claimOne(t)
	assert.Equal(t, r.ID, task.RecordID)

	_, err = h.svc.ForceRetry(ctx, r.ID)
	assert.True(t, errors.Is(err, ErrNotRetryable), "pending records cannot be force-retried")

	_, err = h.svc.ForceRetry(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, model.KindBusiness, classify(map[string]any{"caller_type": "BUSINESS"}))
	assert.Equal(t, model.KindConsumer, classify(map[string]any{"caller_type": " consumer "}))
	assert.Equal(t, model.KindUnknown, classify(map[string]any{"caller_type": 7}))
	assert.Equal(t, model.KindUnknown, classify(nil))
}

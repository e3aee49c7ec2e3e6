package enrich

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

type harness struct {
	store    *store.SQLiteStore
	queue    *recordingQueue
	enricher *Enricher
	breakers *resilience.ServiceBreakers
	events   *events.Memory
	calls    map[string]*atomic.Int64
}

func newHarness(t *testing.T, invokers map[string]provider.InvokerFunc) *harness {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "enrich.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	breakers := resilience.NewServiceBreakers(resilience.NewMemoryStateStore(),
		resilience.CircuitBreakerConfig{FailureThreshold: 5, CoolOff: time.Minute}, nil)
	caller := provider.NewCaller(breakers, s, nil)

	calls := map[string]*atomic.Int64{}
	for name, inv := range invokers {
		n := &atomic.Int64{}
		calls[name] = n
		caller.Register(name, provider.InvokerFunc(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			n.Add(1)
			return inv(ctx, req)
		}), 0, 0)
	}

	q := &recordingQueue{}
	cfg := allEnabled()
	e := NewEnricher(s, q, caller, NewCoordinator(q, cfg), fingerprint.New("1"), Config{EnrichmentConfig: cfg})
	pub := &events.Memory{}
	e.SetPublisher(pub)

	return &harness{store: s, queue: q, enricher: e, breakers: breakers, events: pub, calls: calls}
}

func (h *harness) seed(t *testing.T, r *model.Record) {
	t.Helper()
	require.NoError(t, h.store.CreateRecord(context.Background(), r))
}

func (h *harness) get(t *testing.T, id string) *model.Record {
	t.Helper()
	r, err := h.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func data(d map[string]any) provider.InvokerFunc {
	return func(context.Context, provider.Request) (*provider.Response, error) {
		return &provider.Response{Found: true, Data: d}, nil
	}
}

func enrichTask(d model.Domain) model.Task {
	return model.Task{ID: "t1", Type: model.EnrichTask(d), RecordID: "r1", Attempt: 1}
}

func TestRun_BusinessEnrichedSchedulesFollowups(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"business": data(map[string]any{"business_name": "Acme Plumbing", "industry": "Plumbing", "email": "ignored@acme.test"}),
	})
	h.seed(t, completed(model.KindBusiness))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainBusiness)))

	got := h.get(t, "r1")
	assert.True(t, got.Enriched(model.DomainBusiness))
	assert.Equal(t, "business", got.Enrichment(model.DomainBusiness).Provider)
	assert.Equal(t, "Acme Plumbing", got.Attributes.BusinessName)
	assert.Empty(t, got.Attributes.Email, "business enrichment only writes its own fields")
	assert.NotEmpty(t, got.NameFingerprint)

	assert.Equal(t, []string{"enrich:email", "enrich:trust"}, h.queue.types())
	assert.Len(t, h.events.OfType(events.DomainEnriched), 1)
}

func TestRun_AddressSchedulesCoverageAndDedupe(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"address": data(map[string]any{"street": "1 Main St", "city": "Austin", "state": "TX", "postal_code": "78701"}),
	})
	h.seed(t, completed(model.KindConsumer))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainAddress)))

	got := h.get(t, "r1")
	assert.True(t, got.Enriched(model.DomainAddress))
	assert.Equal(t, "Austin", got.Attributes.City)
	assert.Equal(t, []string{"dedupe", "enrich:coverage"}, h.queue.types())
}

func TestRun_EmailSchedulesDedupe(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"email": data(map[string]any{"email": "owner@acme.test"}),
	})
	h.seed(t, completed(model.KindBusiness, model.DomainBusiness))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainEmail)))

	got := h.get(t, "r1")
	assert.True(t, got.Enriched(model.DomainEmail))
	assert.NotEmpty(t, got.EmailFingerprint)
	assert.Equal(t, []string{"dedupe"}, h.queue.types())
}

func TestRun_NoDataStaysReEnrichable(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"business": func(context.Context, provider.Request) (*provider.Response, error) {
			return nil, resilience.NewProviderError("business", resilience.ClassNotFound, 404, "")
		},
	})
	h.seed(t, completed(model.KindBusiness))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainBusiness)))

	got := h.get(t, "r1")
	assert.False(t, got.Enriched(model.DomainBusiness))
	assert.Equal(t, 1, got.Enrichment(model.DomainBusiness).EmptyAttempts)
	assert.True(t, h.enricher.Coordinator().Applies(got, model.DomainBusiness))
	assert.Empty(t, h.queue.types())
	assert.Empty(t, h.events.Events())
}

func TestRun_IrrelevantPayloadCountsAsEmpty(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"business": data(map[string]any{"email": "x@y.test"}),
	})
	h.seed(t, completed(model.KindBusiness))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainBusiness)))
	got := h.get(t, "r1")
	assert.False(t, got.Enriched(model.DomainBusiness))
	assert.Equal(t, 1, got.Enrichment(model.DomainBusiness).EmptyAttempts)
}

func TestRun_AlreadyEnrichedIsNoop(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"business": data(map[string]any{"business_name": "New Name"}),
	})
	r := completed(model.KindBusiness, model.DomainBusiness)
	r.Attributes.BusinessName = "Original"
	h.seed(t, r)

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainBusiness)))
	assert.Zero(t, h.calls["business"].Load())
	assert.Equal(t, "Original", h.get(t, "r1").Attributes.BusinessName)
}

func TestRun_PreconditionsRechecked(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"address": data(map[string]any{"city": "Austin"}),
	})
	// Address applies to consumers only.
	h.seed(t, completed(model.KindBusiness))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainAddress)))
	assert.Zero(t, h.calls["address"].Load())
}

func TestRun_MissingRecord(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{"business": data(nil)})
	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainBusiness)))
	assert.Zero(t, h.calls["business"].Load())
}

func TestRun_CircuitOpenSkipsDomain(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"trust": data(map[string]any{"trust_status": "approved"}),
	})
	h.seed(t, completed(model.KindBusiness, model.DomainBusiness))
	require.NoError(t, h.breakers.Get("trust").ForceOpen(context.Background()))

	require.NoError(t, h.enricher.Run(context.Background(), enrichTask(model.DomainTrust)))

	assert.Zero(t, h.calls["trust"].Load())
	got := h.get(t, "r1")
	assert.Equal(t, model.StatusCompleted, got.Status, "record is not failed")
	assert.False(t, got.Enriched(model.DomainTrust))
	assert.Contains(t, got.Enrichment(model.DomainTrust).LastError, "circuit open for trust")
}

func TestRun_ProviderErrorPropagatesAndOnFailureRecords(t *testing.T) {
	h := newHarness(t, map[string]provider.InvokerFunc{
		"coverage": func(context.Context, provider.Request) (*provider.Response, error) {
			return nil, resilience.NewProviderError("coverage", resilience.ClassRateLimited, 429, "")
		},
	})
	h.seed(t, completed(model.KindConsumer, model.DomainAddress))
	task := enrichTask(model.DomainCoverage)

	err := h.enricher.Run(context.Background(), task)
	require.Error(t, err)

	var policy resilience.RetryPolicy
	for _, d := range h.enricher.Descriptors() {
		if d.Type == task.Type {
			policy = d.Retry
		}
	}
	require.Equal(t, 2, policy.MaxAttempts, "coverage is low priority")

	dec := policy.Decide(err, 1)
	require.True(t, dec.Retry)
	h.enricher.OnFailure(context.Background(), task, dec, err)
	assert.Empty(t, h.get(t, "r1").Enrichment(model.DomainCoverage).LastError, "retries leave no mark")

	dec = policy.Decide(err, 2)
	require.False(t, dec.Retry)
	h.enricher.OnFailure(context.Background(), task, dec, err)

	got := h.get(t, "r1")
	assert.Contains(t, got.Enrichment(model.DomainCoverage).LastError, "giving up after 2 attempts")
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestRun_UnknownTaskType(t *testing.T) {
	h := newHarness(t, nil)
	err := h.enricher.Run(context.Background(), model.Task{Type: "enrich:weather", RecordID: "r1"})
	assert.Error(t, err)
}

func TestDescriptors(t *testing.T) {
	h := newHarness(t, nil)
	descs := h.enricher.Descriptors()
	require.Len(t, descs, len(model.Domains))

	caps := map[model.TaskType]int{}
	for _, d := range descs {
		caps[d.Type] = d.Retry.MaxAttempts
		assert.NotNil(t, d.Handle)
		assert.NotNil(t, d.OnFailure)
	}
	assert.Equal(t, 3, caps[model.EnrichTask(model.DomainBusiness)])
	assert.Equal(t, 3, caps[model.EnrichTask(model.DomainEmail)])
	assert.Equal(t, 3, caps[model.EnrichTask(model.DomainAddress)])
	assert.Equal(t, 2, caps[model.EnrichTask(model.DomainTrust)])
	assert.Equal(t, 2, caps[model.EnrichTask(model.DomainCoverage)])
}

func TestParams(t *testing.T) {
	r := completed(model.KindConsumer)
	r.Attributes.CallerName = "JANE DOE"
	r.Attributes.City = "Austin"
	r.Attributes.BusinessName = "Acme"

	assert.Equal(t, map[string]any{"caller_name": "JANE DOE", "city": "Austin"}, params(model.DomainCoverage, r))
	assert.Equal(t, map[string]any{"caller_name": "JANE DOE", "business_name": "Acme"}, params(model.DomainEmail, r))
	assert.Equal(t, map[string]any{"caller_name": "JANE DOE"}, params(model.DomainBusiness, r))
}

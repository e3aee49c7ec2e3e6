package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/config"
	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Caller is the provider surface enrichment uses.
type Caller interface {
	Call(ctx context.Context, recordID string, req provider.Request) (*provider.Response, error)
}

// Config configures domain task execution.
type Config struct {
	config.EnrichmentConfig

	// Retry applies to normal domains, LowPriorityRetry to domains flagged
	// low_priority.
	Retry            resilience.RetryPolicy
	LowPriorityRetry resilience.RetryPolicy
}

// Enricher runs enrichment domain tasks.
type Enricher struct {
	records   store.RecordStore
	queue     queue.Enqueuer
	caller    Caller
	coord     *Coordinator
	fp        model.Fingerprinter
	publisher events.Publisher
	cfg       Config

	nowFunc func() time.Time
}

// NewEnricher creates an Enricher.
func NewEnricher(records store.RecordStore, q queue.Enqueuer, caller Caller, coord *Coordinator, fp model.Fingerprinter, cfg Config) *Enricher {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.LookupRetry
	}
	if cfg.LowPriorityRetry.MaxAttempts == 0 {
		cfg.LowPriorityRetry = resilience.LowPriorityRetry
	}
	if coord == nil {
		coord = NewCoordinator(q, cfg.EnrichmentConfig)
	}
	return &Enricher{
		records:   records,
		queue:     q,
		caller:    caller,
		coord:     coord,
		fp:        fp,
		publisher: events.Nop{},
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// SetPublisher attaches a lifecycle event publisher.
func (e *Enricher) SetPublisher(p events.Publisher) { e.publisher = p }

// Coordinator returns the coordinator used for follow-up scheduling.
func (e *Enricher) Coordinator() *Coordinator { return e.coord }

// Descriptors returns one queue descriptor per enrichment domain.
func (e *Enricher) Descriptors() []queue.Descriptor {
	out := make([]queue.Descriptor, 0, len(model.Domains))
	for _, d := range model.Domains {
		policy := e.cfg.Retry
		if e.cfg.Domain(d).LowPriority {
			policy = e.cfg.LowPriorityRetry
		}
		out = append(out, queue.Descriptor{
			Type:      model.EnrichTask(d),
			Handle:    e.Run,
			Retry:     policy,
			OnFailure: e.OnFailure,
		})
	}
	return out
}

func (e *Enricher) now() time.Time { return e.nowFunc().UTC() }

// Run executes one enrichment task. Re-running it on an enriched record is
// a no-op.
func (e *Enricher) Run(ctx context.Context, task model.Task) error {
	d, ok := task.Type.Domain()
	if !ok {
		return eris.Errorf("enrich: unknown task type %q", task.Type)
	}
	log := zap.L().With(
		zap.String("record_id", task.RecordID),
		zap.String("domain", string(d)),
		zap.Int("attempt", task.Attempt),
	)

	r, err := e.records.GetRecord(ctx, task.RecordID)
	if err != nil {
		return eris.Wrap(err, "enrich: load record")
	}
	if !e.coord.Applies(r, d) {
		log.Debug("enrich: preconditions no longer hold, skipping")
		return nil
	}

	providerName := e.cfg.Domain(d).Provider
	resp, err := e.caller.Call(ctx, r.ID, provider.Request{
		Provider:  providerName,
		Operation: string(d),
		Phone:     r.PhoneE164,
		Params:    params(d, r),
	})
	if err != nil {
		return err
	}

	if resp.CircuitOpen {
		// Degraded: the domain is skipped and stays re-enrichable.
		cause := fmt.Sprintf("circuit open for %s, skipped", providerName)
		if _, err := e.update(ctx, r.ID, d, func(cur *model.Record, now time.Time) bool {
			cur.RecordEnrichmentError(d, cause, now)
			return false
		}); err != nil && !errors.Is(err, store.ErrNoChange) {
			log.Error("enrich: record skip", zap.Error(err))
		}
		log.Info("enrich: circuit open, domain skipped", zap.Time("retry_at", resp.RetryAt))
		return nil
	}

	updated, err := e.update(ctx, r.ID, d, func(cur *model.Record, now time.Time) bool {
		if resp.Found && cur.Attributes.ApplyDomain(d, resp.Data) {
			cur.MarkEnriched(d, providerName, now)
			return true
		}
		cur.RecordEmpty(d, now)
		return false
	})
	if errors.Is(err, store.ErrNoChange) {
		log.Debug("enrich: already enriched by a concurrent task")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "enrich: save result")
	}

	if !updated.Enriched(d) {
		log.Info("enrich: no data found",
			zap.Int("empty_attempts", updated.Enrichment(d).EmptyAttempts))
		return nil
	}

	log.Info("enrich: domain enriched", zap.String("provider", providerName))
	events.Emit(ctx, e.publisher, events.Event{
		Type:     events.DomainEnriched,
		RecordID: updated.ID,
		Data:     map[string]any{"domain": d, "provider": providerName},
	})

	e.coord.Followups(ctx, updated, d)
	if d == model.DomainEmail || d == model.DomainAddress {
		if err := queue.Enqueue(ctx, e.queue, model.TaskDedupe, updated.ID, time.Time{}); err != nil {
			log.Error("enrich: schedule dedupe", zap.Error(err))
		}
	}
	return nil
}

// OnFailure stores the cause once a domain task has given up. The record's
// lookup status is untouched.
func (e *Enricher) OnFailure(ctx context.Context, task model.Task, dec resilience.Decision, _ error) {
	if dec.Retry {
		return
	}
	d, ok := task.Type.Domain()
	if !ok {
		return
	}
	_, err := e.update(ctx, task.RecordID, d, func(cur *model.Record, now time.Time) bool {
		cur.RecordEnrichmentError(d, dec.Reason, now)
		return false
	})
	if err != nil && !errors.Is(err, store.ErrNoChange) {
		zap.L().Error("enrich: record failure",
			zap.String("record_id", task.RecordID),
			zap.String("domain", string(d)),
			zap.Error(err),
		)
		return
	}
	zap.L().Warn("enrich: domain failed",
		zap.String("record_id", task.RecordID),
		zap.String("domain", string(d)),
		zap.String("cause", dec.Reason),
	)
}

// update applies fn to the locked record unless d is already enriched.
func (e *Enricher) update(ctx context.Context, id string, d model.Domain, fn func(cur *model.Record, now time.Time) bool) (*model.Record, error) {
	return e.records.UpdateRecord(ctx, id, func(cur *model.Record) error {
		if cur.Enriched(d) {
			return store.ErrNoChange
		}
		now := e.now()
		if fn(cur, now) {
			cur.Refresh(e.fp, now)
		} else {
			cur.UpdatedAt = now
		}
		return nil
	})
}

// params returns the record attributes a domain provider can match on.
func params(d model.Domain, r *model.Record) map[string]any {
	a := r.Attributes
	p := map[string]any{}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}
	set("caller_name", a.CallerName)
	switch d {
	case model.DomainEmail, model.DomainTrust:
		set("business_name", a.BusinessName)
		set("website", a.Website)
	case model.DomainCoverage:
		set("street", a.Street)
		set("city", a.City)
		set("state", a.State)
		set("postal_code", a.PostalCode)
	}
	return p
}

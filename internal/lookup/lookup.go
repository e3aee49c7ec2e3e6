// Package lookup drives a record through its primary carrier lookup:
// pending -> processing -> completed | failed.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/provider"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// ErrNotRetryable is returned by ForceRetry for records that are not failed.
var ErrNotRetryable = eris.New("lookup: only failed records can be retried")

// ErrRecordNotFound is returned when the record id does not exist.
var ErrRecordNotFound = eris.New("lookup: record not found")

// Caller is the provider surface the lookup uses. *provider.Caller
// implements it.
type Caller interface {
	Call(ctx context.Context, recordID string, req provider.Request) (*provider.Response, error)
	Allowing(ctx context.Context, provider string) (bool, time.Time)
}

// Coordinator schedules enrichment once a lookup completes.
type Coordinator interface {
	Coordinate(ctx context.Context, r *model.Record) []model.Task
}

// Config configures the lookup service.
type Config struct {
	Provider string
	Retry    resilience.RetryPolicy
}

// Service runs lookups.
type Service struct {
	records     store.RecordStore
	queue       queue.Enqueuer
	caller      Caller
	fp          *fingerprint.Generator
	coordinator Coordinator
	publisher   events.Publisher
	cfg         Config

	nowFunc func() time.Time
}

// New creates a lookup Service.
func New(records store.RecordStore, q queue.Enqueuer, caller Caller, fp *fingerprint.Generator, cfg Config) *Service {
	if cfg.Provider == "" {
		cfg.Provider = "carrier"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.LookupRetry
	}
	if fp == nil {
		fp = fingerprint.New("1")
	}
	return &Service{
		records:   records,
		queue:     q,
		caller:    caller,
		fp:        fp,
		cfg:       cfg,
		publisher: events.Nop{},
		nowFunc:   time.Now,
	}
}

// SetCoordinator attaches the enrichment coordinator.
func (s *Service) SetCoordinator(c Coordinator) { s.coordinator = c }

// SetPublisher attaches a lifecycle event publisher.
func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// Descriptor returns the queue descriptor for lookup tasks. Only classified
// provider errors can end a lookup early; store and other infrastructure
// errors are retried until the attempt cap.
func (s *Service) Descriptor() queue.Descriptor {
	retry := s.cfg.Retry
	retry.IsTerminal = isTerminal
	return queue.Descriptor{
		Type:      model.TaskLookup,
		Handle:    s.Run,
		Retry:     retry,
		OnFailure: s.OnFailure,
	}
}

func isTerminal(err error) bool {
	var pe *resilience.ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return resilience.IsTerminalDefault(err)
}

func (s *Service) now() time.Time { return s.nowFunc().UTC() }

// Create normalises phone, stores a pending record and schedules its lookup.
func (s *Service) Create(ctx context.Context, phone string) (*model.Record, error) {
	e164, phoneFP, err := s.fp.Phone(phone)
	if err != nil {
		return nil, eris.Wrapf(err, "lookup: create %q", phone)
	}

	now := s.now()
	r := model.NewRecord(uuid.New().String(), phone, e164, now)
	r.PhoneFingerprint = phoneFP
	r.Refresh(s.fp, now)

	if err := s.records.CreateRecord(ctx, r); err != nil {
		return nil, eris.Wrap(err, "lookup: create record")
	}

	if err := queue.Enqueue(ctx, s.queue, model.TaskLookup, r.ID, time.Time{}); err != nil {
		zap.L().Error("lookup: enqueue lookup", zap.String("record_id", r.ID), zap.Error(err))
	}
	zap.L().Info("lookup: record created", zap.String("record_id", r.ID))
	return r, nil
}

// Run executes one lookup task.
func (s *Service) Run(ctx context.Context, task model.Task) error {
	log := zap.L().With(
		zap.String("record_id", task.RecordID),
		zap.Int("attempt", task.Attempt),
	)

	if ok, retryAt := s.caller.Allowing(ctx, s.cfg.Provider); !ok {
		log.Info("lookup: circuit open, deferring", zap.Time("retry_at", retryAt))
		return queue.Defer(retryAt, fmt.Sprintf("circuit open for %s", s.cfg.Provider))
	}

	claimed, err := s.records.UpdateRecord(ctx, task.RecordID, func(r *model.Record) error {
		if !claimable(r, task.Attempt) {
			return store.ErrNoChange
		}
		r.Status = model.StatusProcessing
		r.LookupAttempts++
		r.FailureReason = ""
		r.UpdatedAt = s.now()
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNoChange):
		log.Debug("lookup: record not claimable, skipping")
		return nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn("lookup: record missing, skipping")
		return nil
	case err != nil:
		return eris.Wrap(err, "lookup: claim record")
	}

	resp, err := s.caller.Call(ctx, claimed.ID, provider.Request{
		Provider:  s.cfg.Provider,
		Operation: "lookup",
		Phone:     claimed.PhoneE164,
	})
	if err != nil {
		return err
	}

	if resp.CircuitOpen {
		// The provider was never reached, so the attempt is handed back.
		cause := fmt.Sprintf("circuit open for %s, retrying at %s", s.cfg.Provider, resp.RetryAt.Format(time.RFC3339))
		if _, uErr := s.records.UpdateRecord(ctx, claimed.ID, func(r *model.Record) error {
			if r.Status != model.StatusProcessing {
				return store.ErrNoChange
			}
			r.Status = model.StatusFailed
			r.FailureReason = cause
			r.LookupAttempts--
			r.UpdatedAt = s.now()
			return nil
		}); uErr != nil && !errors.Is(uErr, store.ErrNoChange) {
			return eris.Wrap(uErr, "lookup: release claim")
		}
		return queue.Defer(resp.RetryAt, cause)
	}

	if !resp.Found {
		s.fail(ctx, log, claimed.ID, "number not found", true)
		return nil
	}

	updated, err := s.records.UpdateRecord(ctx, claimed.ID, func(r *model.Record) error {
		if r.Status != model.StatusProcessing {
			return store.ErrNoChange
		}
		now := s.now()
		r.Attributes.ApplyLookup(resp.Data)
		r.Kind = classify(resp.Data)
		r.Status = model.StatusCompleted
		r.FailureReason = ""
		r.Refresh(s.fp, now)
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		log.Warn("lookup: record left processing before result was saved")
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "lookup: save result")
	}

	log.Info("lookup: completed", zap.String("kind", string(updated.Kind)))
	events.Emit(ctx, s.publisher, events.Event{
		Type:     events.LookupCompleted,
		RecordID: updated.ID,
		Data:     map[string]any{"kind": updated.Kind, "carrier": updated.Attributes.Carrier},
	})

	if s.coordinator != nil {
		s.coordinator.Coordinate(ctx, updated)
	}
	return nil
}

// OnFailure records the cause of a failed lookup attempt on the record.
func (s *Service) OnFailure(ctx context.Context, task model.Task, d resilience.Decision, _ error) {
	log := zap.L().With(zap.String("record_id", task.RecordID), zap.Int("attempt", task.Attempt))
	s.fail(ctx, log, task.RecordID, d.Reason, !d.Retry)
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, id, cause string, final bool) {
	if final {
		// A record whose last attempt died before the claim is still
		// pending. Walk it through processing so it can end up failed.
		_, err := s.records.UpdateRecord(ctx, id, func(r *model.Record) error {
			if r.Status != model.StatusPending {
				return store.ErrNoChange
			}
			r.Status = model.StatusProcessing
			r.UpdatedAt = s.now()
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrNoChange) {
			log.Error("lookup: claim for failure", zap.Error(err))
			return
		}
	}

	_, err := s.records.UpdateRecord(ctx, id, func(r *model.Record) error {
		if r.Status != model.StatusProcessing {
			return store.ErrNoChange
		}
		r.Status = model.StatusFailed
		r.FailureReason = cause
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNoChange) {
			log.Error("lookup: mark failed", zap.Error(err))
		}
		return
	}
	log.Warn("lookup: failed", zap.String("cause", cause), zap.Bool("final", final))
	if final {
		events.Emit(ctx, s.publisher, events.Event{
			Type:     events.LookupFailed,
			RecordID: id,
			Data:     map[string]any{"cause": cause},
		})
	}
}

// ForceRetry moves a failed record back to pending and schedules a fresh
// lookup.
func (s *Service) ForceRetry(ctx context.Context, id string) (*model.Record, error) {
	r, err := s.records.UpdateRecord(ctx, id, func(r *model.Record) error {
		if r.Status != model.StatusFailed {
			return eris.Wrapf(ErrNotRetryable, "record %s is %s", r.ID, r.Status)
		}
		r.Status = model.StatusPending
		r.LookupAttempts = 0
		r.FailureReason = ""
		r.UpdatedAt = s.now()
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrRecordNotFound, "%s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := queue.Enqueue(ctx, s.queue, model.TaskLookup, r.ID, time.Time{}); err != nil {
		return r, eris.Wrap(err, "lookup: enqueue retry")
	}
	zap.L().Info("lookup: record force-retried", zap.String("record_id", r.ID))
	return r, nil
}

// claimable reports whether a lookup task at attempt may take the record.
// A failed record is only reclaimed by the retry of the attempt that failed.
func claimable(r *model.Record, attempt int) bool {
	switch r.Status {
	case model.StatusPending:
		return true
	case model.StatusFailed:
		return r.LookupAttempts < attempt
	}
	return false
}

// classify derives the record kind from carrier data.
func classify(data map[string]any) model.RecordKind {
	v, _ := data["caller_type"].(string)
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "business":
		return model.KindBusiness
	case "consumer":
		return model.KindConsumer
	}
	return model.KindUnknown
}

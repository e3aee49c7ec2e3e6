// Package webhook ingests provider callbacks idempotently and applies them
// to records asynchronously.
//
// Ingestion verifies authenticity, stores the payload once per idempotency
// key and schedules processing only for newly created rows. Processing runs
// on the worker and commits the record change and the processed mark in one
// transaction.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

var (
	ErrUnknownSource    = eris.New("webhook: unknown source")
	ErrInvalidSignature = eris.New("webhook: invalid signature")
	ErrMalformedPayload = eris.New("webhook: malformed payload")
	ErrUnauthorized     = eris.New("webhook: unauthorized")
)

// Ingest results reported to the observer.
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultProcessed = "processed"
	ResultFailed    = "failed"
)

// Observer counts webhook outcomes. monitoring.Metrics implements it.
type Observer interface {
	ObserveWebhook(source, result string)
}

// Result is the outcome of a successful ingest.
type Result struct {
	WebhookID string              `json:"webhook_id"`
	Created   bool                `json:"created"`
	Requeued  bool                `json:"requeued,omitempty"`
	Status    model.WebhookStatus `json:"status"`
}

// GenericEvent is the body of the bearer-authenticated endpoint.
type GenericEvent struct {
	Source     string          `json:"source"`
	EventType  string          `json:"event_type"`
	ExternalID string          `json:"external_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Config configures verification and retries.
type Config struct {
	// Secrets maps a source to its HMAC signing secret.
	Secrets      map[string]string
	GenericToken string
	// MaxRetries bounds processing attempts before a webhook is left failed.
	MaxRetries int
}

// Service ingests and processes webhooks.
type Service struct {
	webhooks  store.WebhookStore
	records   store.RecordStore
	queue     queue.Enqueuer
	sources   map[string]Source
	publisher events.Publisher
	observer  Observer
	cfg       Config

	nowFunc func() time.Time
}

// New creates a Service with the given sources registered.
func New(webhooks store.WebhookStore, records store.RecordStore, q queue.Enqueuer, cfg Config, sources ...Source) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = resilience.WebhookRetry.MaxAttempts
	}
	s := &Service{
		webhooks:  webhooks,
		records:   records,
		queue:     q,
		sources:   make(map[string]Source, len(sources)),
		publisher: events.Nop{},
		cfg:       cfg,
		nowFunc:   time.Now,
	}
	for _, src := range sources {
		s.sources[src.Name] = src
	}
	return s
}

// SetPublisher attaches a lifecycle event publisher.
func (s *Service) SetPublisher(p events.Publisher) { s.publisher = p }

// SetObserver attaches a webhook outcome observer.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// Sources returns the names of sources with a signing secret, sorted.
func (s *Service) Sources() []string {
	out := make([]string, 0, len(s.cfg.Secrets))
	for name := range s.cfg.Secrets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Descriptor returns the queue descriptor for webhook processing tasks.
func (s *Service) Descriptor() queue.Descriptor {
	return queue.Descriptor{
		Type:      model.TaskWebhook,
		Handle:    s.Process,
		Retry:     resilience.FromRetryPolicy(resilience.WebhookRetry, s.cfg.MaxRetries),
		OnFailure: s.OnFailure,
	}
}

func (s *Service) observe(source, result string) {
	if s.observer != nil {
		s.observer.ObserveWebhook(source, result)
	}
}

// Ingest verifies and stores a signed provider callback. eventType may be
// empty, in which case the source derives it from the payload.
func (s *Service) Ingest(ctx context.Context, source, eventType string, body []byte, signature string) (*Result, error) {
	secret, ok := s.cfg.Secrets[source]
	if !ok {
		s.observe(source, ResultRejected)
		return nil, eris.Wrapf(ErrUnknownSource, "%q", source)
	}
	if !Verify(secret, body, signature) {
		s.observe(source, ResultRejected)
		zap.L().Warn("webhook: signature mismatch", zap.String("source", source))
		return nil, eris.Wrapf(ErrInvalidSignature, "%s", source)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		s.observe(source, ResultRejected)
		return nil, eris.Wrapf(ErrMalformedPayload, "%s: expected a JSON object", source)
	}

	w := &model.InboundWebhook{
		Source:    source,
		EventType: eventType,
		Payload:   json.RawMessage(body),
	}
	keyID := ""
	if src, ok := s.sources[source]; ok {
		if src.ExternalID != nil {
			w.ExternalID = src.ExternalID(payload)
			keyID = w.ExternalID
		}
		if keyID != "" && src.Variant != nil {
			if v := src.Variant(payload); v != "" {
				keyID += ":" + v
			}
		}
		if w.EventType == "" && src.EventType != nil {
			w.EventType = src.EventType(payload)
		}
	}
	if w.EventType == "" {
		w.EventType = "unknown"
	}
	w.IdempotencyKey = IdempotencyKey(source, keyID, body)
	return s.accept(ctx, w)
}

// IngestGeneric stores an event from the bearer-authenticated endpoint.
func (s *Service) IngestGeneric(ctx context.Context, token string, ev GenericEvent) (*Result, error) {
	if !tokenEqual(s.cfg.GenericToken, token) {
		s.observe(ev.Source, ResultRejected)
		return nil, ErrUnauthorized
	}
	if ev.Source == "" || ev.EventType == "" {
		s.observe(ev.Source, ResultRejected)
		return nil, eris.Wrap(ErrMalformedPayload, "source and event_type are required")
	}
	if len(ev.Payload) == 0 || !json.Valid(ev.Payload) {
		s.observe(ev.Source, ResultRejected)
		return nil, eris.Wrap(ErrMalformedPayload, "payload must be valid JSON")
	}

	w := &model.InboundWebhook{
		Source:         ev.Source,
		EventType:      ev.EventType,
		ExternalID:     ev.ExternalID,
		Payload:        ev.Payload,
		IdempotencyKey: IdempotencyKey(ev.Source, ev.ExternalID, ev.Payload),
	}
	return s.accept(ctx, w)
}

// accept inserts w and schedules processing for new rows. A redelivery of a
// row that failed earlier is requeued while retries remain.
func (s *Service) accept(ctx context.Context, w *model.InboundWebhook) (*Result, error) {
	log := zap.L().With(
		zap.String("source", w.Source),
		zap.String("event_type", w.EventType),
		zap.String("external_id", w.ExternalID),
	)

	w.CreatedAt = s.nowFunc().UTC()
	created, err := s.webhooks.InsertWebhook(ctx, w)
	if err != nil {
		return nil, eris.Wrap(err, "webhook: store")
	}
	res := &Result{WebhookID: w.ID, Created: created, Status: w.Status}

	if !created {
		if w.Status != model.WebhookFailed {
			log.Info("webhook: duplicate ignored", zap.String("webhook_id", w.ID))
			s.observe(w.Source, ResultDuplicate)
			return res, nil
		}
		existing, err := s.webhooks.GetWebhook(ctx, w.ID)
		if err != nil {
			return nil, eris.Wrap(err, "webhook: load duplicate")
		}
		if existing == nil || existing.RetryCount >= s.cfg.MaxRetries {
			s.observe(w.Source, ResultDuplicate)
			return res, nil
		}
		res.Requeued = true
	}

	if err := s.queue.Enqueue(ctx, model.Task{Type: model.TaskWebhook, WebhookID: w.ID}); err != nil {
		// The row exists, so the provider's retry has to find it requeueable.
		if fErr := s.webhooks.FailWebhook(ctx, w.ID, "enqueue failed: "+err.Error()); fErr != nil {
			log.Error("webhook: mark enqueue failure", zap.Error(fErr))
		}
		return nil, eris.Wrap(err, "webhook: enqueue processing")
	}

	if res.Requeued {
		log.Info("webhook: failed webhook requeued", zap.String("webhook_id", w.ID))
	} else {
		log.Info("webhook: accepted", zap.String("webhook_id", w.ID))
	}
	s.observe(w.Source, ResultAccepted)
	return res, nil
}

// Process applies one stored webhook. It is a no-op for processed rows.
func (s *Service) Process(ctx context.Context, task model.Task) error {
	log := zap.L().With(zap.String("webhook_id", task.WebhookID), zap.Int("attempt", task.Attempt))

	w, err := s.webhooks.GetWebhook(ctx, task.WebhookID)
	if err != nil {
		return eris.Wrap(err, "webhook: load")
	}
	if w == nil {
		log.Warn("webhook: missing, skipping")
		return nil
	}
	if w.Status == model.WebhookProcessed {
		return nil
	}

	if err := s.webhooks.StartWebhook(ctx, w.ID); err != nil {
		if errors.Is(err, store.ErrNoChange) {
			return nil
		}
		return eris.Wrap(err, "webhook: start")
	}

	src, known := s.sources[w.Source]
	var payload map[string]any
	if known {
		if err := json.Unmarshal(w.Payload, &payload); err != nil {
			return resilience.NewProviderError(w.Source, resilience.ClassInvalidInput, 0, "payload is not a JSON object")
		}
	}

	recordID := w.RecordID
	if recordID == "" && known && src.Resolve != nil {
		if recordID, err = src.Resolve(ctx, s.records, payload); err != nil {
			return eris.Wrap(err, "webhook: resolve record")
		}
	}

	err = s.webhooks.ProcessWebhook(ctx, w.ID, recordID, func(_ *model.InboundWebhook, r *model.Record) error {
		if !known || src.Apply == nil {
			return nil
		}
		return src.Apply(r, payload, s.nowFunc().UTC())
	})
	switch {
	case errors.Is(err, store.ErrNoChange):
		log.Debug("webhook: already processed")
		return nil
	case err != nil:
		return err
	}

	if recordID == "" && known {
		log.Info("webhook: processed without a matching record", zap.String("source", w.Source))
	} else {
		log.Info("webhook: processed", zap.String("source", w.Source), zap.String("record_id", recordID))
	}
	s.observe(w.Source, ResultProcessed)
	return nil
}

// OnFailure marks the webhook failed with the attempt's cause. Once retries
// are exhausted the row is left failed for inspection.
func (s *Service) OnFailure(ctx context.Context, task model.Task, d resilience.Decision, _ error) {
	log := zap.L().With(zap.String("webhook_id", task.WebhookID), zap.Int("attempt", task.Attempt))
	if err := s.webhooks.FailWebhook(ctx, task.WebhookID, d.Reason); err != nil {
		log.Error("webhook: mark failed", zap.Error(err))
	}
	if d.Retry {
		return
	}

	source := ""
	if w, err := s.webhooks.GetWebhook(ctx, task.WebhookID); err == nil && w != nil {
		source = w.Source
	}
	log.Error("webhook: processing abandoned", zap.String("source", source), zap.String("cause", d.Reason))
	s.observe(source, ResultFailed)
	events.Emit(ctx, s.publisher, events.Event{
		Type: events.WebhookFailed,
		Data: map[string]any{"webhook_id": task.WebhookID, "source": source, "cause": d.Reason},
	})
}

// Package events publishes record lifecycle events for downstream
// consumers such as CRM sync and the duplicate review queue.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle event.
type Type string

const (
	LookupCompleted Type = "lookup.completed"
	LookupFailed    Type = "lookup.failed"
	DomainEnriched  Type = "enrichment.completed"
	RecordMerged    Type = "record.merged"
	ReviewCandidate Type = "dedupe.review"
	WebhookFailed   Type = "webhook.failed"
)

// Event is one lifecycle notification. RecordID is the partition key.
type Event struct {
	Type     Type           `json:"type"`
	RecordID string         `json:"record_id"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Emit publishes e and logs instead of failing. Lifecycle events never
// block or fail the state change that produced them.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		zap.L().Warn("events: publish failed",
			zap.String("type", string(e.Type)),
			zap.String("record_id", e.RecordID),
			zap.Error(err),
		)
	}
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, ...Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Memory keeps published events in memory. Used by tests and the local CLI.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the published events of type t.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

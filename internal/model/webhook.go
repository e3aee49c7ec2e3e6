package model

import (
	"encoding/json"
	"time"
)

// WebhookStatus is the processing state of an inbound webhook.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookProcessed  WebhookStatus = "processed"
	WebhookFailed     WebhookStatus = "failed"
)

// InboundWebhook is a received provider callback.
type InboundWebhook struct {
	ID             string          `json:"id"`
	Source         string          `json:"source"`
	EventType      string          `json:"event_type"`
	ExternalID     string          `json:"external_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	Status         WebhookStatus   `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      string          `json:"last_error,omitempty"`
	RecordID       string          `json:"record_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

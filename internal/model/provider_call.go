package model

import (
	"encoding/json"
	"time"
)

// CallOutcome summarises a provider call.
type CallOutcome string

const (
	OutcomeSuccess     CallOutcome = "success"
	OutcomeNotFound    CallOutcome = "not_found"
	OutcomeError       CallOutcome = "error"
	OutcomeCircuitOpen CallOutcome = "circuit_open"
)

// ProviderCall is an append-only log entry for one external call.
type ProviderCall struct {
	ID         string          `json:"id"`
	RecordID   string          `json:"record_id,omitempty"`
	Provider   string          `json:"provider"`
	Operation  string          `json:"operation"`
	CostUSD    float64         `json:"cost_usd"`
	LatencyMs  int64           `json:"latency_ms"`
	Outcome    CallOutcome     `json:"outcome"`
	ErrorClass string          `json:"error_class,omitempty"`
	Request    json.RawMessage `json:"request,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ProviderSpend aggregates cost per provider.
type ProviderSpend struct {
	Provider string  `json:"provider"`
	Calls    int     `json:"calls"`
	CostUSD  float64 `json:"cost_usd"`
}

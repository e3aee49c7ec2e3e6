package model

import (
	"time"
)

// RecordStatus is the lifecycle state of a record's primary lookup.
type RecordStatus string

const (
	StatusPending    RecordStatus = "pending"
	StatusProcessing RecordStatus = "processing"
	StatusCompleted  RecordStatus = "completed"
	StatusFailed     RecordStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RecordKind classifies the party behind a phone number.
type RecordKind string

const (
	KindUnknown  RecordKind = "unknown"
	KindConsumer RecordKind = "consumer"
	KindBusiness RecordKind = "business"
)

// Record is the phone-number-centric unit of work.
type Record struct {
	ID             string       `json:"id"`
	PhoneRaw       string       `json:"phone_raw"`
	PhoneE164      string       `json:"phone_e164"`
	Kind           RecordKind   `json:"kind"`
	Status         RecordStatus `json:"status"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	LookupAttempts int          `json:"lookup_attempts"`

	Attributes  Attributes                 `json:"attributes"`
	Enrichments map[Domain]EnrichmentState `json:"enrichments"`

	PhoneFingerprint string `json:"phone_fingerprint"`
	NameFingerprint  string `json:"name_fingerprint,omitempty"`
	EmailFingerprint string `json:"email_fingerprint,omitempty"`

	IsDuplicate bool   `json:"is_duplicate"`
	DuplicateOf string `json:"duplicate_of,omitempty"`

	CompletenessScore float64 `json:"completeness_score"`

	SMSDelivered int `json:"sms_delivered"`
	SMSFailed    int `json:"sms_failed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns a pending record for the given phone identity.
func NewRecord(id, raw, e164 string, now time.Time) *Record {
	return &Record{
		ID:          id,
		PhoneRaw:    raw,
		PhoneE164:   e164,
		Kind:        KindUnknown,
		Status:      StatusPending,
		Enrichments: make(map[Domain]EnrichmentState),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Enrichments = make(map[Domain]EnrichmentState, len(r.Enrichments))
	for d, st := range r.Enrichments {
		c.Enrichments[d] = st
	}
	return &c
}

// Enriched reports whether the domain has been successfully enriched.
func (r *Record) Enriched(d Domain) bool {
	return r.Enrichments[d].Enriched
}

// Enrichment returns the state for a domain (zero value when never attempted).
func (r *Record) Enrichment(d Domain) EnrichmentState {
	return r.Enrichments[d]
}

// MarkEnriched sets the domain flag. Flags only move false to true; a second
// call keeps the original timestamp and provider.
func (r *Record) MarkEnriched(d Domain, provider string, now time.Time) {
	if r.Enrichments == nil {
		r.Enrichments = make(map[Domain]EnrichmentState)
	}
	st := r.Enrichments[d]
	st.Attempts++
	st.LastAttemptAt = &now
	st.LastError = ""
	if !st.Enriched {
		st.Enriched = true
		st.EnrichedAt = &now
		st.Provider = provider
	}
	r.Enrichments[d] = st
}

// RecordEmpty notes an attempt that found no data. The domain stays
// re-enrichable.
func (r *Record) RecordEmpty(d Domain, now time.Time) {
	if r.Enrichments == nil {
		r.Enrichments = make(map[Domain]EnrichmentState)
	}
	st := r.Enrichments[d]
	st.Attempts++
	st.EmptyAttempts++
	st.LastAttemptAt = &now
	st.LastError = ""
	r.Enrichments[d] = st
}

// RecordEnrichmentError stores the cause of an abandoned enrichment attempt.
func (r *Record) RecordEnrichmentError(d Domain, cause string, now time.Time) {
	if r.Enrichments == nil {
		r.Enrichments = make(map[Domain]EnrichmentState)
	}
	st := r.Enrichments[d]
	st.Attempts++
	st.LastAttemptAt = &now
	st.LastError = cause
	r.Enrichments[d] = st
}

// Refresh recomputes derived fields after a mutation.
func (r *Record) Refresh(fp Fingerprinter, now time.Time) {
	if fp != nil {
		r.NameFingerprint = fp.Name(r.DisplayName())
		r.EmailFingerprint = fp.Email(r.Attributes.Email)
	}
	r.CompletenessScore = r.Completeness()
	r.UpdatedAt = now
}

// DisplayName returns the best available name for matching.
func (r *Record) DisplayName() string {
	if r.Attributes.BusinessName != "" {
		return r.Attributes.BusinessName
	}
	return r.Attributes.CallerName
}

// Fingerprinter computes the name and email match keys for a record.
type Fingerprinter interface {
	Name(name string) string
	Email(email string) string
}

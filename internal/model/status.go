package model

import (
	"math"

	"github.com/rotisserie/eris"
)

// ErrInvalidTransition is returned when a write would move a record along an
// edge the lifecycle does not allow.
var ErrInvalidTransition = eris.New("invalid status transition")

// ErrEnrichmentRegressed is returned when a write would clear an enrichment flag.
var ErrEnrichmentRegressed = eris.New("enrichment flag cannot be cleared")

// transitions lists the allowed edges. failed -> pending is the operator
// force-retry path.
var transitions = map[RecordStatus][]RecordStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing, StatusPending},
	StatusCompleted:  {},
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed.
func CanTransition(from, to RecordStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition validates a full before/after pair of a record write.
func CheckTransition(before, after *Record) error {
	if before == nil || after == nil {
		return nil
	}
	if !after.Status.Valid() {
		return eris.Wrapf(ErrInvalidTransition, "unknown status %q", after.Status)
	}
	if !CanTransition(before.Status, after.Status) {
		return eris.Wrapf(ErrInvalidTransition, "record %s: %s -> %s", before.ID, before.Status, after.Status)
	}
	for d, st := range before.Enrichments {
		if st.Enriched && !after.Enrichments[d].Enriched {
			return eris.Wrapf(ErrEnrichmentRegressed, "record %s: %s", before.ID, d)
		}
	}
	if before.IsDuplicate && (!after.IsDuplicate || after.DuplicateOf != before.DuplicateOf) {
		return eris.Errorf("record %s: duplicate link is immutable", before.ID)
	}
	return nil
}

// Completeness returns the share of tracked attributes that are populated, 0-100.
func (r *Record) Completeness() float64 {
	set, total := r.Attributes.Populated()
	if total == 0 {
		return 0
	}
	return math.Round(float64(set)/float64(total)*1000) / 10
}

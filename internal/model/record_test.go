package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to RecordStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusProcessing, true},
		{StatusFailed, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusProcessing, StatusPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCheckTransition_RejectsBackwardsMoves(t *testing.T) {
	t.Parallel()

	now := time.Now()
	before := NewRecord("r1", "4155551234", "+14155551234", now)
	before.Status = StatusCompleted

	after := before.Clone()
	after.Status = StatusPending

	err := CheckTransition(before, after)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCheckTransition_EnrichmentMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Now()
	before := NewRecord("r1", "4155551234", "+14155551234", now)
	before.MarkEnriched(DomainBusiness, "acme", now)

	after := before.Clone()
	delete(after.Enrichments, DomainBusiness)

	err := CheckTransition(before, after)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEnrichmentRegressed))

	ok := before.Clone()
	ok.MarkEnriched(DomainEmail, "finder", now)
	assert.NoError(t, CheckTransition(before, ok))
}

func TestCheckTransition_DuplicateLinkImmutable(t *testing.T) {
	t.Parallel()

	before := NewRecord("b", "1", "+1", time.Now())
	before.IsDuplicate = true
	before.DuplicateOf = "a"

	after := before.Clone()
	after.DuplicateOf = "c"
	assert.Error(t, CheckTransition(before, after))
}

func TestMarkEnriched_KeepsFirstProvider(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	r := NewRecord("r1", "x", "+1", t0)
	r.MarkEnriched(DomainAddress, "first", t0)
	r.MarkEnriched(DomainAddress, "second", t1)

	st := r.Enrichment(DomainAddress)
	assert.True(t, st.Enriched)
	assert.Equal(t, "first", st.Provider)
	assert.Equal(t, t0, *st.EnrichedAt)
	assert.Equal(t, 2, st.Attempts)
}

func TestRecordEmpty_StaysReEnrichable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := NewRecord("r1", "x", "+1", now)
	r.RecordEmpty(DomainEmail, now)
	r.RecordEmpty(DomainEmail, now)

	st := r.Enrichment(DomainEmail)
	assert.False(t, st.Enriched)
	assert.Equal(t, 2, st.EmptyAttempts)
	assert.NotNil(t, st.LastAttemptAt)
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	r := NewRecord("r1", "x", "+1", time.Now())
	c := r.Clone()
	c.MarkEnriched(DomainTrust, "hub", time.Now())

	assert.False(t, r.Enriched(DomainTrust))
	assert.True(t, c.Enriched(DomainTrust))
}

func TestApplyDomain_OnlyTouchesOwnFields(t *testing.T) {
	t.Parallel()

	var a Attributes
	data := map[string]any{
		"email":         "owner@acme.com",
		"business_name": "Acme",
		"street":        "1 Main",
	}
	assert.True(t, a.ApplyDomain(DomainEmail, data))
	assert.Equal(t, "owner@acme.com", a.Email)
	assert.Empty(t, a.BusinessName)
	assert.Empty(t, a.Street)
}

func TestApplyDomain_Coverage(t *testing.T) {
	t.Parallel()

	var a Attributes
	assert.True(t, a.ApplyDomain(DomainCoverage, map[string]any{"coverage_available": true, "coverage_technology": "fiber"}))
	require.NotNil(t, a.CoverageAvailable)
	assert.True(t, *a.CoverageAvailable)
	assert.Equal(t, "fiber", a.CoverageTechnology)

	var empty Attributes
	assert.False(t, empty.ApplyDomain(DomainCoverage, map[string]any{"coverage_technology": "  "}))
}

func TestBackfill_OnlyEmptyFields(t *testing.T) {
	t.Parallel()

	primary := Attributes{BusinessName: "Acme", Email: ""}
	dup := Attributes{BusinessName: "Acme Inc", Email: "a@acme.com", City: "Austin"}

	copied := primary.Backfill(dup)
	assert.Equal(t, "Acme", primary.BusinessName)
	assert.Equal(t, "a@acme.com", primary.Email)
	assert.Equal(t, "Austin", primary.City)
	assert.ElementsMatch(t, []string{"email", "city"}, copied)
}

func TestCompleteness(t *testing.T) {
	t.Parallel()

	r := NewRecord("r1", "x", "+1", time.Now())
	assert.Equal(t, 0.0, r.Completeness())

	r.Attributes.Carrier = "Verizon"
	r.Attributes.Email = "a@b.com"
	assert.Greater(t, r.Completeness(), 0.0)
	assert.Less(t, r.Completeness(), 100.0)
}

func TestTaskTypeDomain(t *testing.T) {
	t.Parallel()

	d, ok := EnrichTask(DomainCoverage).Domain()
	assert.True(t, ok)
	assert.Equal(t, DomainCoverage, d)

	_, ok = TaskLookup.Domain()
	assert.False(t, ok)

	_, ok = TaskType("enrich:bogus").Domain()
	assert.False(t, ok)
}

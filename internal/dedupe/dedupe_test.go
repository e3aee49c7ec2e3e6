package dedupe

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/store"
)

var fp = fingerprint.New("1")

func rec(id, phone string, created time.Time) *model.Record {
	e164, phoneFP, err := fp.Phone(phone)
	if err != nil {
		panic(err)
	}
	r := model.NewRecord(id, phone, e164, created)
	r.Status = model.StatusCompleted
	r.PhoneFingerprint = phoneFP
	return r
}

func withName(r *model.Record, name string) *model.Record {
	r.Attributes.BusinessName = name
	r.Refresh(fp, r.CreatedAt)
	return r
}

func withEmail(r *model.Record, email string) *model.Record {
	r.Attributes.Email = email
	r.Refresh(fp, r.CreatedAt)
	return r
}

func newDetector(t *testing.T, recs ...*model.Record) (*Detector, *store.SQLiteStore, *events.Memory) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "dedupe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	for _, r := range recs {
		require.NoError(t, s.CreateRecord(context.Background(), r))
	}
	d := New(s, fp, Config{})
	pub := &events.Memory{}
	d.SetPublisher(pub)
	return d, s, pub
}

func TestScore(t *testing.T) {
	base := time.Now().UTC()
	a := withEmail(withName(rec("a", "4155551234", base), "Acme Plumbing"), "owner@acme.test")

	tests := []struct {
		name    string
		other   *model.Record
		want    int
		reasons []string
	}{
		{"phone only", rec("b", "(415) 555-1234", base), 97, []string{"phone"}},
		{"email only", withEmail(rec("b", "2125550000", base), "Owner@Acme.test"), 80, []string{"email"}},
		{"name only", withName(rec("b", "2125550000", base), "ACME plumbing"), 50, []string{"name"}},
		{"phone and email", withEmail(rec("b", "4155551234", base), "owner@acme.test"), 99, []string{"phone", "email"}},
		{"nothing shared", rec("b", "2125550000", base), 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := Score(a, tt.other)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reasons, reasons)
		})
	}
}

func TestScore_PartialName(t *testing.T) {
	base := time.Now().UTC()
	a := withName(rec("a", "4155551234", base), "Acme Plumbing")
	b := withName(rec("b", "2125550000", base), "Acme Plumbing Supply")
	got, _ := Score(a, b)
	assert.Greater(t, got, 0)
	assert.Less(t, got, 50)
}

func TestFindCandidates(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	target := withEmail(rec("target", "4155551234", base.Add(3*time.Minute)), "owner@acme.test")
	samePhone := rec("same-phone", "4155551234", base)
	sameEmail := withEmail(rec("same-email", "2125550000", base.Add(time.Minute)), "owner@acme.test")
	unrelated := rec("unrelated", "3105550000", base)
	alreadyDup := rec("dup", "4155551234", base.Add(2*time.Minute))
	alreadyDup.IsDuplicate = true
	alreadyDup.DuplicateOf = "same-phone"

	d, _, _ := newDetector(t, target, samePhone, sameEmail, unrelated, alreadyDup)

	cands, err := d.FindCandidates(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "same-phone", cands[0].Record.ID)
	assert.Equal(t, 97, cands[0].Confidence)
	assert.Equal(t, "same-email", cands[1].Record.ID)
	assert.Equal(t, 80, cands[1].Confidence)
}

func TestMerge(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	primary := rec("p", "4155551234", base)
	primary.Attributes.Carrier = "Verizon"
	primary.SMSDelivered = 2

	dup := rec("d", "4155551234", base.Add(time.Minute))
	dup.Kind = model.KindBusiness
	dup.Attributes.Carrier = "AT&T"
	dup.Attributes.BusinessName = "Acme Plumbing"
	dup.SMSDelivered = 3
	dup.MarkEnriched(model.DomainBusiness, "business", base)

	d, s, pub := newDetector(t, primary, dup)
	ctx := context.Background()

	res, err := d.Merge(ctx, "p", "d", 97, true)
	require.NoError(t, err)
	assert.False(t, res.AlreadyMerged)
	assert.ElementsMatch(t, []string{"business_name", "kind", "enriched:business"}, res.FieldsCopied)

	p, err := s.GetRecord(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "Verizon", p.Attributes.Carrier, "populated fields are never overwritten")
	assert.Equal(t, "Acme Plumbing", p.Attributes.BusinessName)
	assert.Equal(t, model.KindBusiness, p.Kind)
	assert.True(t, p.Enriched(model.DomainBusiness))
	assert.Equal(t, 5, p.SMSDelivered)
	assert.NotEmpty(t, p.NameFingerprint)

	got, err := s.GetRecord(ctx, "d")
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
	assert.Equal(t, "p", got.DuplicateOf)

	merges, err := s.ListMerges(ctx, "d")
	require.NoError(t, err)
	require.Len(t, merges, 1)
	assert.Equal(t, 97, merges[0].Confidence)
	assert.True(t, merges[0].Auto)

	assert.Len(t, pub.OfType(events.RecordMerged), 1)

	again, err := d.Merge(ctx, "p", "d", 97, true)
	require.NoError(t, err)
	assert.True(t, again.AlreadyMerged)
	merges, err = s.ListMerges(ctx, "d")
	require.NoError(t, err)
	assert.Len(t, merges, 1, "repeat merge writes no history")
}

func TestMerge_Refusals(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	a := rec("a", "4155551234", base)
	b := rec("b", "4155551234", base.Add(time.Minute))
	c := rec("c", "4155551234", base.Add(2*time.Minute))

	d, _, _ := newDetector(t, a, b, c)
	ctx := context.Background()

	_, err := d.Merge(ctx, "a", "a", 100, false)
	assert.True(t, errors.Is(err, ErrSelfMerge))

	_, err = d.Merge(ctx, "a", "b", 97, false)
	require.NoError(t, err)

	_, err = d.Merge(ctx, "c", "b", 97, false)
	assert.True(t, errors.Is(err, ErrMergedElsewhere))

	_, err = d.Merge(ctx, "b", "c", 97, false)
	assert.True(t, errors.Is(err, ErrPrimaryIsDuplicate))

	_, err = d.Merge(ctx, "a", "missing", 97, false)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestMerge_ConcurrentOppositeDirections(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	d, s, _ := newDetector(t, rec("a", "4155551234", base), rec("b", "4155551234", base.Add(time.Minute)))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]string{{"a", "b"}, {"b", "a"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.Merge(ctx, pair[0], pair[1], 97, true)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, errors.Is(err, ErrPrimaryIsDuplicate))
		}
	}
	assert.Equal(t, 1, ok)

	a, err := s.GetRecord(ctx, "a")
	require.NoError(t, err)
	b, err := s.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.IsDuplicate, b.IsDuplicate, "exactly one side is the duplicate")
}

func TestRun_AutoMergesNewerIntoOlder(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	older := rec("older", "4155551234", base)
	newer := withName(rec("newer", "4155551234", base.Add(time.Minute)), "Acme Plumbing")

	d, s, pub := newDetector(t, older, newer)
	ctx := context.Background()

	require.NoError(t, d.Run(ctx, model.Task{Type: model.TaskDedupe, RecordID: "newer"}))

	got, err := s.GetRecord(ctx, "newer")
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
	assert.Equal(t, "older", got.DuplicateOf)

	p, err := s.GetRecord(ctx, "older")
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", p.Attributes.BusinessName)
	assert.Len(t, pub.OfType(events.RecordMerged), 1)
}

func TestRun_OlderRecordAbsorbsNewer(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	d, s, _ := newDetector(t, rec("older", "4155551234", base), rec("newer", "4155551234", base.Add(time.Minute)))
	ctx := context.Background()

	require.NoError(t, d.Run(ctx, model.Task{Type: model.TaskDedupe, RecordID: "older"}))

	got, err := s.GetRecord(ctx, "newer")
	require.NoError(t, err)
	assert.Equal(t, "older", got.DuplicateOf)
}

func TestRun_BelowThresholdEmitsReview(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	a := withEmail(rec("a", "4155551234", base), "owner@acme.test")
	b := withEmail(rec("b", "2125550000", base.Add(time.Minute)), "owner@acme.test")

	d, s, pub := newDetector(t, a, b)
	ctx := context.Background()

	require.NoError(t, d.Run(ctx, model.Task{Type: model.TaskDedupe, RecordID: "b"}))

	got, err := s.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate)

	review := pub.OfType(events.ReviewCandidate)
	require.Len(t, review, 1)
	assert.Equal(t, "a", review[0].Data["candidate_id"])
	assert.Equal(t, 80, review[0].Data["confidence"])
	assert.Empty(t, pub.OfType(events.RecordMerged))
}

func TestRun_SkipsIneligible(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	pending := rec("pending", "4155551234", base.Add(time.Minute))
	pending.Status = model.StatusPending
	d, s, _ := newDetector(t, rec("a", "4155551234", base), pending)
	ctx := context.Background()

	require.NoError(t, d.Run(ctx, model.Task{Type: model.TaskDedupe, RecordID: "pending"}))
	require.NoError(t, d.Run(ctx, model.Task{Type: model.TaskDedupe, RecordID: "missing"}))

	got, err := s.GetRecord(ctx, "pending")
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate)
}

func TestDescriptor(t *testing.T) {
	d, _, _ := newDetector(t)
	desc := d.Descriptor()
	assert.Equal(t, model.TaskDedupe, desc.Type)
	assert.Equal(t, 3, desc.Retry.MaxAttempts)
}

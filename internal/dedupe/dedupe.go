// Package dedupe finds records that describe the same party and merges them.
//
// Confidence is a noisy-OR of independent signals: a shared phone
// fingerprint, a shared email fingerprint and name similarity. The older
// record of a pair is always the primary; the newer one keeps its row and
// gets a duplicate_of back-reference.
package dedupe

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/events"
	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Signal weights.
const (
	phoneWeight = 0.97
	emailWeight = 0.80
	nameWeight  = 0.50
)

var (
	ErrSelfMerge          = eris.New("dedupe: cannot merge a record into itself")
	ErrPrimaryIsDuplicate = eris.New("dedupe: primary is itself a duplicate")
	ErrMergedElsewhere    = eris.New("dedupe: record already merged into another primary")
)

// Candidate is a possible duplicate of a record.
type Candidate struct {
	Record     model.Record `json:"record"`
	Confidence int          `json:"confidence"`
	Reasons    []string     `json:"reasons"`
}

// MergeResult describes a completed (or already present) merge.
type MergeResult struct {
	PrimaryID     string   `json:"primary_id"`
	DuplicateID   string   `json:"duplicate_id"`
	Confidence    int      `json:"confidence"`
	FieldsCopied  []string `json:"fields_copied"`
	Auto          bool     `json:"auto"`
	AlreadyMerged bool     `json:"already_merged"`
}

// Config configures the detector.
type Config struct {
	// AutoMergeThreshold is the minimum confidence (0-100) merged without review.
	AutoMergeThreshold int
	MaxCandidates      int
}

// Detector finds and merges duplicates.
type Detector struct {
	records   store.RecordStore
	fp        model.Fingerprinter
	publisher events.Publisher
	cfg       Config

	nowFunc func() time.Time
}

// New creates a Detector.
func New(records store.RecordStore, fp model.Fingerprinter, cfg Config) *Detector {
	if cfg.AutoMergeThreshold <= 0 {
		cfg.AutoMergeThreshold = 95
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 50
	}
	return &Detector{
		records:   records,
		fp:        fp,
		publisher: events.Nop{},
		cfg:       cfg,
		nowFunc:   time.Now,
	}
}

// SetPublisher attaches a lifecycle event publisher.
func (d *Detector) SetPublisher(p events.Publisher) { d.publisher = p }

// Descriptor returns the queue descriptor for dedupe tasks.
func (d *Detector) Descriptor() queue.Descriptor {
	return queue.Descriptor{
		Type:   model.TaskDedupe,
		Handle: d.Run,
		Retry:  resilience.LookupRetry,
	}
}

// Score returns the match confidence of two records (0-100) and the
// signals that contributed.
func Score(a, b *model.Record) (int, []string) {
	miss := 1.0
	var reasons []string
	if a.PhoneFingerprint != "" && a.PhoneFingerprint == b.PhoneFingerprint {
		miss *= 1 - phoneWeight
		reasons = append(reasons, "phone")
	}
	if a.EmailFingerprint != "" && a.EmailFingerprint == b.EmailFingerprint {
		miss *= 1 - emailWeight
		reasons = append(reasons, "email")
	}
	if sim := fingerprint.NameSimilarity(a.DisplayName(), b.DisplayName()); sim > 0 {
		miss *= 1 - nameWeight*sim
		reasons = append(reasons, "name")
	}
	return int(math.Round((1 - miss) * 100)), reasons
}

// FindCandidates returns non-duplicate records sharing any fingerprint with
// r, highest confidence first.
func (d *Detector) FindCandidates(ctx context.Context, r *model.Record) ([]Candidate, error) {
	recs, err := d.records.FindCandidates(ctx, store.CandidateQuery{
		ExcludeID:        r.ID,
		PhoneFingerprint: r.PhoneFingerprint,
		NameFingerprint:  r.NameFingerprint,
		EmailFingerprint: r.EmailFingerprint,
		Limit:            d.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: find candidates")
	}

	out := make([]Candidate, 0, len(recs))
	for _, c := range recs {
		conf, reasons := Score(r, &c)
		if conf == 0 {
			continue
		}
		out = append(out, Candidate{Record: c, Confidence: conf, Reasons: reasons})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Record.CreatedAt.Before(out[j].Record.CreatedAt)
	})
	return out, nil
}

// Merge folds duplicateID into primaryID under row locks on both records.
// Empty primary fields are backfilled and enrichment flags are OR'd. Merging
// a pair that is already merged returns AlreadyMerged without writing.
func (d *Detector) Merge(ctx context.Context, primaryID, duplicateID string, confidence int, auto bool) (*MergeResult, error) {
	if primaryID == duplicateID {
		return nil, ErrSelfMerge
	}
	res := &MergeResult{PrimaryID: primaryID, DuplicateID: duplicateID, Confidence: confidence, Auto: auto}

	err := d.records.UpdateRecords(ctx, []string{primaryID, duplicateID}, func(l *store.Locked) error {
		p, dup := l.Get(primaryID), l.Get(duplicateID)
		if p.IsDuplicate {
			return eris.Wrapf(ErrPrimaryIsDuplicate, "%s is a duplicate of %s", p.ID, p.DuplicateOf)
		}
		if dup.IsDuplicate {
			if dup.DuplicateOf == primaryID {
				res.AlreadyMerged = true
				return store.ErrNoChange
			}
			return eris.Wrapf(ErrMergedElsewhere, "%s is a duplicate of %s", dup.ID, dup.DuplicateOf)
		}

		now := d.nowFunc().UTC()
		copied := p.Attributes.Backfill(dup.Attributes)
		if p.Kind == model.KindUnknown && dup.Kind != model.KindUnknown {
			p.Kind = dup.Kind
			copied = append(copied, "kind")
		}
		for _, dom := range model.Domains {
			if dup.Enriched(dom) && !p.Enriched(dom) {
				if p.Enrichments == nil {
					p.Enrichments = make(map[model.Domain]model.EnrichmentState)
				}
				p.Enrichments[dom] = dup.Enrichment(dom)
				copied = append(copied, "enriched:"+string(dom))
			}
		}
		p.SMSDelivered += dup.SMSDelivered
		p.SMSFailed += dup.SMSFailed
		p.Refresh(d.fp, now)

		dup.IsDuplicate = true
		dup.DuplicateOf = primaryID
		dup.UpdatedAt = now

		res.FieldsCopied = copied
		l.AppendMerge(model.MergeEntry{
			ID:           uuid.New().String(),
			PrimaryID:    primaryID,
			DuplicateID:  duplicateID,
			Confidence:   confidence,
			FieldsCopied: copied,
			Auto:         auto,
			CreatedAt:    now,
		})
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNoChange):
		return res, nil
	case err != nil:
		return nil, eris.Wrapf(err, "dedupe: merge %s into %s", duplicateID, primaryID)
	}

	zap.L().Info("dedupe: merged",
		zap.String("primary_id", primaryID),
		zap.String("duplicate_id", duplicateID),
		zap.Int("confidence", confidence),
		zap.Bool("auto", auto),
		zap.Strings("fields_copied", res.FieldsCopied),
	)
	events.Emit(ctx, d.publisher, events.Event{
		Type:     events.RecordMerged,
		RecordID: primaryID,
		Data: map[string]any{
			"duplicate_id":  duplicateID,
			"confidence":    confidence,
			"auto":          auto,
			"fields_copied": res.FieldsCopied,
		},
	})
	return res, nil
}

// Run executes one dedupe task: candidates at or above the auto-merge
// threshold are merged, the rest are emitted for review.
func (d *Detector) Run(ctx context.Context, task model.Task) error {
	log := zap.L().With(zap.String("record_id", task.RecordID))

	r, err := d.records.GetRecord(ctx, task.RecordID)
	if err != nil {
		return eris.Wrap(err, "dedupe: load record")
	}
	if r == nil || r.IsDuplicate || r.Status != model.StatusCompleted {
		log.Debug("dedupe: record not eligible, skipping")
		return nil
	}

	cands, err := d.FindCandidates(ctx, r)
	if err != nil {
		return err
	}

	merged, review := 0, 0
	for _, c := range cands {
		if c.Confidence < d.cfg.AutoMergeThreshold {
			review++
			log.Info("dedupe: review candidate",
				zap.String("candidate_id", c.Record.ID),
				zap.Int("confidence", c.Confidence),
				zap.Strings("reasons", c.Reasons),
			)
			events.Emit(ctx, d.publisher, events.Event{
				Type:     events.ReviewCandidate,
				RecordID: r.ID,
				Data: map[string]any{
					"candidate_id": c.Record.ID,
					"confidence":   c.Confidence,
					"reasons":      c.Reasons,
				},
			})
			continue
		}

		primary, dup := order(r, &c.Record)
		res, err := d.Merge(ctx, primary.ID, dup.ID, c.Confidence, true)
		switch {
		case errors.Is(err, ErrPrimaryIsDuplicate), errors.Is(err, ErrMergedElsewhere):
			// Another worker merged one side first.
			log.Info("dedupe: pair changed concurrently", zap.String("candidate_id", c.Record.ID), zap.Error(err))
			continue
		case err != nil:
			return err
		}
		if !res.AlreadyMerged {
			merged++
		}
		if dup.ID == r.ID {
			// r is now a duplicate; its remaining candidates belong to the primary.
			break
		}
	}

	log.Info("dedupe: complete",
		zap.Int("candidates", len(cands)),
		zap.Int("merged", merged),
		zap.Int("review", review),
	)
	return nil
}

// order returns the pair as (primary, duplicate): the older record wins,
// ties broken by id.
func order(a, b *model.Record) (*model.Record, *model.Record) {
	if b.CreatedAt.Before(a.CreatedAt) || (b.CreatedAt.Equal(a.CreatedAt) && b.ID < a.ID) {
		return b, a
	}
	return a, b
}

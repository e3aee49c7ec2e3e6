package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/queue"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Reaper fails and requeues records whose lookup has been processing for
// longer than StuckAfter, typically because a worker died mid-call.
type Reaper struct {
	records    store.RecordStore
	queue      queue.Enqueuer
	StuckAfter time.Duration
	BatchSize  int

	nowFunc func() time.Time
}

// NewReaper creates a Reaper.
func NewReaper(records store.RecordStore, q queue.Enqueuer, stuckAfter time.Duration, batch int) *Reaper {
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Reaper{records: records, queue: q, StuckAfter: stuckAfter, BatchSize: batch, nowFunc: time.Now}
}

// Sweep handles one batch of stuck records and returns how many it requeued.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.nowFunc().UTC().Add(-r.StuckAfter)
	stuck, err := r.records.ListStuckRecords(ctx, cutoff, r.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "reaper: list stuck records")
	}

	requeued := 0
	for _, rec := range stuck {
		cause := fmt.Sprintf("stuck in processing since %s", rec.UpdatedAt.Format(time.RFC3339))
		updated, err := r.records.UpdateRecord(ctx, rec.ID, func(cur *model.Record) error {
			if cur.Status != model.StatusProcessing || !cur.UpdatedAt.Before(cutoff) {
				return store.ErrNoChange
			}
			cur.Status = model.StatusFailed
			cur.FailureReason = cause
			cur.UpdatedAt = r.nowFunc().UTC()
			return nil
		})
		if errors.Is(err, store.ErrNoChange) {
			continue
		}
		if err != nil {
			zap.L().Error("reaper: fail stuck record", zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}

		// The next attempt number lets the retry reclaim the failed record.
		if err := r.queue.Enqueue(ctx, model.Task{
			Type:     model.TaskLookup,
			RecordID: updated.ID,
			Attempt:  updated.LookupAttempts + 1,
		}); err != nil {
			zap.L().Error("reaper: requeue", zap.String("record_id", rec.ID), zap.Error(err))
			continue
		}
		zap.L().Warn("reaper: requeued stuck record", zap.String("record_id", rec.ID), zap.String("cause", cause))
		requeued++
	}
	return requeued, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				zap.L().Error("reaper: sweep failed", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("reaper: sweep complete", zap.Int("requeued", n))
			}
		}
	}
}

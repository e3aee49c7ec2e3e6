package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Task outcomes reported to the observer.
const (
	OutcomeDone     = "done"
	OutcomeRetry    = "retry"
	OutcomeDeferred = "deferred"
	OutcomeDead     = "dead"
)

// Observer receives per-task timings. monitoring.Metrics implements it.
type Observer interface {
	ObserveTask(taskType, outcome string, elapsed time.Duration)
}

// WorkerConfig tunes the polling loop.
type WorkerConfig struct {
	Concurrency  int
	BatchSize    int
	Lease        time.Duration
	PollInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = c.Concurrency * 2
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Worker claims tasks from the store and dispatches them to descriptors.
type Worker struct {
	tasks       store.TaskStore
	cfg         WorkerConfig
	descriptors map[model.TaskType]Descriptor
	observer    Observer
	nowFunc     func() time.Time
}

// NewWorker creates a Worker for the given descriptors.
func NewWorker(tasks store.TaskStore, cfg WorkerConfig, descs ...Descriptor) *Worker {
	w := &Worker{
		tasks:       tasks,
		cfg:         cfg.withDefaults(),
		descriptors: make(map[model.TaskType]Descriptor, len(descs)),
		nowFunc:     time.Now,
	}
	for _, d := range descs {
		w.Register(d)
	}
	return w
}

// Register adds or replaces the descriptor for d.Type.
func (w *Worker) Register(d Descriptor) {
	w.descriptors[d.Type] = d
}

// SetObserver attaches a task observer.
func (w *Worker) SetObserver(o Observer) {
	w.observer = o
}

// Types returns the registered task types.
func (w *Worker) Types() []model.TaskType {
	out := make([]model.TaskType, 0, len(w.descriptors))
	for t := range w.descriptors {
		out = append(out, t)
	}
	return out
}

// Run polls until ctx is cancelled. Claim errors are logged and retried on
// the next tick.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("lease", w.cfg.Lease),
	)
	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Error("worker: poll failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			zap.L().Info("worker: stopped")
			return nil
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			zap.L().Info("worker: stopped")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims one batch and runs it to completion. It returns the number
// of tasks claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	claimed, err := w.tasks.ClaimTasks(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, eris.Wrap(err, "worker: claim tasks")
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	var failed atomic.Int64
	for _, t := range claimed {
		g.Go(func() error {
			if !w.execute(gctx, t) {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Debug("worker: batch complete",
		zap.Int("claimed", len(claimed)),
		zap.Int64("failed", failed.Load()),
	)
	return len(claimed), nil
}

// execute runs one task and settles it in the store. It reports whether the
// handler succeeded.
func (w *Worker) execute(ctx context.Context, t model.Task) bool {
	log := zap.L().With(
		zap.String("task_id", t.ID),
		zap.String("task_type", string(t.Type)),
		zap.String("record_id", t.RecordID),
		zap.Int("attempt", t.Attempt),
	)
	start := w.nowFunc()

	d, ok := w.descriptors[t.Type]
	if !ok {
		log.Error("worker: no handler for task type")
		w.deadLetter(ctx, log, t, fmt.Sprintf("no handler for task type %q", t.Type), "permanent", 0)
		w.observe(t, OutcomeDead, start)
		return false
	}

	err := safeHandle(ctx, d, t)
	if err == nil {
		if cErr := w.tasks.CompleteTask(ctx, t.ID); cErr != nil {
			log.Error("worker: complete task", zap.Error(cErr))
		}
		w.observe(t, OutcomeDone, start)
		return true
	}

	// Shutdown mid-task: leave the lease to expire so another worker picks it up.
	if ctx.Err() != nil {
		log.Warn("worker: task interrupted", zap.Error(err))
		return false
	}

	if de, ok := AsDefer(err); ok {
		log.Info("worker: task deferred", zap.Time("until", de.Until), zap.String("reason", de.Reason))
		if rErr := w.tasks.RetryTask(ctx, t.ID, t.Attempt, de.Until, de.Error()); rErr != nil {
			log.Error("worker: defer task", zap.Error(rErr))
		}
		w.observe(t, OutcomeDeferred, start)
		return false
	}

	policy := d.policy()
	dec := policy.Decide(err, t.Attempt)
	if d.OnFailure != nil {
		d.OnFailure(ctx, t, dec, err)
	}

	if dec.Retry {
		log.Warn("worker: task failed, retrying", zap.Duration("delay", dec.Delay), zap.Error(err))
		if rErr := w.tasks.RetryTask(ctx, t.ID, t.Attempt+1, w.nowFunc().Add(dec.Delay), dec.Reason); rErr != nil {
			log.Error("worker: reschedule task", zap.Error(rErr))
		}
		w.observe(t, OutcomeRetry, start)
		return false
	}

	log.Error("worker: task failed permanently", zap.String("reason", dec.Reason), zap.Error(err))
	w.deadLetter(ctx, log, t, dec.Reason, resilience.ClassifyError(err), policy.MaxAttempts)
	w.observe(t, OutcomeDead, start)
	return false
}

func (w *Worker) deadLetter(ctx context.Context, log *zap.Logger, t model.Task, reason, errType string, maxAttempts int) {
	entry := resilience.DLQEntry{
		TaskID:       t.ID,
		TaskType:     string(t.Type),
		RecordID:     t.RecordID,
		WebhookID:    t.WebhookID,
		Error:        reason,
		ErrorType:    errType,
		Attempts:     t.Attempt,
		MaxRetries:   maxAttempts,
		CreatedAt:    t.CreatedAt,
		LastFailedAt: w.nowFunc().UTC(),
	}
	if err := w.tasks.DeadLetterTask(ctx, t.ID, entry); err != nil {
		log.Error("worker: dead-letter task", zap.Error(err))
	}
}

func (w *Worker) observe(t model.Task, outcome string, start time.Time) {
	if w.observer == nil {
		return
	}
	w.observer.ObserveTask(string(t.Type), outcome, w.nowFunc().Sub(start))
}

// safeHandle converts handler panics into errors so one bad task cannot take
// the worker down.
func safeHandle(ctx context.Context, d Descriptor, t model.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("worker: handler panic",
				zap.String("task_id", t.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = eris.Errorf("handler panic: %v", r)
		}
	}()
	return d.Handle(ctx, t)
}

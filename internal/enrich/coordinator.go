// Package enrich schedules and runs the independent enrichment domains that
// follow a completed lookup.
package enrich

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/phone-enrich/internal/config"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/queue"
)

// dependents lists the domains whose preconditions a domain unlocks.
var dependents = map[model.Domain][]model.Domain{
	model.DomainBusiness: {model.DomainEmail, model.DomainTrust},
	model.DomainAddress:  {model.DomainCoverage},
}

// Coordinator decides which enrichment domains apply to a record and
// enqueues them. It never calls providers.
type Coordinator struct {
	queue queue.Enqueuer
	cfg   config.EnrichmentConfig
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(q queue.Enqueuer, cfg config.EnrichmentConfig) *Coordinator {
	return &Coordinator{queue: q, cfg: cfg}
}

// Applies reports whether domain d should run for r now.
func (c *Coordinator) Applies(r *model.Record, d model.Domain) bool {
	if r == nil || r.Status != model.StatusCompleted || r.IsDuplicate {
		return false
	}
	if !c.cfg.Domain(d).Enabled || r.Enriched(d) {
		return false
	}
	if limit := c.cfg.MaxEmptyAttempts; limit > 0 && r.Enrichment(d).EmptyAttempts >= limit {
		return false
	}

	switch d {
	case model.DomainBusiness:
		return true
	case model.DomainAddress:
		return r.Kind == model.KindConsumer
	case model.DomainCoverage:
		return r.Kind == model.KindConsumer && r.Enriched(model.DomainAddress)
	case model.DomainEmail, model.DomainTrust:
		return r.Kind == model.KindBusiness && r.Enriched(model.DomainBusiness)
	}
	return false
}

// Applicable returns every domain that applies to r, in scheduling order.
func (c *Coordinator) Applicable(r *model.Record) []model.Domain {
	var out []model.Domain
	for _, d := range model.Domains {
		if c.Applies(r, d) {
			out = append(out, d)
		}
	}
	return out
}

// Coordinate enqueues every applicable domain for r and returns the tasks
// that were scheduled. Scheduling failures are logged and skipped.
func (c *Coordinator) Coordinate(ctx context.Context, r *model.Record) []model.Task {
	return c.schedule(ctx, r, c.Applicable(r))
}

// Followups enqueues the domains that enriching d made applicable.
func (c *Coordinator) Followups(ctx context.Context, r *model.Record, d model.Domain) []model.Task {
	var next []model.Domain
	for _, dep := range dependents[d] {
		if c.Applies(r, dep) {
			next = append(next, dep)
		}
	}
	return c.schedule(ctx, r, next)
}

func (c *Coordinator) schedule(ctx context.Context, r *model.Record, domains []model.Domain) []model.Task {
	if len(domains) == 0 {
		return nil
	}

	tasks := make([]model.Task, len(domains))
	ok := make([]bool, len(domains))

	var g errgroup.Group
	for i, d := range domains {
		tasks[i] = model.Task{Type: model.EnrichTask(d), RecordID: r.ID}
		g.Go(func() error {
			if err := c.queue.Enqueue(ctx, tasks[i]); err != nil {
				zap.L().Error("enrich: schedule failed",
					zap.String("record_id", r.ID),
					zap.String("domain", string(d)),
					zap.Error(err),
				)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	scheduled := make([]model.Task, 0, len(tasks))
	for i, t := range tasks {
		if ok[i] {
			scheduled = append(scheduled, t)
		}
	}
	zap.L().Debug("enrich: scheduled domains",
		zap.String("record_id", r.ID),
		zap.Int("scheduled", len(scheduled)),
		zap.Int("applicable", len(domains)),
	)
	return scheduled
}

package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Records created within the lookback window.
	RecordsTotal      int     `json:"records_total"`
	RecordsPending    int     `json:"records_pending"`
	RecordsProcessing int     `json:"records_processing"`
	RecordsCompleted  int     `json:"records_completed"`
	RecordsFailed     int     `json:"records_failed"`
	RecordFailRate    float64 `json:"record_fail_rate"`

	// Provider spend within the lookback window.
	ProviderCalls   int                   `json:"provider_calls"`
	ProviderCostUSD float64               `json:"provider_cost_usd"`
	Spend           []model.ProviderSpend `json:"spend,omitempty"`

	// Webhooks by status (all time).
	WebhooksPending int `json:"webhooks_pending"`
	WebhooksFailed  int `json:"webhooks_failed"`

	DLQDepth     int      `json:"dlq_depth"`
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatsSource is the slice of the store the collector reads.
type StatsSource interface {
	CountRecordsByStatus(ctx context.Context, since time.Time) (map[model.RecordStatus]int, error)
	CountWebhooksByStatus(ctx context.Context) (map[model.WebhookStatus]int, error)
	ProviderSpend(ctx context.Context, since time.Time) ([]model.ProviderSpend, error)
	CountDeadTasks(ctx context.Context) (int, error)
}

// CircuitLister reports circuit states. *resilience.ServiceBreakers implements it.
type CircuitLister interface {
	States(ctx context.Context) ([]resilience.Status, error)
}

// Collector gathers metrics from the store and circuit registry.
type Collector struct {
	store    StatsSource
	circuits CircuitLister
}

// NewCollector creates a new metrics collector. circuits may be nil.
func NewCollector(st StatsSource, circuits CircuitLister) *Collector {
	return &Collector{store: st, circuits: circuits}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.CountRecordsByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count records")
	}
	snap.RecordsPending = counts[model.StatusPending]
	snap.RecordsProcessing = counts[model.StatusProcessing]
	snap.RecordsCompleted = counts[model.StatusCompleted]
	snap.RecordsFailed = counts[model.StatusFailed]
	snap.RecordsTotal = snap.RecordsPending + snap.RecordsProcessing + snap.RecordsCompleted + snap.RecordsFailed
	if finished := snap.RecordsCompleted + snap.RecordsFailed; finished > 0 {
		snap.RecordFailRate = float64(snap.RecordsFailed) / float64(finished)
	}

	spend, err := c.store.ProviderSpend(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: provider spend")
	}
	snap.Spend = spend
	for _, s := range spend {
		snap.ProviderCalls += s.Calls
		snap.ProviderCostUSD += s.CostUSD
	}

	webhooks, err := c.store.CountWebhooksByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count webhooks")
	}
	snap.WebhooksPending = webhooks[model.WebhookPending]
	snap.WebhooksFailed = webhooks[model.WebhookFailed]

	dlqCount, err := c.store.CountDeadTasks(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	if c.circuits != nil {
		states, err := c.circuits.States(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: circuit states")
		}
		for _, s := range states {
			if s.State == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, s.Provider)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}

// Package store persists records, webhooks, provider calls and the task queue.
package store

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

var (
	// ErrNotFound is returned when a locked update targets a missing row.
	ErrNotFound = eris.New("store: not found")

	// ErrNoChange is returned by update callbacks to release their locks
	// without writing. Update methods pass it through to the caller.
	ErrNoChange = eris.New("store: no change")
)

// RecordStore persists records and merge history.
type RecordStore interface {
	CreateRecord(ctx context.Context, r *model.Record) error
	// GetRecord returns nil, nil when the record does not exist.
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	// UpdateRecord locks the record row, applies fn and writes the result.
	UpdateRecord(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error)
	// UpdateRecords locks every listed record in id order inside one
	// transaction, applies fn, writes changed records and appends merges.
	UpdateRecords(ctx context.Context, ids []string, fn func(l *Locked) error) error
	FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Record, error)
	FindRecordByPhone(ctx context.Context, e164 string) (*model.Record, error)
	FindRecordByTrustSID(ctx context.Context, sid string) (*model.Record, error)
	ListStuckRecords(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Record, error)
	CountRecordsByStatus(ctx context.Context, since time.Time) (map[model.RecordStatus]int, error)
	ListMerges(ctx context.Context, recordID string) ([]model.MergeEntry, error)
}

// CallLog is the append-only provider call ledger.
type CallLog interface {
	AppendProviderCall(ctx context.Context, c model.ProviderCall) error
	ListProviderCalls(ctx context.Context, recordID string) ([]model.ProviderCall, error)
	ProviderSpend(ctx context.Context, since time.Time) ([]model.ProviderSpend, error)
}

// WebhookStore persists inbound webhooks.
type WebhookStore interface {
	// InsertWebhook inserts w unless its idempotency key already exists.
	// On conflict it returns false and fills w.ID and w.Status from the
	// existing row.
	InsertWebhook(ctx context.Context, w *model.InboundWebhook) (bool, error)
	GetWebhook(ctx context.Context, id string) (*model.InboundWebhook, error)
	// ProcessWebhook locks the webhook row (and the record, when recordID
	// is set), applies fn and marks the webhook processed in the same
	// transaction. Returns ErrNoChange when it was already processed.
	ProcessWebhook(ctx context.Context, webhookID, recordID string, fn func(w *model.InboundWebhook, r *model.Record) error) error
	// StartWebhook marks an unprocessed webhook as processing. It returns
	// ErrNoChange when the row is already processed or missing.
	StartWebhook(ctx context.Context, id string) error
	FailWebhook(ctx context.Context, id, cause string) error
	CountWebhooksByStatus(ctx context.Context) (map[model.WebhookStatus]int, error)
}

// TaskStore is the durable task queue.
type TaskStore interface {
	EnqueueTask(ctx context.Context, t model.Task) error
	// ClaimTasks leases up to limit runnable tasks. Tasks whose lease has
	// expired are runnable again.
	ClaimTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error)
	CompleteTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error
	DeadLetterTask(ctx context.Context, id string, entry resilience.DLQEntry) error
	ListDeadTasks(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RequeueDeadTask(ctx context.Context, id string) error
	CountDeadTasks(ctx context.Context) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	RecordStore
	CallLog
	WebhookStore
	TaskStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// CandidateQuery selects non-duplicate records sharing any non-empty fingerprint.
type CandidateQuery struct {
	ExcludeID        string
	PhoneFingerprint string
	NameFingerprint  string
	EmailFingerprint string
	Limit            int
}

func (q CandidateQuery) empty() bool {
	return q.PhoneFingerprint == "" && q.NameFingerprint == "" && q.EmailFingerprint == ""
}

func (q CandidateQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

// Locked is the set of rows held by UpdateRecords.
type Locked struct {
	records map[string]*model.Record
	before  map[string]*model.Record
	merges  []model.MergeEntry
}

func newLocked(recs []*model.Record) *Locked {
	l := &Locked{
		records: make(map[string]*model.Record, len(recs)),
		before:  make(map[string]*model.Record, len(recs)),
	}
	for _, r := range recs {
		l.records[r.ID] = r
		l.before[r.ID] = r.Clone()
	}
	return l
}

// Get returns the locked record with id, or nil.
func (l *Locked) Get(id string) *model.Record {
	return l.records[id]
}

// AppendMerge queues a merge history row for the same transaction.
func (l *Locked) AppendMerge(e model.MergeEntry) {
	l.merges = append(l.merges, e)
}

// changed returns the records fn modified, validated against their
// pre-lock state, sorted by id.
func (l *Locked) changed() ([]*model.Record, error) {
	var out []*model.Record
	for id, r := range l.records {
		before := l.before[id]
		if reflect.DeepEqual(before, r) {
			continue
		}
		if err := model.CheckTransition(before, r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// lockOrder dedupes and sorts ids so concurrent lockers never deadlock.
func lockOrder(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type recordsUpdater interface {
	UpdateRecords(ctx context.Context, ids []string, fn func(l *Locked) error) error
}

// updateOne adapts UpdateRecords to a single-record callback.
func updateOne(ctx context.Context, u recordsUpdater, id string, fn func(r *model.Record) error) (*model.Record, error) {
	var out *model.Record
	err := u.UpdateRecords(ctx, []string{id}, func(l *Locked) error {
		r := l.Get(id)
		if err := fn(r); err != nil {
			out = l.before[id]
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return out, ErrNoChange
		}
		return nil, err
	}
	return out, nil
}

// normalizeTask fills defaults for a task about to be enqueued.
func normalizeTask(t model.Task) model.Task {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.Status = model.TaskQueued
	return t
}

func dlqLimit(f resilience.DLQFilter) int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

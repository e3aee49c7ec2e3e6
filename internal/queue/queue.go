// Package queue schedules and runs asynchronous tasks on top of the store's
// durable task table. Delivery is at-least-once: handlers must be idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
	"github.com/sells-group/phone-enrich/internal/store"
)

// Enqueuer accepts tasks for later execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, t model.Task) error
}

// Enqueue schedules a record-scoped task. A zero notBefore runs as soon as a
// worker is free.
func Enqueue(ctx context.Context, e Enqueuer, typ model.TaskType, recordID string, notBefore time.Time) error {
	return e.Enqueue(ctx, model.Task{Type: typ, RecordID: recordID, NotBefore: notBefore})
}

// StoreQueue enqueues into the durable task table.
type StoreQueue struct {
	tasks store.TaskStore
}

// NewStoreQueue wraps a TaskStore.
func NewStoreQueue(tasks store.TaskStore) *StoreQueue {
	return &StoreQueue{tasks: tasks}
}

// Enqueue implements Enqueuer.
func (q *StoreQueue) Enqueue(ctx context.Context, t model.Task) error {
	return q.tasks.EnqueueTask(ctx, t)
}

// Descriptor binds a task type to its handler and failure semantics.
type Descriptor struct {
	Type   model.TaskType
	Handle func(ctx context.Context, t model.Task) error
	Retry  resilience.RetryPolicy

	// IsTerminal overrides Retry.IsTerminal when set.
	IsTerminal func(err error) bool

	// OnFailure runs after every failed attempt, before the task is
	// rescheduled or dead-lettered. d.Retry reports which.
	OnFailure func(ctx context.Context, t model.Task, d resilience.Decision, err error)
}

func (d Descriptor) policy() resilience.RetryPolicy {
	p := d.Retry
	if d.IsTerminal != nil {
		p.IsTerminal = d.IsTerminal
	}
	return p
}

// DeferError asks the worker to run the task again at Until without
// consuming an attempt.
type DeferError struct {
	Until  time.Time
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.Until.Format(time.RFC3339), e.Reason)
}

// Defer returns a DeferError.
func Defer(until time.Time, reason string) error {
	return &DeferError{Until: until, Reason: reason}
}

// AsDefer extracts a DeferError from err.
func AsDefer(err error) (*DeferError, bool) {
	var de *DeferError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

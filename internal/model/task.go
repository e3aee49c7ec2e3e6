package model

import "time"

// TaskType names a unit of asynchronous work.
type TaskType string

const (
	TaskLookup   TaskType = "lookup"
	TaskDedupe   TaskType = "dedupe"
	TaskWebhook  TaskType = "webhook"
	taskEnrichPf          = "enrich:"
)

// EnrichTask returns the task type for an enrichment domain.
func EnrichTask(d Domain) TaskType {
	return TaskType(taskEnrichPf + string(d))
}

// Domain returns the enrichment domain of an enrich task type.
func (t TaskType) Domain() (Domain, bool) {
	s := string(t)
	if len(s) <= len(taskEnrichPf) || s[:len(taskEnrichPf)] != taskEnrichPf {
		return "", false
	}
	return ParseDomain(s[len(taskEnrichPf):])
}

// TaskStatus is the queue state of a task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is a queued unit of work. Attempt starts at 1.
type Task struct {
	ID        string     `json:"id"`
	Type      TaskType   `json:"type"`
	RecordID  string     `json:"record_id,omitempty"`
	WebhookID string     `json:"webhook_id,omitempty"`
	Attempt   int        `json:"attempt"`
	NotBefore time.Time  `json:"not_before"`
	Status    TaskStatus `json:"status"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

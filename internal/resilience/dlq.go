package resilience

import (
	"time"
)

// DLQEntry is a task that exhausted its retries or failed terminally.
type DLQEntry struct {
	TaskID       string    `json:"task_id"`
	TaskType     string    `json:"task_type"`
	RecordID     string    `json:"record_id,omitempty"`
	WebhookID    string    `json:"webhook_id,omitempty"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"` // "transient" or "permanent"
	Attempts     int       `json:"attempts"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	TaskType  string `json:"task_type,omitempty"`
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// Requeueable reports whether an operator requeue is likely to help: the
// failure was transient, so a later attempt may succeed.
func (e *DLQEntry) Requeueable() bool {
	return e.ErrorType == "transient"
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}

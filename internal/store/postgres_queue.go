package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/db"
	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

// Provider call log

// AppendProviderCall appends one row to the call log.
func (s *PostgresStore) AppendProviderCall(ctx context.Context, c model.ProviderCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_calls (`+callColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.RecordID, c.Provider, c.Operation, c.CostUSD, c.LatencyMs, c.Outcome, c.ErrorClass,
		nullJSON(c.Request), nullJSON(c.Response), c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: append provider call")
}

// ListProviderCalls returns the calls made for a record, oldest first.
func (s *PostgresStore) ListProviderCalls(ctx context.Context, recordID string) ([]model.ProviderCall, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+callColumns+` FROM provider_calls WHERE record_id = $1 ORDER BY created_at`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list provider calls")
	}
	defer rows.Close()

	var out []model.ProviderCall
	for rows.Next() {
		var (
			c         model.ProviderCall
			req, resp []byte
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Provider, &c.Operation, &c.CostUSD, &c.LatencyMs,
			&c.Outcome, &c.ErrorClass, &req, &resp, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider call")
		}
		c.Request, c.Response = req, resp
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate provider calls")
}

// ProviderSpend sums cost per provider since the given time.
func (s *PostgresStore) ProviderSpend(ctx context.Context, since time.Time) ([]model.ProviderSpend, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, count(*), COALESCE(sum(cost_usd), 0)
		FROM provider_calls WHERE created_at >= $1
		GROUP BY provider ORDER BY provider`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: provider spend")
	}
	defer rows.Close()

	var out []model.ProviderSpend
	for rows.Next() {
		var p model.ProviderSpend
		if err := rows.Scan(&p.Provider, &p.Calls, &p.CostUSD); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider spend")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate provider spend")
}

// Inbound webhooks

func scanPgWebhook(row pgScanner) (*model.InboundWebhook, error) {
	var (
		w       model.InboundWebhook
		payload []byte
	)
	if err := row.Scan(&w.ID, &w.Source, &w.EventType, &w.ExternalID, &w.IdempotencyKey, &payload,
		&w.Status, &w.RetryCount, &w.LastError, &w.RecordID, &w.CreatedAt, &w.ProcessedAt); err != nil {
		return nil, err
	}
	w.Payload = payload
	return &w, nil
}

// InsertWebhook stores w unless its idempotency key was already seen.
func (s *PostgresStore) InsertWebhook(ctx context.Context, w *model.InboundWebhook) (bool, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = model.WebhookPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO inbound_webhooks (id, source, event_type, external_id, idempotency_key, payload, status, record_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		w.ID, w.Source, w.EventType, w.ExternalID, w.IdempotencyKey, []byte(w.Payload), w.Status, w.RecordID, w.CreatedAt,
	).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrap(err, "postgres: insert webhook")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id, status FROM inbound_webhooks WHERE idempotency_key = $1`, w.IdempotencyKey,
	).Scan(&w.ID, &w.Status)
	if err != nil {
		return false, eris.Wrap(err, "postgres: load duplicate webhook")
	}
	return false, nil
}

// GetWebhook returns nil, nil when the webhook does not exist.
func (s *PostgresStore) GetWebhook(ctx context.Context, id string) (*model.InboundWebhook, error) {
	w, err := scanPgWebhook(s.pool.QueryRow(ctx, `SELECT `+webhookColumns+` FROM inbound_webhooks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get webhook %s", id)
	}
	return w, nil
}

// ProcessWebhook applies fn to the locked webhook and record and marks the
// webhook processed in the same transaction.
func (s *PostgresStore) ProcessWebhook(ctx context.Context, webhookID, recordID string, fn func(w *model.InboundWebhook, r *model.Record) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := scanPgWebhook(tx.QueryRow(ctx,
			`SELECT `+webhookColumns+` FROM inbound_webhooks WHERE id = $1 FOR UPDATE`, webhookID))
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: webhook %s", webhookID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: lock webhook")
		}
		if w.Status == model.WebhookProcessed {
			return ErrNoChange
		}

		var l *Locked
		var rec *model.Record
		if recordID != "" {
			rec, err = scanPgRecord(tx.QueryRow(ctx,
				`SELECT `+recordColumns+` FROM records WHERE id = $1 FOR UPDATE`, recordID))
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "postgres: record %s", recordID)
			}
			if err != nil {
				return eris.Wrap(err, "postgres: lock webhook record")
			}
			l = newLocked([]*model.Record{rec})
		}

		if err := fn(w, rec); err != nil {
			return err
		}

		if l != nil {
			changed, err := l.changed()
			if err != nil {
				return err
			}
			for _, r := range changed {
				if err := writePgRecord(ctx, tx, r); err != nil {
					return err
				}
			}
		}

		if recordID == "" {
			recordID = w.RecordID
		}
		_, err = tx.Exec(ctx,
			`UPDATE inbound_webhooks SET status = $2, record_id = $3, last_error = '', processed_at = $4
			WHERE id = $1`,
			webhookID, model.WebhookProcessed, recordID, time.Now().UTC(),
		)
		return eris.Wrap(err, "postgres: mark webhook processed")
	})
}

// StartWebhook marks an unprocessed webhook as processing.
func (s *PostgresStore) StartWebhook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_webhooks SET status = $2 WHERE id = $1 AND status <> 'processed'`,
		id, model.WebhookProcessing,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start webhook %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoChange
	}
	return nil
}

// FailWebhook records a processing failure.
func (s *PostgresStore) FailWebhook(ctx context.Context, id, cause string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE inbound_webhooks SET status = $2, last_error = $3, retry_count = retry_count + 1
		WHERE id = $1 AND status <> 'processed'`,
		id, model.WebhookFailed, cause,
	)
	return eris.Wrapf(err, "postgres: fail webhook %s", id)
}

// CountWebhooksByStatus returns webhook counts keyed by status.
func (s *PostgresStore) CountWebhooksByStatus(ctx context.Context) (map[model.WebhookStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM inbound_webhooks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count webhooks")
	}
	defer rows.Close()

	out := make(map[model.WebhookStatus]int)
	for rows.Next() {
		var (
			status model.WebhookStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan webhook count")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate webhook counts")
}

// Task queue

// EnqueueTask inserts a queued task.
func (s *PostgresStore) EnqueueTask(ctx context.Context, t model.Task) error {
	t = normalizeTask(t)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, type, record_id, webhook_id, attempt, status, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		t.ID, t.Type, t.RecordID, t.WebhookID, t.Attempt, t.Status, t.NotBefore, t.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue %s task", t.Type)
}

// ClaimTasks leases runnable tasks with FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same row.
func (s *PostgresStore) ClaimTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE tasks SET status = 'running', lease_until = $2, updated_at = $3
		WHERE id IN (
			SELECT id FROM tasks
			WHERE (status = 'queued' AND run_at <= $3)
			   OR (status = 'running' AND lease_until < $3)
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+taskColumns,
		limit, now.Add(lease), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim tasks")
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(&t.ID, &t.Type, &t.RecordID, &t.WebhookID, &t.Attempt, &t.Status,
			&t.NotBefore, &t.LastError, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

// CompleteTask marks a task done.
func (s *PostgresStore) CompleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'done', lease_until = NULL, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC())
	return eris.Wrapf(err, "postgres: complete task %s", id)
}

// RetryTask requeues a task for a later attempt.
func (s *PostgresStore) RetryTask(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'queued', attempt = $2, run_at = $3, last_error = $4,
			lease_until = NULL, updated_at = $5
		WHERE id = $1`,
		id, attempt, notBefore, lastErr, time.Now().UTC())
	if err != nil {
		return eris.Wrapf(err, "postgres: retry task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: task %s", id)
	}
	return nil
}

// DeadLetterTask parks a task in the dead letter state.
func (s *PostgresStore) DeadLetterTask(ctx context.Context, id string, e resilience.DLQEntry) error {
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'dead', last_error = $2, error_type = $3, attempt = $4,
			max_retries = $5, lease_until = NULL, updated_at = $6
		WHERE id = $1`,
		id, e.Error, e.ErrorType, e.Attempts, e.MaxRetries, e.LastFailedAt)
	return eris.Wrapf(err, "postgres: dead-letter task %s", id)
}

// ListDeadTasks lists dead-lettered tasks, most recent failure first.
func (s *PostgresStore) ListDeadTasks(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + deadTaskColumns + ` FROM tasks WHERE status = 'dead'`
	args := []any{}
	argIdx := 1

	if filter.TaskType != "" {
		query += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, filter.TaskType)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY updated_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, dlqLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead tasks")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.TaskID, &e.TaskType, &e.RecordID, &e.WebhookID, &e.Error, &e.ErrorType,
			&e.Attempts, &e.MaxRetries, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead task")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate dead tasks")
}

// RequeueDeadTask moves a dead task back to the queue as a fresh first attempt.
func (s *PostgresStore) RequeueDeadTask(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'queued', attempt = 1, run_at = $2, last_error = '',
			error_type = '', lease_until = NULL, updated_at = $2
		WHERE id = $1 AND status = 'dead'`,
		id, now)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue task %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dead task %s", id)
	}
	return nil
}

// CountDeadTasks returns the dead letter depth.
func (s *PostgresStore) CountDeadTasks(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'dead'`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead tasks")
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/phone-enrich/internal/model"
	"github.com/sells-group/phone-enrich/internal/resilience"
)

// AppendProviderCall appends one row to the call log.
func (s *SQLiteStore) AppendProviderCall(ctx context.Context, c model.ProviderCall) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_calls (`+callColumns+`) VALUES (`+placeholders(11)+`)`,
		c.ID, c.RecordID, c.Provider, c.Operation, c.CostUSD, c.LatencyMs, string(c.Outcome), c.ErrorClass,
		nullText(c.Request), nullText(c.Response), ts(c.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: append provider call")
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// ListProviderCalls returns the calls made for a record, oldest first.
func (s *SQLiteStore) ListProviderCalls(ctx context.Context, recordID string) ([]model.ProviderCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM provider_calls WHERE record_id = ? ORDER BY created_at`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list provider calls")
	}
	defer rows.Close()

	var out []model.ProviderCall
	for rows.Next() {
		var (
			c         model.ProviderCall
			outcome   string
			req, resp sql.NullString
			created   string
		)
		if err := rows.Scan(&c.ID, &c.RecordID, &c.Provider, &c.Operation, &c.CostUSD, &c.LatencyMs,
			&outcome, &c.ErrorClass, &req, &resp, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider call")
		}
		c.Outcome = model.CallOutcome(outcome)
		if req.Valid {
			c.Request = []byte(req.String)
		}
		if resp.Valid {
			c.Response = []byte(resp.String)
		}
		if c.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate provider calls")
}

// ProviderSpend sums cost per provider since the given time.
func (s *SQLiteStore) ProviderSpend(ctx context.Context, since time.Time) ([]model.ProviderSpend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, count(*), COALESCE(sum(cost_usd), 0)
		FROM provider_calls WHERE created_at >= ?
		GROUP BY provider ORDER BY provider`, ts(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: provider spend")
	}
	defer rows.Close()

	var out []model.ProviderSpend
	for rows.Next() {
		var p model.ProviderSpend
		if err := rows.Scan(&p.Provider, &p.Calls, &p.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider spend")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate provider spend")
}

func scanSQLiteWebhook(row sqlScanner) (*model.InboundWebhook, error) {
	var (
		w         model.InboundWebhook
		payload   string
		status    string
		created   string
		processed sql.NullString
	)
	if err := row.Scan(&w.ID, &w.Source, &w.EventType, &w.ExternalID, &w.IdempotencyKey, &payload,
		&status, &w.RetryCount, &w.LastError, &w.RecordID, &created, &processed); err != nil {
		return nil, err
	}
	w.Payload = []byte(payload)
	w.Status = model.WebhookStatus(status)
	var err error
	if w.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if w.ProcessedAt, err = parseNullTS(processed); err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWebhook stores w unless its idempotency key was already seen.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, w *model.InboundWebhook) (bool, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = model.WebhookPending
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_webhooks (id, source, event_type, external_id, idempotency_key, payload, status, record_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		w.ID, w.Source, w.EventType, w.ExternalID, w.IdempotencyKey, string(w.Payload), string(w.Status), w.RecordID, ts(w.CreatedAt),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert webhook")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert webhook rows affected")
	}
	if n > 0 {
		return true, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, status FROM inbound_webhooks WHERE idempotency_key = ?`, w.IdempotencyKey,
	).Scan(&w.ID, &status)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: load duplicate webhook")
	}
	w.Status = model.WebhookStatus(status)
	return false, nil
}

// GetWebhook returns nil, nil when the webhook does not exist.
func (s *SQLiteStore) GetWebhook(ctx context.Context, id string) (*model.InboundWebhook, error) {
	w, err := scanSQLiteWebhook(s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM inbound_webhooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get webhook %s", id)
	}
	return w, nil
}

// ProcessWebhook applies fn to the webhook and record and marks the
// webhook processed in the same transaction.
func (s *SQLiteStore) ProcessWebhook(ctx context.Context, webhookID, recordID string, fn func(w *model.InboundWebhook, r *model.Record) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := scanSQLiteWebhook(tx.QueryRowContext(ctx,
			`SELECT `+webhookColumns+` FROM inbound_webhooks WHERE id = ?`, webhookID))
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: webhook %s", webhookID)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: load webhook")
		}
		if w.Status == model.WebhookProcessed {
			return ErrNoChange
		}

		var l *Locked
		var rec *model.Record
		if recordID != "" {
			rec, err = scanSQLiteRecord(tx.QueryRowContext(ctx,
				`SELECT `+recordColumns+` FROM records WHERE id = ?`, recordID))
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "sqlite: record %s", recordID)
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: load webhook record")
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
				if err := writeSQLiteRecord(ctx, tx, r); err != nil {
					return err
				}
			}
		}

		if recordID == "" {
			recordID = w.RecordID
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE inbound_webhooks SET status = ?, record_id = ?, last_error = '', processed_at = ?
			WHERE id = ?`,
			string(model.WebhookProcessed), recordID, ts(time.Now()), webhookID,
		)
		return eris.Wrap(err, "sqlite: mark webhook processed")
	})
}

// StartWebhook marks an unprocessed webhook as processing.
func (s *SQLiteStore) StartWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbound_webhooks SET status = ? WHERE id = ? AND status <> 'processed'`,
		string(model.WebhookProcessing), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start webhook %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoChange
	}
	return nil
}

// FailWebhook records a processing failure.
func (s *SQLiteStore) FailWebhook(ctx context.Context, id, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_webhooks SET status = ?, last_error = ?, retry_count = retry_count + 1
		WHERE id = ? AND status <> 'processed'`,
		string(model.WebhookFailed), cause, id,
	)
	return eris.Wrapf(err, "sqlite: fail webhook %s", id)
}

// CountWebhooksByStatus returns webhook counts keyed by status.
func (s *SQLiteStore) CountWebhooksByStatus(ctx context.Context) (map[model.WebhookStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM inbound_webhooks GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count webhooks")
	}
	defer rows.Close()

	out := make(map[model.WebhookStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan webhook count")
		}
		out[model.WebhookStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate webhook counts")
}

// EnqueueTask inserts a queued task.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, t model.Task) error {
	t = normalizeTask(t)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, type, record_id, webhook_id, attempt, status, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), t.RecordID, t.WebhookID, t.Attempt, string(t.Status),
		ts(t.NotBefore), ts(t.CreatedAt), ts(t.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: enqueue %s task", t.Type)
}

// ClaimTasks leases runnable tasks. Expired leases are runnable again.
func (s *SQLiteStore) ClaimTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	var out []model.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks
			WHERE (status = 'queued' AND run_at <= ?)
			   OR (status = 'running' AND lease_until < ?)
			ORDER BY run_at
			LIMIT ?`,
			ts(now), ts(now), limit)
		if err != nil {
			return eris.Wrap(err, "sqlite: select runnable tasks")
		}
		claimed, err := collectSQLiteTasks(rows)
		if err != nil {
			return err
		}
		for i := range claimed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = 'running', lease_until = ?, updated_at = ? WHERE id = ?`,
				ts(now.Add(lease)), ts(now), claimed[i].ID,
			); err != nil {
				return eris.Wrapf(err, "sqlite: lease task %s", claimed[i].ID)
			}
			claimed[i].Status = model.TaskRunning
		}
		out = claimed
		return nil
	})
	return out, err
}

func collectSQLiteTasks(rows *sql.Rows) ([]model.Task, error) {
	defer rows.Close()
	var out []model.Task
	for rows.Next() {
		var (
			t              model.Task
			typ, status    string
			runAt, created string
		)
		if err := rows.Scan(&t.ID, &typ, &t.RecordID, &t.WebhookID, &t.Attempt, &status,
			&runAt, &t.LastError, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		t.Type = model.TaskType(typ)
		t.Status = model.TaskStatus(status)
		var err error
		if t.NotBefore, err = parseTS(runAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

// CompleteTask marks a task done.
func (s *SQLiteStore) CompleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'done', lease_until = NULL, updated_at = ? WHERE id = ?`,
		ts(time.Now()), id)
	return eris.Wrapf(err, "sqlite: complete task %s", id)
}

// RetryTask requeues a task for a later attempt.
func (s *SQLiteStore) RetryTask(ctx context.Context, id string, attempt int, notBefore time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', attempt = ?, run_at = ?, last_error = ?,
			lease_until = NULL, updated_at = ?
		WHERE id = ?`,
		attempt, ts(notBefore), lastErr, ts(time.Now()), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: task %s", id)
	}
	return nil
}

// DeadLetterTask parks a task in the dead letter state.
func (s *SQLiteStore) DeadLetterTask(ctx context.Context, id string, e resilience.DLQEntry) error {
	failed := e.LastFailedAt
	if failed.IsZero() {
		failed = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'dead', last_error = ?, error_type = ?, attempt = ?,
			max_retries = ?, lease_until = NULL, updated_at = ?
		WHERE id = ?`,
		e.Error, e.ErrorType, e.Attempts, e.MaxRetries, ts(failed), id)
	return eris.Wrapf(err, "sqlite: dead-letter task %s", id)
}

// ListDeadTasks lists dead-lettered tasks, most recent failure first.
func (s *SQLiteStore) ListDeadTasks(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + deadTaskColumns + ` FROM tasks WHERE status = 'dead'`
	var args []any
	if filter.TaskType != "" {
		query += ` AND type = ?`
		args = append(args, filter.TaskType)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, dlqLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead tasks")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var (
			e               resilience.DLQEntry
			created, failed string
		)
		if err := rows.Scan(&e.TaskID, &e.TaskType, &e.RecordID, &e.WebhookID, &e.Error, &e.ErrorType,
			&e.Attempts, &e.MaxRetries, &created, &failed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead task")
		}
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if e.LastFailedAt, err = parseTS(failed); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate dead tasks")
}

// RequeueDeadTask moves a dead task back to the queue as a fresh first attempt.
func (s *SQLiteStore) RequeueDeadTask(ctx context.Context, id string) error {
	now := ts(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'queued', attempt = 1, run_at = ?, last_error = '',
			error_type = '', lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = 'dead'`,
		now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue task %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: dead task %s", id)
	}
	return nil
}

// CountDeadTasks returns the dead letter depth.
func (s *SQLiteStore) CountDeadTasks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'dead'`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead tasks")
}

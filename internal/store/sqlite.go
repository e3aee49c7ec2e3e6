package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/phone-enrich/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection, so transactions serialize and row locks are implicit.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                 TEXT PRIMARY KEY,
	phone_raw          TEXT NOT NULL,
	phone_e164         TEXT NOT NULL,
	kind               TEXT NOT NULL DEFAULT 'unknown',
	status             TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	failure_reason     TEXT NOT NULL DEFAULT '',
	lookup_attempts    INTEGER NOT NULL DEFAULT 0,
	attributes         TEXT NOT NULL DEFAULT '{}',
	enrichments        TEXT NOT NULL DEFAULT '{}',
	phone_fingerprint  TEXT NOT NULL DEFAULT '',
	name_fingerprint   TEXT NOT NULL DEFAULT '',
	email_fingerprint  TEXT NOT NULL DEFAULT '',
	is_duplicate       INTEGER NOT NULL DEFAULT 0,
	duplicate_of       TEXT NOT NULL DEFAULT '',
	completeness_score REAL NOT NULL DEFAULT 0,
	sms_delivered      INTEGER NOT NULL DEFAULT 0,
	sms_failed         INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_phone_fp ON records (phone_fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_name_fp ON records (name_fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_email_fp ON records (email_fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_phone_e164 ON records (phone_e164);
CREATE INDEX IF NOT EXISTS idx_records_status_updated ON records (status, updated_at);

CREATE TABLE IF NOT EXISTS merge_history (
	id            TEXT PRIMARY KEY,
	primary_id    TEXT NOT NULL REFERENCES records(id),
	duplicate_id  TEXT NOT NULL REFERENCES records(id),
	confidence    INTEGER NOT NULL,
	fields_copied TEXT NOT NULL DEFAULT '[]',
	auto          INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_calls (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL DEFAULT '',
	provider    TEXT NOT NULL,
	operation   TEXT NOT NULL,
	cost_usd    REAL NOT NULL DEFAULT 0,
	latency_ms  INTEGER NOT NULL DEFAULT 0,
	outcome     TEXT NOT NULL,
	error_class TEXT NOT NULL DEFAULT '',
	request     TEXT,
	response    TEXT,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_record ON provider_calls (record_id);

CREATE TABLE IF NOT EXISTS inbound_webhooks (
	id              TEXT PRIMARY KEY,
	source          TEXT NOT NULL,
	event_type      TEXT NOT NULL DEFAULT '',
	external_id     TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	record_id       TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	processed_at    TEXT
);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	record_id   TEXT NOT NULL DEFAULT '',
	webhook_id  TEXT NOT NULL DEFAULT '',
	attempt     INTEGER NOT NULL DEFAULT 1,
	status      TEXT NOT NULL DEFAULT 'queued',
	run_at      TEXT NOT NULL,
	lease_until TEXT,
	last_error  TEXT NOT NULL DEFAULT '',
	error_type  TEXT NOT NULL DEFAULT '',
	max_retries INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_runnable ON tasks (status, run_at);
`

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// tsLayout is fixed width so TEXT comparison orders chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlScanner interface {
	Scan(dest ...any) error
}

// withTx must only touch tx inside fn: the pool holds one connection.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanSQLiteRecord(row sqlScanner) (*model.Record, error) {
	var (
		r                model.Record
		attrs, enr       string
		created, updated string
	)
	err := row.Scan(
		&r.ID, &r.PhoneRaw, &r.PhoneE164, &r.Kind, &r.Status, &r.FailureReason, &r.LookupAttempts,
		&attrs, &enr, &r.PhoneFingerprint, &r.NameFingerprint, &r.EmailFingerprint,
		&r.IsDuplicate, &r.DuplicateOf, &r.CompletenessScore, &r.SMSDelivered, &r.SMSFailed,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	if err := decodeRecordJSON(&r, []byte(attrs), []byte(enr)); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectSQLiteRecords(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// CreateRecord inserts a new record.
func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.Record) error {
	attrs, enr, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (`+placeholders(19)+`)`,
		r.ID, r.PhoneRaw, r.PhoneE164, string(r.Kind), string(r.Status), r.FailureReason, r.LookupAttempts,
		string(attrs), string(enr), r.PhoneFingerprint, r.NameFingerprint, r.EmailFingerprint,
		r.IsDuplicate, r.DuplicateOf, r.CompletenessScore, r.SMSDelivered, r.SMSFailed,
		ts(r.CreatedAt), ts(r.UpdatedAt),
	)
	return eris.Wrap(err, "sqlite: create record")
}

// GetRecord returns nil, nil when the record does not exist.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

// UpdateRecord applies fn to one record inside a transaction.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error) {
	return updateOne(ctx, s, id, fn)
}

// UpdateRecords applies fn to the listed records and writes the changes
// and merge entries in one transaction.
func (s *SQLiteStore) UpdateRecords(ctx context.Context, ids []string, fn func(l *Locked) error) error {
	ordered := lockOrder(ids)
	if len(ordered) == 0 {
		return eris.New("sqlite: update records: no ids")
	}
	args := make([]any, len(ordered))
	for i, id := range ordered {
		args[i] = id
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id IN (`+placeholders(len(ordered))+`) ORDER BY id`, args...)
		if err != nil {
			return eris.Wrap(err, "sqlite: load records")
		}
		recs, err := collectSQLiteRecords(rows)
		if err != nil {
			return err
		}
		if len(recs) != len(ordered) {
			return eris.Wrapf(ErrNotFound, "sqlite: load records: found %d of %d", len(recs), len(ordered))
		}
		ptrs := make([]*model.Record, len(recs))
		for i := range recs {
			ptrs[i] = &recs[i]
		}

		l := newLocked(ptrs)
		if err := fn(l); err != nil {
			return err
		}
		changed, err := l.changed()
		if err != nil {
			return err
		}
		for _, r := range changed {
			if err := writeSQLiteRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		for _, m := range l.merges {
			fields, err := mergeFieldsJSON(m)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO merge_history (id, primary_id, duplicate_id, confidence, fields_copied, auto, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.PrimaryID, m.DuplicateID, m.Confidence, string(fields), m.Auto, ts(m.CreatedAt),
			); err != nil {
				return eris.Wrap(err, "sqlite: insert merge history")
			}
		}
		return nil
	})
}

func writeSQLiteRecord(ctx context.Context, q sqlQuerier, r *model.Record) error {
	attrs, enr, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE records SET kind = ?, status = ?, failure_reason = ?, lookup_attempts = ?,
			attributes = ?, enrichments = ?, name_fingerprint = ?, email_fingerprint = ?,
			is_duplicate = ?, duplicate_of = ?, completeness_score = ?,
			sms_delivered = ?, sms_failed = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Kind), string(r.Status), r.FailureReason, r.LookupAttempts,
		string(attrs), string(enr), r.NameFingerprint, r.EmailFingerprint,
		r.IsDuplicate, r.DuplicateOf, r.CompletenessScore,
		r.SMSDelivered, r.SMSFailed, ts(r.UpdatedAt), r.ID,
	)
	return eris.Wrapf(err, "sqlite: update record %s", r.ID)
}

// FindCandidates returns non-duplicate records sharing a fingerprint, oldest first.
func (s *SQLiteStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Record, error) {
	if q.empty() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE is_duplicate = 0 AND id <> ? AND (
			(phone_fingerprint <> '' AND phone_fingerprint = ?) OR
			(name_fingerprint <> '' AND name_fingerprint = ?) OR
			(email_fingerprint <> '' AND email_fingerprint = ?))
		ORDER BY created_at, id
		LIMIT ?`,
		q.ExcludeID, q.PhoneFingerprint, q.NameFingerprint, q.EmailFingerprint, q.limit(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	return collectSQLiteRecords(rows)
}

// FindRecordByPhone returns the oldest non-duplicate record with the E.164 number.
func (s *SQLiteStore) FindRecordByPhone(ctx context.Context, e164 string) (*model.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE phone_e164 = ? AND is_duplicate = 0
		ORDER BY created_at LIMIT 1`, e164))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find record by phone")
	}
	return r, nil
}

// FindRecordByTrustSID resolves a trust-hub profile back to its record.
func (s *SQLiteStore) FindRecordByTrustSID(ctx context.Context, sid string) (*model.Record, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE json_extract(attributes, '$.trust_sid') = ?
		ORDER BY created_at LIMIT 1`, sid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find record by trust sid")
	}
	return r, nil
}

// ListStuckRecords returns records left in processing since before updatedBefore.
func (s *SQLiteStore) ListStuckRecords(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE status = 'processing' AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, ts(updatedBefore), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stuck records")
	}
	return collectSQLiteRecords(rows)
}

// CountRecordsByStatus counts records created since the given time.
func (s *SQLiteStore) CountRecordsByStatus(ctx context.Context, since time.Time) (map[model.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM records WHERE created_at >= ? GROUP BY status`, ts(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count records")
	}
	defer rows.Close()

	out := make(map[model.RecordStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record count")
		}
		out[model.RecordStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate record counts")
}

// ListMerges returns merge history touching recordID, oldest first.
func (s *SQLiteStore) ListMerges(ctx context.Context, recordID string) ([]model.MergeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, primary_id, duplicate_id, confidence, fields_copied, auto, created_at
		FROM merge_history WHERE primary_id = ? OR duplicate_id = ?
		ORDER BY created_at`, recordID, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merges")
	}
	defer rows.Close()

	var out []model.MergeEntry
	for rows.Next() {
		var (
			m       model.MergeEntry
			fields  string
			created string
		)
		if err := rows.Scan(&m.ID, &m.PrimaryID, &m.DuplicateID, &m.Confidence, &fields, &m.Auto, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan merge")
		}
		if m.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if err := decodeMergeFields(&m, []byte(fields)); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate merges")
}

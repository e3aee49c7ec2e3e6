package store

import (
	"context"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/db"
	"github.com/sells-group/phone-enrich/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool       db.Pool
	closeFn    func()
	connString string
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, connString: connString}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded migrations with golang-migrate.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.connString == "" {
		return eris.New("postgres: migrate requires a connection string")
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: open migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(s.connString))
	if err != nil {
		return eris.Wrap(err, "postgres: init migrate")
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			zap.L().Warn("postgres: close migrate", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return eris.Wrap(err, "postgres: migrate up")
	}
	version, dirty, err := m.Version()
	if err == nil {
		zap.L().Info("postgres: migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	return nil
}

// migrateURL rewrites a postgres:// URL to the pgx5:// scheme golang-migrate expects.
func migrateURL(conn string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(conn, prefix) {
			return "pgx5://" + strings.TrimPrefix(conn, prefix)
		}
	}
	return conn
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPgRecord(row pgScanner) (*model.Record, error) {
	var (
		r          model.Record
		attrs, enr []byte
	)
	err := row.Scan(
		&r.ID, &r.PhoneRaw, &r.PhoneE164, &r.Kind, &r.Status, &r.FailureReason, &r.LookupAttempts,
		&attrs, &enr, &r.PhoneFingerprint, &r.NameFingerprint, &r.EmailFingerprint,
		&r.IsDuplicate, &r.DuplicateOf, &r.CompletenessScore, &r.SMSDelivered, &r.SMSFailed,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeRecordJSON(&r, attrs, enr); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectPgRecords(rows pgx.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// CreateRecord inserts a new record.
func (s *PostgresStore) CreateRecord(ctx context.Context, r *model.Record) error {
	attrs, enr, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		r.ID, r.PhoneRaw, r.PhoneE164, r.Kind, r.Status, r.FailureReason, r.LookupAttempts,
		attrs, enr, r.PhoneFingerprint, r.NameFingerprint, r.EmailFingerprint,
		r.IsDuplicate, r.DuplicateOf, r.CompletenessScore, r.SMSDelivered, r.SMSFailed,
		r.CreatedAt, r.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: create record")
}

// GetRecord returns nil, nil when the record does not exist.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

// UpdateRecord locks one record, applies fn and writes the result.
func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error) {
	return updateOne(ctx, s, id, fn)
}

// UpdateRecords locks ids in sorted order with SELECT ... FOR UPDATE, applies
// fn and writes changed rows plus queued merge entries in one transaction.
func (s *PostgresStore) UpdateRecords(ctx context.Context, ids []string, fn func(l *Locked) error) error {
	ordered := lockOrder(ids)
	if len(ordered) == 0 {
		return eris.New("postgres: update records: no ids")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT `+recordColumns+` FROM records WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ordered)
		if err != nil {
			return eris.Wrap(err, "postgres: lock records")
		}
		recs, err := collectPgRecords(rows)
		if err != nil {
			return err
		}
		if len(recs) != len(ordered) {
			return eris.Wrapf(ErrNotFound, "postgres: lock records: found %d of %d", len(recs), len(ordered))
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
			if err := writePgRecord(ctx, tx, r); err != nil {
				return err
			}
		}
		for _, m := range l.merges {
			if err := insertPgMerge(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func writePgRecord(ctx context.Context, tx pgx.Tx, r *model.Record) error {
	attrs, enr, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE records SET kind = $2, status = $3, failure_reason = $4, lookup_attempts = $5,
			attributes = $6, enrichments = $7, name_fingerprint = $8, email_fingerprint = $9,
			is_duplicate = $10, duplicate_of = $11, completeness_score = $12,
			sms_delivered = $13, sms_failed = $14, updated_at = $15
		WHERE id = $1`,
		r.ID, r.Kind, r.Status, r.FailureReason, r.LookupAttempts,
		attrs, enr, r.NameFingerprint, r.EmailFingerprint,
		r.IsDuplicate, r.DuplicateOf, r.CompletenessScore,
		r.SMSDelivered, r.SMSFailed, r.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: update record %s", r.ID)
}

func insertPgMerge(ctx context.Context, tx pgx.Tx, m model.MergeEntry) error {
	fields, err := mergeFieldsJSON(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO merge_history (id, primary_id, duplicate_id, confidence, fields_copied, auto, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.PrimaryID, m.DuplicateID, m.Confidence, fields, m.Auto, m.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert merge history")
}

// FindCandidates returns non-duplicate records sharing a fingerprint, oldest first.
func (s *PostgresStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Record, error) {
	if q.empty() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE NOT is_duplicate AND id <> $1 AND (
			(phone_fingerprint <> '' AND phone_fingerprint = $2) OR
			(name_fingerprint <> '' AND name_fingerprint = $3) OR
			(email_fingerprint <> '' AND email_fingerprint = $4))
		ORDER BY created_at, id
		LIMIT $5`,
		q.ExcludeID, q.PhoneFingerprint, q.NameFingerprint, q.EmailFingerprint, q.limit(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	return collectPgRecords(rows)
}

// FindRecordByPhone returns the oldest non-duplicate record with the E.164 number.
func (s *PostgresStore) FindRecordByPhone(ctx context.Context, e164 string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE phone_e164 = $1 AND NOT is_duplicate
		ORDER BY created_at LIMIT 1`, e164))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find record by phone")
	}
	return r, nil
}

// FindRecordByTrustSID resolves a trust-hub profile back to its record.
func (s *PostgresStore) FindRecordByTrustSID(ctx context.Context, sid string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE attributes->>'trust_sid' = $1
		ORDER BY created_at LIMIT 1`, sid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find record by trust sid")
	}
	return r, nil
}

// ListStuckRecords returns records left in processing since before updatedBefore.
func (s *PostgresStore) ListStuckRecords(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at LIMIT $2`, updatedBefore, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stuck records")
	}
	return collectPgRecords(rows)
}

// CountRecordsByStatus counts records created since the given time.
func (s *PostgresStore) CountRecordsByStatus(ctx context.Context, since time.Time) (map[model.RecordStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM records WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count records")
	}
	defer rows.Close()

	out := make(map[model.RecordStatus]int)
	for rows.Next() {
		var (
			status model.RecordStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record count")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate record counts")
}

// ListMerges returns merge history touching recordID, oldest first.
func (s *PostgresStore) ListMerges(ctx context.Context, recordID string) ([]model.MergeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, primary_id, duplicate_id, confidence, fields_copied, auto, created_at
		FROM merge_history WHERE primary_id = $1 OR duplicate_id = $1
		ORDER BY created_at`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merges")
	}
	defer rows.Close()

	var out []model.MergeEntry
	for rows.Next() {
		var (
			m      model.MergeEntry
			fields []byte
		)
		if err := rows.Scan(&m.ID, &m.PrimaryID, &m.DuplicateID, &m.Confidence, &fields, &m.Auto, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan merge")
		}
		if err := decodeMergeFields(&m, fields); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate merges")
}

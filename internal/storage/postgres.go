package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"

	_ "github.com/lib/pq"
)

// postgresStore reserves with SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// workers in any number of processes never claim the same row.
type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &postgresStore{db: db, log: log.With(logx.String("driver", "postgres"))}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		return err
	}
	// Serialize bootstrap across processes starting together.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	const lockKey = 72_616_917
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockKey); err != nil {
		return err
	}
	defer func() { _, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey) }()
	_, err = conn.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return job.Storage("ping", s.db.PingContext(ctx))
}

func (s *postgresStore) Enqueue(ctx context.Context, in *job.Job) (string, error) {
	j, err := prepare(in, time.Now().UTC())
	if err != nil {
		return "", err
	}
	labels, err := encodeLabels(j.Labels)
	if err != nil {
		return "", &job.ValidationError{Errors: []error{fmt.Errorf("labels: %w", err)}}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, name, payload, labels, attempts, exceptions, max_attempts,
			max_exceptions, timeout_ms, status, created_at, available_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		j.ID, j.Queue, j.Name, []byte(j.Payload), labels, j.Attempts, j.Exceptions, j.MaxAttempts,
		j.MaxExceptions, j.Timeout.Milliseconds(), string(j.Status), j.CreatedAt, j.AvailableAt,
		nullStr(j.LastError),
	)
	if err != nil {
		return "", job.Storage("enqueue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", job.ErrDuplicateJob
	}
	return j.ID, nil
}

func (s *postgresStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	exp := now.Add(nonNegative(lease))
	row := s.db.QueryRowContext(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND ((status = 'pending' AND available_at <= $2)
			    OR (status = 'reserved' AND lease_expires_at <= $2))
			ORDER BY available_at, created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs SET
			attempts = CASE WHEN jobs.status = 'reserved' THEN LEAST(jobs.attempts + 1, jobs.max_attempts) ELSE jobs.attempts END,
			status = 'reserved', reserved_at = $2, lease_expires_at = $3, lease_token = $4
		FROM next
		WHERE jobs.id = next.id
		RETURNING `+qualified("jobs", jobColumns),
		queue, now, exp, job.NewToken(),
	)
	j, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Storage("reserve", err)
	}
	return j, nil
}

func (s *postgresStore) leaseMiss(ctx context.Context, op, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return job.Storage(op, err)
	}
	return job.ErrLeaseLost
}

func (s *postgresStore) Ack(ctx context.Context, l job.Lease) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = $1,
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = $2 AND status = 'reserved' AND lease_token = $3`,
		time.Now().UTC(), l.JobID, l.Token,
	)
	if err != nil {
		return job.Storage("ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, "ack", l.JobID)
	}
	return nil
}

func (s *postgresStore) Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error {
	da, de := chargeDelta(charge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', available_at = $1,
			attempts = LEAST(attempts + $2, max_attempts),
			exceptions = LEAST(exceptions + $3, max_exceptions),
			last_error = COALESCE($4, last_error),
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = $5 AND status = 'reserved' AND lease_token = $6`,
		time.Now().UTC().Add(nonNegative(delay)), da, de, nullStr(lastErr), l.JobID, l.Token,
	)
	if err != nil {
		return job.Storage("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, "release", l.JobID)
	}
	return nil
}

func (s *postgresStore) Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error) {
	now := time.Now().UTC()
	da, de := chargeDelta(charge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'failed', failed_at = $1, last_error = $2,
			attempts = LEAST(attempts + $3, max_attempts),
			exceptions = LEAST(exceptions + $4, max_exceptions),
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = $5 AND status = 'reserved' AND lease_token = $6
		RETURNING `+jobColumns,
		now, finalErr, da, de, l.JobID, l.Token,
	)
	j, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return job.FailureRecord{}, s.leaseMiss(ctx, "fail", l.JobID)
	}
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}

	rec := job.NewFailureRecord(j, finalErr, now)
	labels, _ := encodeLabels(rec.Labels)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_jobs (`+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.JobID, rec.Queue, rec.Name, []byte(rec.Payload), labels, rec.Attempts, rec.Exceptions,
		rec.FinalError, rec.FailedAt,
	); err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	if err := tx.Commit(); err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	return rec, nil
}

func (s *postgresStore) Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error) {
	exp := time.Now().UTC().Add(nonNegative(d))
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $1
		WHERE id = $2 AND status = 'reserved' AND lease_token = $3`,
		exp, l.JobID, l.Token,
	)
	if err != nil {
		return job.Lease{}, job.Storage("extend", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.Lease{}, s.leaseMiss(ctx, "extend", l.JobID)
	}
	l.ExpiresAt = exp
	return l, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return j, nil
}

func (s *postgresStore) Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error) {
	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failureColumns+` FROM failed_jobs
		WHERE ($1 = '' OR queue = $1) AND failed_at >= $2
		ORDER BY failed_at DESC, job_id DESC
		LIMIT $3`,
		f.Queue, since, failuresLimit(f),
	)
	if err != nil {
		return nil, job.Storage("failures", err)
	}
	defer rows.Close()

	var out []job.FailureRecord
	for rows.Next() {
		rec, err := scanPostgresFailure(rows)
		if err != nil {
			return nil, job.Storage("failures", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, job.Storage("failures", err)
	}
	return out, nil
}

func (s *postgresStore) Stats(ctx context.Context, queue string) (job.Stats, error) {
	st := job.NewStats(queue)
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE ($1 = '' OR queue = $1) GROUP BY status`, queue)
	if err != nil {
		return st, job.Storage("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, job.Storage("stats", err)
		}
		st.ByStatus[job.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return st, job.Storage("stats", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_jobs WHERE ($1 = '' OR queue = $1)`, queue).Scan(&st.Failures); err != nil {
		return st, job.Storage("stats", err)
	}
	return st, nil
}

func (s *postgresStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND completed_at < $1`, before.UTC())
	if err != nil {
		return 0, job.Storage("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// qualified prefixes every column in a comma-separated list with table.
func qualified(table, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = table + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

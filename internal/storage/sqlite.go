package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = strings.TrimSpace(cfg.DSN)
	}
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every statement is serialized, which also makes
	// Reserve's single UPDATE atomic with respect to this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	bt := cfg.BusyTimeout
	if bt <= 0 {
		bt = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", bt.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log.With(logx.String("driver", "sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return job.Storage("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Enqueue(ctx context.Context, in *job.Job) (string, error) {
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
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14)
		ON CONFLICT(id) DO NOTHING`,
		j.ID, j.Queue, j.Name, []byte(j.Payload), labels, j.Attempts, j.Exceptions, j.MaxAttempts,
		j.MaxExceptions, j.Timeout.Milliseconds(), string(j.Status), j.CreatedAt.UnixMilli(),
		j.AvailableAt.UnixMilli(), nullStr(j.LastError),
	)
	if err != nil {
		return "", job.Storage("enqueue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", job.ErrDuplicateJob
	}
	return j.ID, nil
}

func (s *sqliteStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	exp := now.Add(nonNegative(lease))
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			attempts = CASE WHEN status = 'reserved' THEN MIN(attempts + 1, max_attempts) ELSE attempts END,
			status = 'reserved', reserved_at = ?1, lease_expires_at = ?2, lease_token = ?3
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ?4
			  AND ((status = 'pending' AND available_at <= ?1)
			    OR (status = 'reserved' AND lease_expires_at <= ?1))
			ORDER BY available_at, created_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now.UnixMilli(), exp.UnixMilli(), job.NewToken(), queue,
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Storage("reserve", err)
	}
	return j, nil
}

// leaseMiss explains why a lease-guarded update touched no rows.
func (s *sqliteStore) leaseMiss(ctx context.Context, op, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return job.Storage(op, err)
	}
	return job.ErrLeaseLost
}

func (s *sqliteStore) Ack(ctx context.Context, l job.Lease) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = ?1,
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = ?2 AND status = 'reserved' AND lease_token = ?3`,
		now.UnixMilli(), l.JobID, l.Token,
	)
	if err != nil {
		return job.Storage("ack", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, "ack", l.JobID)
	}
	return nil
}

func (s *sqliteStore) Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error {
	now := time.Now().UTC()
	da, de := chargeDelta(charge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', available_at = ?1,
			attempts = MIN(attempts + ?2, max_attempts),
			exceptions = MIN(exceptions + ?3, max_exceptions),
			last_error = COALESCE(?4, last_error),
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = ?5 AND status = 'reserved' AND lease_token = ?6`,
		now.Add(nonNegative(delay)).UnixMilli(), da, de, nullStr(lastErr), l.JobID, l.Token,
	)
	if err != nil {
		return job.Storage("release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.leaseMiss(ctx, "release", l.JobID)
	}
	return nil
}

func (s *sqliteStore) Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error) {
	now := time.Now().UTC()
	da, de := chargeDelta(charge)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'failed', failed_at = ?1, last_error = ?2,
			attempts = MIN(attempts + ?3, max_attempts),
			exceptions = MIN(exceptions + ?4, max_exceptions),
			reserved_at = NULL, lease_expires_at = NULL, lease_token = NULL
		WHERE id = ?5 AND status = 'reserved' AND lease_token = ?6
		RETURNING `+jobColumns,
		now.UnixMilli(), finalErr, da, de, l.JobID, l.Token,
	)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return job.FailureRecord{}, s.leaseMiss(ctx, "fail", l.JobID)
	}
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}

	rec := job.NewFailureRecord(j, finalErr, msToTime(now.UnixMilli()))
	labels, _ := encodeLabels(rec.Labels)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_jobs (`+failureColumns+`)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`,
		rec.JobID, rec.Queue, rec.Name, []byte(rec.Payload), labels, rec.Attempts, rec.Exceptions,
		rec.FinalError, rec.FailedAt.UnixMilli(),
	); err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	if err := tx.Commit(); err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	return rec, nil
}

func (s *sqliteStore) Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error) {
	exp := time.Now().UTC().Add(nonNegative(d))
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?1
		WHERE id = ?2 AND status = 'reserved' AND lease_token = ?3`,
		exp.UnixMilli(), l.JobID, l.Token,
	)
	if err != nil {
		return job.Lease{}, job.Storage("extend", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.Lease{}, s.leaseMiss(ctx, "extend", l.JobID)
	}
	l.ExpiresAt = msToTime(exp.UnixMilli())
	return l, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?1`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, job.Storage("get", err)
	}
	return j, nil
}

func (s *sqliteStore) Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error) {
	var since int64
	if !f.Since.IsZero() {
		since = f.Since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+failureColumns+` FROM failed_jobs
		WHERE (?1 = '' OR queue = ?1) AND failed_at >= ?2
		ORDER BY failed_at DESC, job_id DESC
		LIMIT ?3`,
		f.Queue, since, failuresLimit(f),
	)
	if err != nil {
		return nil, job.Storage("failures", err)
	}
	defer rows.Close()

	var out []job.FailureRecord
	for rows.Next() {
		rec, err := scanSQLiteFailure(rows)
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

func (s *sqliteStore) Stats(ctx context.Context, queue string) (job.Stats, error) {
	st := job.NewStats(queue)
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE (?1 = '' OR queue = ?1) GROUP BY status`, queue)
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
		`SELECT COUNT(*) FROM failed_jobs WHERE (?1 = '' OR queue = ?1)`, queue).Scan(&st.Failures); err != nil {
		return st, job.Storage("stats", err)
	}
	return st, nil
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND completed_at < ?1`, before.UnixMilli())
	if err != nil {
		return 0, job.Storage("prune", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

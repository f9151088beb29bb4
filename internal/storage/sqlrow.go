package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"mailqueue/internal/job"
)

const jobColumns = `id, queue, name, payload, labels, attempts, exceptions, max_attempts, max_exceptions,
	timeout_ms, status, created_at, available_at, reserved_at, lease_expires_at, lease_token,
	last_error, completed_at, failed_at`

const failureColumns = `job_id, queue, name, payload, labels, attempts, exceptions, final_error, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeLabels(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeLabels(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func payloadOf(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// SQLite keeps timestamps as unix milliseconds.

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func scanSQLiteJob(r rowScanner) (*job.Job, error) {
	var (
		j                                 job.Job
		payload                           []byte
		labels, token, lastErr            sql.NullString
		timeoutMS, createdAt, availableAt int64
		reservedAt, leaseExp, done, fail  sql.NullInt64
		status                            string
	)
	if err := r.Scan(&j.ID, &j.Queue, &j.Name, &payload, &labels, &j.Attempts, &j.Exceptions,
		&j.MaxAttempts, &j.MaxExceptions, &timeoutMS, &status, &createdAt, &availableAt,
		&reservedAt, &leaseExp, &token, &lastErr, &done, &fail); err != nil {
		return nil, err
	}
	j.Payload = payloadOf(payload)
	j.Labels = decodeLabels(labels)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.Status = job.Status(status)
	j.CreatedAt = msToTime(createdAt)
	j.AvailableAt = msToTime(availableAt)
	j.ReservedAt = nullMs(reservedAt)
	j.LeaseExpiresAt = nullMs(leaseExp)
	j.LeaseToken = token.String
	j.LastError = lastErr.String
	j.CompletedAt = nullMs(done)
	j.FailedAt = nullMs(fail)
	return &j, nil
}

func scanSQLiteFailure(r rowScanner) (job.FailureRecord, error) {
	var (
		rec      job.FailureRecord
		payload  []byte
		labels   sql.NullString
		failedAt int64
	)
	if err := r.Scan(&rec.JobID, &rec.Queue, &rec.Name, &payload, &labels, &rec.Attempts,
		&rec.Exceptions, &rec.FinalError, &failedAt); err != nil {
		return job.FailureRecord{}, err
	}
	rec.Payload = payloadOf(payload)
	rec.Labels = decodeLabels(labels)
	rec.FailedAt = msToTime(failedAt)
	return rec, nil
}

func scanPostgresJob(r rowScanner) (*job.Job, error) {
	var (
		j                                job.Job
		payload                          []byte
		labels, token, lastErr           sql.NullString
		timeoutMS                        int64
		reservedAt, leaseExp, done, fail sql.NullTime
		status                           string
	)
	if err := r.Scan(&j.ID, &j.Queue, &j.Name, &payload, &labels, &j.Attempts, &j.Exceptions,
		&j.MaxAttempts, &j.MaxExceptions, &timeoutMS, &status, &j.CreatedAt, &j.AvailableAt,
		&reservedAt, &leaseExp, &token, &lastErr, &done, &fail); err != nil {
		return nil, err
	}
	j.Payload = payloadOf(payload)
	j.Labels = decodeLabels(labels)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	j.Status = job.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.AvailableAt = j.AvailableAt.UTC()
	j.ReservedAt = nullTime(reservedAt)
	j.LeaseExpiresAt = nullTime(leaseExp)
	j.LeaseToken = token.String
	j.LastError = lastErr.String
	j.CompletedAt = nullTime(done)
	j.FailedAt = nullTime(fail)
	return &j, nil
}

func scanPostgresFailure(r rowScanner) (job.FailureRecord, error) {
	var (
		rec     job.FailureRecord
		payload []byte
		labels  sql.NullString
	)
	if err := r.Scan(&rec.JobID, &rec.Queue, &rec.Name, &payload, &labels, &rec.Attempts,
		&rec.Exceptions, &rec.FinalError, &rec.FailedAt); err != nil {
		return job.FailureRecord{}, err
	}
	rec.Payload = payloadOf(payload)
	rec.Labels = decodeLabels(labels)
	rec.FailedAt = rec.FailedAt.UTC()
	return rec, nil
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

package storage

import (
	"context"
	"strings"
	"time"

	"mailqueue/internal/job"
)

// Store is the queue persistence API used by the worker pool, the
// dispatcher and the CLI.
type Store interface {
	// Enqueue inserts j as pending and returns its id.
	Enqueue(ctx context.Context, j *job.Job) (string, error)
	// Reserve claims the oldest eligible job in queue. It returns (nil, nil)
	// when nothing is eligible.
	Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error)
	Ack(ctx context.Context, l job.Lease) error
	Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error
	Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error)
	Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error)

	Get(ctx context.Context, id string) (*job.Job, error)
	Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error)
	// Stats counts jobs per status. An empty queue means all queues.
	Stats(ctx context.Context, queue string) (job.Stats, error)
	// Prune deletes completed jobs finished before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, lost on exit
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN is a lib/pq connection string
//   - "redis": DSN is a redis:// URL
//   - "mongo": DSN is a mongodb:// URI, Database names the database
type Config struct {
	Driver   string
	Path     string
	DSN      string
	Database string
	// Prefix namespaces redis keys. Defaults to "mq:".
	Prefix string

	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
	DialTimeout  time.Duration
}

func (c Config) driver() string { return strings.ToLower(strings.TrimSpace(c.Driver)) }

const defaultFailuresLimit = 100

// prepare normalizes a job for insertion. The caller's value is not modified.
func prepare(in *job.Job, now time.Time) (*job.Job, error) {
	if in == nil {
		return nil, &job.ValidationError{Errors: []error{errNilJob}}
	}
	j := in.Clone()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = job.NewID()
	}
	if strings.TrimSpace(j.Queue) == "" {
		j.Queue = job.DefaultQueue
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = job.DefaultMaxAttempts
	}
	if j.MaxExceptions <= 0 {
		j.MaxExceptions = job.DefaultMaxExceptions
	}
	if j.Timeout <= 0 {
		j.Timeout = job.DefaultTimeout
	}
	if j.Attempts < 0 {
		j.Attempts = 0
	}
	if j.Exceptions < 0 {
		j.Exceptions = 0
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.AvailableAt.Before(now) {
		j.AvailableAt = now
	}
	j.Status = job.StatusPending
	j.ReservedAt = nil
	j.LeaseExpiresAt = nil
	j.LeaseToken = ""
	j.CompletedAt = nil
	j.FailedAt = nil
	return j, nil
}

func failuresLimit(f job.FailureFilter) int {
	if f.Limit <= 0 {
		return defaultFailuresLimit
	}
	return f.Limit
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func capped(v, maxV int) int {
	if maxV > 0 && v > maxV {
		return maxV
	}
	return v
}

// chargeDelta returns the attempt/exception increments for c.
func chargeDelta(c job.Charge) (attempts, exceptions int) {
	switch c {
	case job.ChargeException:
		return 1, 1
	case job.ChargeAttempt:
		return 1, 0
	default:
		return 0, 0
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailqueue/internal/job"
)

// Memory is a process-local Store guarded by a single mutex.
// It backs tests and single-process deployments that accept losing the queue on exit.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	failures map[string]job.FailureRecord
	closed   bool

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[string]*job.Job{},
		failures: map[string]job.FailureRecord{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Enqueue(ctx context.Context, in *job.Job) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", job.Storage("enqueue", err)
	}
	j, err := prepare(in, m.now())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", job.Storage("enqueue", ErrDisabled)
	}
	if _, ok := m.jobs[j.ID]; ok {
		return "", job.ErrDuplicateJob
	}
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *Memory) Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, job.Storage("reserve", err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, job.Storage("reserve", ErrDisabled)
	}

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || !eligible(j, now) {
			continue
		}
		if best == nil || before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	if best.Status == job.StatusReserved {
		best.Attempts = capped(best.Attempts+1, best.MaxAttempts)
	}
	exp := now.Add(nonNegative(lease))
	best.Status = job.StatusReserved
	best.ReservedAt = &now
	best.LeaseExpiresAt = &exp
	best.LeaseToken = job.NewToken()
	return best.Clone(), nil
}

func eligible(j *job.Job, now time.Time) bool {
	switch j.Status {
	case job.StatusPending:
		return !j.AvailableAt.After(now)
	case job.StatusReserved:
		return j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// before orders by available_at, created_at, then id.
func before(a, b *job.Job) bool {
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// held returns the job if l still owns it. Caller holds m.mu.
func (m *Memory) held(l job.Lease) (*job.Job, error) {
	if m.closed {
		return nil, job.Storage("lease", ErrDisabled)
	}
	j, ok := m.jobs[l.JobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	if j.Status != job.StatusReserved || l.Token == "" || j.LeaseToken != l.Token {
		return nil, job.ErrLeaseLost
	}
	return j, nil
}

func clearLease(j *job.Job) {
	j.ReservedAt = nil
	j.LeaseExpiresAt = nil
	j.LeaseToken = ""
}

func (m *Memory) Ack(ctx context.Context, l job.Lease) error {
	if err := ctx.Err(); err != nil {
		return job.Storage("ack", err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.held(l)
	if err != nil {
		return err
	}
	clearLease(j)
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	return nil
}

func (m *Memory) Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error {
	if err := ctx.Err(); err != nil {
		return job.Storage("release", err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.held(l)
	if err != nil {
		return err
	}
	j.Attempts, j.Exceptions = charge.Apply(j)
	clearLease(j)
	j.Status = job.StatusPending
	j.AvailableAt = now.Add(nonNegative(delay))
	if lastErr != "" {
		j.LastError = lastErr
	}
	return nil
}

func (m *Memory) Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.held(l)
	if err != nil {
		return job.FailureRecord{}, err
	}
	j.Attempts, j.Exceptions = charge.Apply(j)
	clearLease(j)
	j.Status = job.StatusFailed
	j.FailedAt = &now
	j.LastError = finalErr

	rec := job.NewFailureRecord(j, finalErr, now)
	m.failures[j.ID] = rec
	return rec, nil
}

func (m *Memory) Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error) {
	if err := ctx.Err(); err != nil {
		return job.Lease{}, job.Storage("extend", err)
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.held(l)
	if err != nil {
		return job.Lease{}, err
	}
	exp := now.Add(nonNegative(d))
	j.LeaseExpiresAt = &exp
	l.ExpiresAt = exp
	return l, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, job.Storage("get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, job.Storage("failures", err)
	}
	m.mu.Lock()
	out := make([]job.FailureRecord, 0, len(m.failures))
	for _, r := range m.failures {
		if f.Queue != "" && r.Queue != f.Queue {
			continue
		}
		if !f.Since.IsZero() && r.FailedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].FailedAt.Equal(out[k].FailedAt) {
			return out[i].FailedAt.After(out[k].FailedAt)
		}
		return out[i].JobID > out[k].JobID
	})
	if lim := failuresLimit(f); len(out) > lim {
		out = out[:lim]
	}
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, queue string) (job.Stats, error) {
	if err := ctx.Err(); err != nil {
		return job.Stats{}, job.Storage("stats", err)
	}
	st := job.NewStats(queue)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if queue != "" && j.Queue != queue {
			continue
		}
		st.ByStatus[j.Status]++
	}
	for _, r := range m.failures {
		if queue == "" || r.Queue == queue {
			st.Failures++
		}
	}
	return st, nil
}

func (m *Memory) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, job.Storage("prune", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status == job.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return job.Storage("ping", ErrDisabled)
	}
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

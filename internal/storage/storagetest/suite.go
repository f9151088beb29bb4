// Package storagetest is a behavioral test suite shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"mailqueue/internal/job"
	"mailqueue/internal/storage"
)

// Opener returns a fresh, ready store. Run closes it.
type Opener func(t *testing.T) storage.Store

// Run executes the suite against the store returned by open. Each case uses
// its own queue name, so backends backed by a shared server need no cleanup.
func Run(t *testing.T, open Opener) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store, queue string)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"DuplicateID", testDuplicateID},
		{"ReserveEmpty", testReserveEmpty},
		{"FIFOByAvailability", testFIFO},
		{"TieBreakByCreation", testTieBreak},
		{"DelayedJob", testDelayed},
		{"AckCompletes", testAck},
		{"ReleaseCharges", testReleaseCharges},
		{"FailWritesRecordOnce", testFail},
		{"StaleLeaseReclaimed", testStaleLease},
		{"ExtendKeepsLease", testExtend},
		{"UnknownJob", testUnknownJob},
		{"ConcurrentReserve", testConcurrentReserve},
		{"Prune", testPrune},
		{"QueueIsolation", testQueueIsolation},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s, "q-"+job.NewID())
		})
	}
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newJob(queue, subject string) *job.Job {
	j := job.New(queue, "email.send", []byte(`{"recipient":"a@example.com","subject":"`+subject+`"}`))
	j.Labels = map[string]string{"recipient": "a@example.com", "subject": subject}
	return j
}

func enqueue(t *testing.T, s storage.Store, j *job.Job) string {
	t.Helper()
	id, err := s.Enqueue(ctxT(t), j)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func reserve(t *testing.T, s storage.Store, queue string, lease time.Duration) *job.Job {
	t.Helper()
	j, err := s.Reserve(ctxT(t), queue, lease)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	return j
}

func mustLease(t *testing.T, j *job.Job) job.Lease {
	t.Helper()
	if j == nil {
		t.Fatal("expected a reserved job, got none")
	}
	l, ok := j.Lease()
	if !ok {
		t.Fatalf("reserved job has no lease: %+v", j)
	}
	return l
}

func get(t *testing.T, s storage.Store, id string) *job.Job {
	t.Helper()
	j, err := s.Get(ctxT(t), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return j
}

func testEnqueueAndGet(t *testing.T, s storage.Store, queue string) {
	in := newJob(queue, "hello")
	in.MaxAttempts = 5
	id := enqueue(t, s, in)
	if id != in.ID {
		t.Fatalf("id = %s, want %s", id, in.ID)
	}
	got := get(t, s, id)
	if got.Status != job.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Queue != queue || got.Name != "email.send" || got.MaxAttempts != 5 || got.MaxExceptions != job.DefaultMaxExceptions {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.Timeout != job.DefaultTimeout {
		t.Fatalf("timeout = %s, want %s", got.Timeout, job.DefaultTimeout)
	}
	if got.Label("subject") != "hello" {
		t.Fatalf("labels = %v", got.Labels)
	}
	if string(got.Payload) != string(in.Payload) {
		t.Fatalf("payload = %s, want %s", got.Payload, in.Payload)
	}
	if got.ReservedAt != nil || got.LeaseToken != "" {
		t.Fatalf("pending job carries lease fields: %+v", got)
	}
}

func testDuplicateID(t *testing.T, s storage.Store, queue string) {
	j := newJob(queue, "dup")
	enqueue(t, s, j)
	if _, err := s.Enqueue(ctxT(t), j); !errors.Is(err, job.ErrDuplicateJob) {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicateJob", err)
	}
}

func testReserveEmpty(t *testing.T, s storage.Store, queue string) {
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatalf("Reserve on empty queue returned %s", j.ID)
	}
}

func testFIFO(t *testing.T, s storage.Store, queue string) {
	var ids []string
	for _, subj := range []string{"first", "second", "third"} {
		ids = append(ids, enqueue(t, s, newJob(queue, subj)))
		time.Sleep(5 * time.Millisecond)
	}
	for i, want := range ids {
		j := reserve(t, s, queue, time.Minute)
		if j == nil || j.ID != want {
			t.Fatalf("reservation %d = %v, want %s", i, j, want)
		}
		if j.Status != job.StatusReserved || j.ReservedAt == nil || j.LeaseExpiresAt == nil {
			t.Fatalf("reserved job missing lease fields: %+v", j)
		}
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatalf("queue should be drained, got %s", j.ID)
	}
}

func testTieBreak(t *testing.T, s storage.Store, queue string) {
	at := time.Now().Add(300 * time.Millisecond).UTC().Truncate(time.Millisecond)
	newer := newJob(queue, "newer")
	newer.ID = queue + "-a"
	newer.CreatedAt = at.Add(-time.Second)
	newer.AvailableAt = at
	older := newJob(queue, "older")
	older.ID = queue + "-z"
	older.CreatedAt = at.Add(-2 * time.Second)
	older.AvailableAt = at
	enqueue(t, s, newer)
	enqueue(t, s, older)

	time.Sleep(time.Until(at) + 100*time.Millisecond)
	for i, want := range []string{older.ID, newer.ID} {
		if j := reserve(t, s, queue, time.Minute); j == nil || j.ID != want {
			t.Fatalf("reservation %d = %v, want %s", i, j, want)
		}
	}
}

func testDelayed(t *testing.T, s storage.Store, queue string) {
	j := newJob(queue, "later")
	j.AvailableAt = time.Now().Add(300 * time.Millisecond)
	enqueue(t, s, j)
	if got := reserve(t, s, queue, time.Minute); got != nil {
		t.Fatal("delayed job reserved too early")
	}
	time.Sleep(400 * time.Millisecond)
	if got := reserve(t, s, queue, time.Minute); got == nil || got.ID != j.ID {
		t.Fatalf("delayed job not reservable after its availability: %v", got)
	}
}

func testAck(t *testing.T, s storage.Store, queue string) {
	id := enqueue(t, s, newJob(queue, "ack"))
	l := mustLease(t, reserve(t, s, queue, time.Minute))
	if err := s.Ack(ctxT(t), l); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	got := get(t, s, id)
	if got.Status != job.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("job not completed: %+v", got)
	}
	if got.ReservedAt != nil || got.LeaseToken != "" {
		t.Fatalf("completed job still leased: %+v", got)
	}
	if err := s.Ack(ctxT(t), l); !errors.Is(err, job.ErrLeaseLost) {
		t.Fatalf("second Ack err = %v, want ErrLeaseLost", err)
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatal("completed job was reserved again")
	}
}

func testReleaseCharges(t *testing.T, s storage.Store, queue string) {
	in := newJob(queue, "release")
	in.MaxAttempts, in.MaxExceptions = 2, 5
	id := enqueue(t, s, in)
	ctx := ctxT(t)

	l := mustLease(t, reserve(t, s, queue, time.Minute))
	if err := s.Release(ctx, l, 0, job.ChargeException, "smtp down"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	got := get(t, s, id)
	if got.Status != job.StatusPending || got.Attempts != 1 || got.Exceptions != 1 || got.LastError != "smtp down" {
		t.Fatalf("after exception release: %+v", got)
	}
	if got.ReservedAt != nil || got.LeaseToken != "" {
		t.Fatalf("released job still leased: %+v", got)
	}

	l = mustLease(t, reserve(t, s, queue, time.Minute))
	if err := s.Release(ctx, l, 0, job.ChargeNone, ""); err != nil {
		t.Fatalf("Release(none): %v", err)
	}
	got = get(t, s, id)
	if got.Attempts != 1 || got.Exceptions != 1 || got.LastError != "smtp down" {
		t.Fatalf("ChargeNone changed counters: %+v", got)
	}

	for i := 0; i < 3; i++ {
		l = mustLease(t, reserve(t, s, queue, time.Minute))
		if err := s.Release(ctx, l, 0, job.ChargeAttempt, ""); err != nil {
			t.Fatalf("Release(attempt): %v", err)
		}
	}
	got = get(t, s, id)
	if got.Attempts != 2 || got.Exceptions != 1 {
		t.Fatalf("counters not capped: attempts=%d exceptions=%d", got.Attempts, got.Exceptions)
	}

	l = mustLease(t, reserve(t, s, queue, time.Minute))
	if err := s.Release(ctx, l, time.Hour, job.ChargeNone, ""); err != nil {
		t.Fatalf("Release(delay): %v", err)
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatal("job released with a delay was reserved immediately")
	}
	if err := s.Release(ctx, l, 0, job.ChargeNone, ""); !errors.Is(err, job.ErrLeaseLost) {
		t.Fatalf("Release with stale token err = %v, want ErrLeaseLost", err)
	}
}

func testFail(t *testing.T, s storage.Store, queue string) {
	in := newJob(queue, "fail")
	in.MaxAttempts = 2
	id := enqueue(t, s, in)
	ctx := ctxT(t)

	l := mustLease(t, reserve(t, s, queue, time.Minute))
	if err := s.Release(ctx, l, 0, job.ChargeException, "first"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	l = mustLease(t, reserve(t, s, queue, time.Minute))
	rec, err := s.Fail(ctx, l, job.ChargeException, "second")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if rec.JobID != id || rec.FinalError != "second" || rec.Attempts != 2 || rec.Exceptions != 2 || rec.Queue != queue {
		t.Fatalf("unexpected failure record: %+v", rec)
	}
	if rec.Labels["subject"] != "fail" || rec.FailedAt.IsZero() {
		t.Fatalf("failure record lost job data: %+v", rec)
	}

	got := get(t, s, id)
	if got.Status != job.StatusFailed || got.FailedAt == nil || got.LastError != "second" {
		t.Fatalf("job not failed: %+v", got)
	}
	if _, err := s.Fail(ctx, l, job.ChargeException, "again"); !errors.Is(err, job.ErrLeaseLost) {
		t.Fatalf("second Fail err = %v, want ErrLeaseLost", err)
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatal("failed job was reserved again")
	}

	recs, err := s.Failures(ctx, job.FailureFilter{Queue: queue})
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(recs) != 1 || recs[0].JobID != id || recs[0].FinalError != "second" {
		t.Fatalf("Failures = %+v", recs)
	}
	recs, err = s.Failures(ctx, job.FailureFilter{Queue: queue, Since: time.Now().Add(time.Hour)})
	if err != nil || len(recs) != 0 {
		t.Fatalf("Failures(since future) = %v, %v", recs, err)
	}

	st, err := s.Stats(ctx, queue)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ByStatus[job.StatusFailed] != 1 || st.Failures != 1 || st.ByStatus[job.StatusPending] != 0 {
		t.Fatalf("Stats = %+v", st)
	}
}

func testStaleLease(t *testing.T, s storage.Store, queue string) {
	id := enqueue(t, s, newJob(queue, "stale"))
	first := reserve(t, s, queue, 100*time.Millisecond)
	stale := mustLease(t, first)
	if first.Attempts != 0 {
		t.Fatalf("fresh reservation attempts = %d, want 0", first.Attempts)
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatal("job reserved twice while its lease was live")
	}

	time.Sleep(300 * time.Millisecond)
	second := reserve(t, s, queue, time.Minute)
	fresh := mustLease(t, second)
	if second.ID != id {
		t.Fatalf("reclaimed %s, want %s", second.ID, id)
	}
	if second.Attempts != 1 {
		t.Fatalf("reclaimed attempts = %d, want 1", second.Attempts)
	}
	if fresh.Token == stale.Token {
		t.Fatal("reclaim reused the lease token")
	}
	if err := s.Ack(ctxT(t), stale); !errors.Is(err, job.ErrLeaseLost) {
		t.Fatalf("Ack with stale lease err = %v, want ErrLeaseLost", err)
	}
	if err := s.Ack(ctxT(t), fresh); err != nil {
		t.Fatalf("Ack with fresh lease: %v", err)
	}
}

func testExtend(t *testing.T, s storage.Store, queue string) {
	enqueue(t, s, newJob(queue, "extend"))
	l := mustLease(t, reserve(t, s, queue, 150*time.Millisecond))
	ctx := ctxT(t)
	for i := 0; i < 3; i++ {
		time.Sleep(75 * time.Millisecond)
		nl, err := s.Extend(ctx, l, 150*time.Millisecond)
		if err != nil {
			t.Fatalf("Extend: %v", err)
		}
		if nl.Token != l.Token || nl.ExpiresAt.Before(l.ExpiresAt) {
			t.Fatalf("Extend returned %+v from %+v", nl, l)
		}
		l = nl
	}
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatal("extended lease was reclaimed")
	}
	if err := s.Ack(ctx, l); err != nil {
		t.Fatalf("Ack after extend: %v", err)
	}
	if _, err := s.Extend(ctx, l, time.Minute); !errors.Is(err, job.ErrLeaseLost) {
		t.Fatalf("Extend after ack err = %v, want ErrLeaseLost", err)
	}
}

func testUnknownJob(t *testing.T, s storage.Store, queue string) {
	l := job.Lease{JobID: job.NewID(), Queue: queue, Token: job.NewToken()}
	ctx := ctxT(t)
	if _, err := s.Get(ctx, l.JobID); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
	if err := s.Ack(ctx, l); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Ack err = %v, want ErrNotFound", err)
	}
	if err := s.Release(ctx, l, 0, job.ChargeException, "x"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Release err = %v, want ErrNotFound", err)
	}
	if _, err := s.Fail(ctx, l, job.ChargeException, "x"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Fail err = %v, want ErrNotFound", err)
	}
}

func testConcurrentReserve(t *testing.T, s storage.Store, queue string) {
	const jobs, workers = 40, 8
	want := map[string]bool{}
	for i := 0; i < jobs; i++ {
		want[enqueue(t, s, newJob(queue, "c"))] = true
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	g, ctx := errgroup.WithContext(ctxT(t))
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				j, err := s.Reserve(ctx, queue, time.Minute)
				if err != nil {
					return err
				}
				if j == nil {
					return nil
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Reserve: %v", err)
	}
	if len(seen) != jobs {
		t.Fatalf("reserved %d distinct jobs, want %d", len(seen), jobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s reserved %d times", id, n)
		}
		if !want[id] {
			t.Fatalf("reserved unknown job %s", id)
		}
	}
}

func testPrune(t *testing.T, s storage.Store, queue string) {
	done := enqueue(t, s, newJob(queue, "done"))
	keep := enqueue(t, s, newJob(queue, "keep"))
	ctx := ctxT(t)
	l := mustLease(t, reserve(t, s, queue, time.Minute))
	if l.JobID != done {
		t.Fatalf("reserved %s, want %s", l.JobID, done)
	}
	if err := s.Ack(ctx, l); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if _, err := s.Prune(ctx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("Prune(past): %v", err)
	}
	get(t, s, done)

	n, err := s.Prune(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n < 1 {
		t.Fatalf("Prune removed %d jobs, want at least 1", n)
	}
	if _, err := s.Get(ctx, done); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("pruned job still present: %v", err)
	}
	if got := get(t, s, keep); got.Status != job.StatusPending {
		t.Fatalf("Prune touched a pending job: %+v", got)
	}
}

func testQueueIsolation(t *testing.T, s storage.Store, queue string) {
	other := queue + "-other"
	enqueue(t, s, newJob(other, "elsewhere"))
	if j := reserve(t, s, queue, time.Minute); j != nil {
		t.Fatalf("reserved %s from the wrong queue", j.ID)
	}
	st, err := s.Stats(ctxT(t), other)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ByStatus[job.StatusPending] != 1 {
		t.Fatalf("Stats(%s) = %+v", other, st)
	}
}

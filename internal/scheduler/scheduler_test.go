package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"mailqueue/internal/dispatch"
	"mailqueue/internal/job"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

type recordingEmailer struct {
	mu   sync.Mutex
	sent []dispatch.Email
	err  error
}

func (r *recordingEmailer) DispatchEmail(_ context.Context, e dispatch.Email) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.sent = append(r.sent, e)
	return "id-" + e.Recipient, nil
}

func (r *recordingEmailer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func digest(spec string) Schedule {
	return Schedule{Name: "digest", Spec: spec, Recipient: "ops@example.com", Subject: "Daily digest", Message: "see dashboard"}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   SpecKind
		source string
		expr   string
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron", expr: "*/5 * * * *"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron", expr: "0 0 * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", expr: "@hourly"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", expr: "@every 10m0s"},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", expr: "@every 45s"},
		{name: "every prefix", raw: "every: 2h", kind: SpecInterval, source: "duration", expr: "@every 2h0m0s"},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", expr: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if got.Expr() != tt.expr {
				t.Fatalf("Expr = %q, want %q", got.Expr(), tt.expr)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "00:75", "500ms", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "ok", cfg: Config{PruneSpec: DefaultPruneSpec, Schedules: []Schedule{digest("0 8 * * *")}}},
		{name: "bad timezone", cfg: Config{Timezone: "Mars/Olympus"}, want: "invalid timezone"},
		{name: "bad cron", cfg: Config{Schedules: []Schedule{digest("61 * * * *")}}, want: "digest"},
		{name: "missing name", cfg: Config{Schedules: []Schedule{{Spec: "1h"}}}, want: "name required"},
		{name: "duplicate", cfg: Config{Schedules: []Schedule{digest("1h"), digest("2h")}}, want: "duplicate"},
		{name: "reserved", cfg: Config{Schedules: []Schedule{{Name: pruneEntry, Spec: "1h", Recipient: "a", Subject: "s", Message: "m"}}}, want: "reserved"},
		{name: "invalid email", cfg: Config{Schedules: []Schedule{{Name: "x", Spec: "1h", Subject: "s", Message: "m"}}}, want: "recipient is required"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestTriggerPrunesCompletedJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	id, err := st.Enqueue(ctx, job.New("q", "noop", nil))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := st.Reserve(ctx, "q", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("Reserve = %v, %v", j, err)
	}
	lease, _ := j.Lease()
	if err := st.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if _, err := st.Enqueue(ctx, job.New("q", "noop", nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	s := New(Config{PruneSpec: DefaultPruneSpec, Retention: time.Millisecond}, nil, st, logx.Nop())
	if err := s.Trigger(ctx, pruneEntry); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := st.Get(ctx, id); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("Get pruned job err = %v, want ErrNotFound", err)
	}
	stats, _ := st.Stats(ctx, "q")
	if stats.ByStatus[job.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1", stats.ByStatus[job.StatusPending])
	}

	h := s.Snapshot().History
	if len(h) != 1 || h[0].Result != "pruned 1" {
		t.Fatalf("history = %+v, want one 'pruned 1' entry", h)
	}
}

func TestTriggerDispatchesEmail(t *testing.T) {
	t.Parallel()

	em := &recordingEmailer{}
	s := New(Config{Schedules: []Schedule{digest("0 8 * * *")}}, em, nil, logx.Nop())
	if err := s.Trigger(context.Background(), "digest"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if em.count() != 1 || em.sent[0].Subject != "Daily digest" {
		t.Fatalf("sent = %+v, want one digest", em.sent)
	}

	if err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("Trigger unknown err = %v, want ErrUnknownEntry", err)
	}
}

func TestTriggerRecordsFailure(t *testing.T) {
	t.Parallel()

	em := &recordingEmailer{err: job.Storage("enqueue", errors.New("down"))}
	s := New(Config{Schedules: []Schedule{digest("1h")}}, em, nil, logx.Nop())
	if err := s.Trigger(context.Background(), "digest"); !errors.Is(err, job.ErrStorage) {
		t.Fatalf("Trigger err = %v, want ErrStorage", err)
	}
	h := s.Snapshot().History
	if len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v, want one failed run", h)
	}
}

func TestServiceRunsOnSchedule(t *testing.T) {
	t.Parallel()

	em := &recordingEmailer{}
	s := New(Config{Schedules: []Schedule{digest("@every 1s")}}, em, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	snap := s.Snapshot()
	if !snap.Running || len(snap.Entries) != 1 || snap.Entries[0].Next.IsZero() {
		t.Fatalf("snapshot = %+v, want one scheduled entry", snap)
	}

	deadline := time.Now().Add(3 * time.Second)
	for em.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if em.count() == 0 {
		t.Fatalf("no dispatch within 3s")
	}
}

func TestApplyKeepsOldEntriesOnError(t *testing.T) {
	t.Parallel()

	s := New(Config{Schedules: []Schedule{digest("1h")}}, &recordingEmailer{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	if err := s.Apply(Config{Schedules: []Schedule{digest("bogus")}}); err == nil {
		t.Fatalf("Apply with bad spec: expected error")
	}
	if got := s.Snapshot().Entries; len(got) != 1 || got[0].Spec != "@every 1h0m0s" {
		t.Fatalf("entries = %+v, want the original schedule", got)
	}

	weekly := digest("0 9 * * 1")
	weekly.Name = "weekly"
	if err := s.Apply(Config{PruneSpec: "30m", Schedules: []Schedule{weekly}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got := s.Snapshot().Entries
	if len(got) != 2 || got[0].Name != pruneEntry || got[1].Name != "weekly" {
		t.Fatalf("entries = %+v, want prune and weekly", got)
	}
}

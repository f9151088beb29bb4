package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mailqueue/internal/retry"
	logx "mailqueue/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./mq.db
queue:
  name: emails
  workers: 4
  lease_duration: 45s
jobs:
  max_attempts: 5
  timeout: 90s
retry:
  strategy: schedule
  schedule: [10s, 1m, 5m]
scheduler:
  enabled: true
  timezone: UTC
schedules:
  - name: digest
    spec: "0 8 * * *"
    recipient: ops@example.com
    subject: Daily digest
    message: see dashboard
http:
  enabled: true
  addr: 127.0.0.1:9090
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if s.Storage.Driver != "sqlite" || s.Storage.Path != "./mq.db" || s.Storage.BusyTimeout != time.Second {
		t.Fatalf("storage = %+v", s.Storage)
	}
	if s.Worker.Queue != "emails" || s.Worker.Workers != 4 || s.Worker.LeaseDuration != 45*time.Second {
		t.Fatalf("worker = %+v", s.Worker)
	}
	if s.Dispatch.Queue != "emails" || s.Dispatch.MaxAttempts != 5 || s.Dispatch.Timeout != 90*time.Second {
		t.Fatalf("dispatch = %+v", s.Dispatch)
	}
	sched, ok := s.Retry.Strategy.(retry.Schedule)
	if !ok || len(sched) != 3 || sched[1] != time.Minute {
		t.Fatalf("retry strategy = %#v, want 3-step schedule", s.Retry.Strategy)
	}
	if !s.SchedulerEnabled || s.Scheduler.PruneSpec != "@every 1h" || len(s.Scheduler.Schedules) != 1 {
		t.Fatalf("scheduler = %+v", s.Scheduler)
	}
	if !s.HTTPEnabled || s.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("http = %+v", s.HTTP)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown json field", path: "c.json", data: `{"queue":{"name":"x","speed":1}}`},
		{name: "unknown yaml field", path: "c.yml", data: "storage:\n  driver: memory\n  colour: blue\n"},
		{name: "trailing data", path: "c.json", data: `{} {}`},
		{name: "bad yaml", path: "c.yaml", data: "queue: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatalf("Decode(%s): expected error", tt.data)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	s, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.Storage.Driver != "" || !s.Logging.Console || s.Logging.Level != "info" {
		t.Fatalf("defaults = %+v / %+v", s.Storage, s.Logging)
	}
	if _, ok := s.Retry.Strategy.(retry.Exponential); !ok {
		t.Fatalf("default strategy = %T, want Exponential", s.Retry.Strategy)
	}
	if s.Retry.MaxHint != 10*time.Minute {
		t.Fatalf("MaxHint = %v, want 10m", s.Retry.MaxHint)
	}
	if s.Scheduler.Retention != 24*time.Hour {
		t.Fatalf("Retention = %v, want 24h", s.Scheduler.Retention)
	}

	off, err := Resolve(&Config{Maintenance: MaintenanceConfig{PruneSpec: "off"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off.Scheduler.PruneSpec != "" {
		t.Fatalf("PruneSpec = %q, want disabled", off.Scheduler.PruneSpec)
	}
}

func TestResolveReportsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Storage: StorageConfig{Driver: "postgres"},
		Queue:   QueueConfig{LeaseDuration: "forever"},
		Retry:   RetryConfig{Strategy: "fibonacci"},
		Notify:  NotifyConfig{Driver: "telegram"},
		Schedules: []ScheduleConfig{
			{Name: "x", Spec: "bogus", Recipient: "a@example.com", Subject: "s", Message: "m"},
		},
	}
	_, err := Resolve(cfg)
	if err == nil {
		t.Fatalf("Resolve: expected error")
	}
	for _, want := range []string{
		"storage.dsn is required",
		"queue.lease_duration",
		"unknown strategy",
		"notify.telegram.token",
		"scheduler: x",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Queue: QueueConfig{Workers: 2}, Notify: NotifyConfig{Telegram: TelegramConfig{Token: "a"}}}
	newCfg := &Config{Queue: QueueConfig{Workers: 4}, Notify: NotifyConfig{Telegram: TelegramConfig{Token: "b"}}}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "notify,queue" {
		t.Fatalf("changed = %v, want [notify queue]", changed)
	}
	if !RestartRequired(oldCfg, newCfg) {
		t.Fatalf("RestartRequired = false, want true for notify change")
	}
	if RestartRequired(&Config{Queue: QueueConfig{Workers: 1}}, &Config{Queue: QueueConfig{Workers: 3}}) {
		t.Fatalf("RestartRequired = true, want false for queue change")
	}
}

func TestRetryChanged(t *testing.T) {
	t.Parallel()
	sched := RetryConfig{Strategy: "schedule", Schedule: []string{"1s", "2s"}}
	tests := []struct {
		name     string
		old, new RetryConfig
		want     bool
	}{
		{name: "same schedule", old: sched, new: RetryConfig{Strategy: "schedule", Schedule: []string{"1s", "2s"}}},
		{name: "schedule delays", old: sched, new: RetryConfig{Strategy: "schedule", Schedule: []string{"1s", "5s"}}, want: true},
		{name: "strategy", old: sched, new: RetryConfig{Strategy: "exponential"}, want: true},
		{name: "max hint", old: RetryConfig{MaxHint: "1m"}, new: RetryConfig{MaxHint: "2m"}, want: true},
		{name: "unchanged exponential", old: RetryConfig{Strategy: "exponential", Base: "1s"}, new: RetryConfig{Strategy: "exponential", Base: "1s"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := RetryChanged(&Config{Retry: tt.old}, &Config{Retry: tt.new}); got != tt.want {
				t.Fatalf("RetryChanged = %v, want %v", got, tt.want)
			}
		})
	}
	if RetryChanged(nil, &Config{}) {
		t.Fatalf("RetryChanged(nil, cfg) = true, want false")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"queue":{"workers":3}}`)

	m := NewManager(path, logx.Nop())
	u, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if u.Settings.Worker.Workers != 3 || m.Current().Config.Queue.Workers != 3 {
		t.Fatalf("loaded workers = %d", u.Settings.Worker.Workers)
	}

	writeFile(t, path, `{"queue":{"workers":-1}}`)
	if _, err := m.Load(); err == nil {
		t.Fatalf("Load with negative workers: expected error")
	}
	if m.Current().Config.Queue.Workers != 3 {
		t.Fatalf("failed Load replaced the current config")
	}
}

func TestManagerReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"queue":{"workers":1}}`)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatalf("reload of unchanged file published an update")
	}

	writeFile(t, path, `{"queue":{"workers":2}}`)
	if !m.reload(ctx) {
		t.Fatalf("reload of changed file did not publish")
	}
	if u := <-ch; u.Settings.Worker.Workers != 2 {
		t.Fatalf("published workers = %d, want 2", u.Settings.Worker.Workers)
	}

	m.SetValidator(func(context.Context, Update) error { return os.ErrPermission })
	writeFile(t, path, `{"queue":{"workers":5}}`)
	if m.reload(ctx) {
		t.Fatalf("reload published a config the validator rejected")
	}
	if m.Current().Settings.Worker.Workers != 2 {
		t.Fatalf("rejected config was committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewManager("unused.json", logx.Nop())
	ch := m.Subscribe(1)
	m.publish(Update{Config: &Config{Queue: QueueConfig{Workers: 1}}})
	m.publish(Update{Config: &Config{Queue: QueueConfig{Workers: 2}}})

	if u := <-ch; u.Config.Queue.Workers != 2 {
		t.Fatalf("received workers = %d, want newest (2)", u.Config.Queue.Workers)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestManagerWatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "queue:\n  workers: 1\n")

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher needs a moment to register the directory.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		writeFile(t, path, "queue:\n  workers: 6\n")
		select {
		case u := <-ch:
			if u.Settings.Worker.Workers != 6 {
				t.Fatalf("workers = %d, want 6", u.Settings.Worker.Workers)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("no reload within 5s")
		}
	}
}

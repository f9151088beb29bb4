package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailqueue/internal/config"
	"mailqueue/internal/observe"
)

const baseConfig = `
logging:
  level: error
  console: true
storage:
  driver: memory
queue:
  name: emails
  workers: %d
  poll_interval: 10ms
  lease_duration: 1s
  shutdown_grace: 1s
jobs:
  max_attempts: 3
  timeout: 5s
notify:
  driver: log
maintenance:
  prune_spec: "off"
`

func writeConfig(t *testing.T, path string, workers int) {
	t.Helper()
	data := []byte(fmt.Sprintf(baseConfig, workers))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunProcessesDispatchedEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, 1)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "pool start", a.Pool().Running)
	if _, err := a.Dispatcher().Dispatch(ctx, "a@example.com", "Hello", "Body"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "job success", func() bool { return a.Counters().Get(observe.Succeeded) == 1 })

	writeConfig(t, path, 3)
	waitFor(t, "reload", func() bool { return a.Pool().Snapshot().Workers == 3 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if a.Pool().Running() {
		t.Fatalf("pool still running after Run returned")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: carrier-pigeon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Fatalf("New() = nil error, want invalid config")
	}
}

const scheduleConfig = `
logging:
  level: error
  console: true
storage:
  driver: memory
retry:
  strategy: schedule
  schedule: [1s, 2s]
maintenance:
  prune_spec: "off"
`

// newIdleApp builds an App from yaml without running it.
func newIdleApp(t *testing.T, yaml string) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		a.closeResources()
		_ = a.logs.Close()
	})
	return a
}

// resolveWith copies the app's current config, lets edit change it and
// resolves the result.
func resolveWith(t *testing.T, a *App, edit func(c *config.Config)) config.Update {
	t.Helper()
	cfg := *a.cfgm.Current().Config
	edit(&cfg)
	s, err := config.Resolve(&cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return config.Update{Config: &cfg, Settings: s}
}

func TestApplyWithScheduleStrategy(t *testing.T) {
	a := newIdleApp(t, scheduleConfig)
	ctx := context.Background()

	for _, delays := range [][]string{{"1s", "2s"}, {"1s", "5s"}} {
		delays := delays
		u := resolveWith(t, a, func(c *config.Config) {
			c.Queue.Workers = 3
			c.Retry.Schedule = delays
		})
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("apply panicked with schedule %v: %v", delays, r)
				}
			}()
			a.apply(ctx, u)
		}()
		if a.applied.Config != u.Config {
			t.Fatalf("applied config not updated for schedule %v", delays)
		}
	}
	if got := a.Pool().Snapshot().Workers; got != 3 {
		t.Fatalf("workers = %d, want 3", got)
	}
}

func TestValidateOpensChangedStorage(t *testing.T) {
	a := newIdleApp(t, scheduleConfig)
	ctx := context.Background()
	dir := t.TempDir()

	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tests := []struct {
		name    string
		edit    func(c *config.Config)
		wantErr bool
	}{
		{name: "unchanged", edit: func(c *config.Config) {}},
		{name: "queue only", edit: func(c *config.Config) { c.Queue.Workers = 4 }},
		{name: "sqlite that opens", edit: func(c *config.Config) {
			c.Storage = config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "ok.db")}
		}},
		{name: "sqlite under a file", edit: func(c *config.Config) {
			c.Storage = config.StorageConfig{Driver: "sqlite", Path: filepath.Join(blocker, "q.db")}
		}, wantErr: true},
		{name: "log file that opens", edit: func(c *config.Config) {
			c.Logging.File = config.LoggingFile{Enabled: true, Path: filepath.Join(dir, "mq.log")}
		}},
		{name: "log file under a file", edit: func(c *config.Config) {
			c.Logging.File = config.LoggingFile{Enabled: true, Path: filepath.Join(blocker, "mq.log")}
		}, wantErr: true},
	}
	for _, tt := range tests {
		u := resolveWith(t, a, tt.edit)
		if err := a.validate(ctx, u); (err != nil) != tt.wantErr {
			t.Fatalf("%s: validate() = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

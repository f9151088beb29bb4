package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mailqueue/internal/job"
	"mailqueue/internal/storage"
	"mailqueue/internal/storage/storagetest"
	logx "mailqueue/pkg/logx"
)

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return open(t, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")})
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	cfg := storage.Config{Driver: "sqlite", Path: path}

	s := open(t, cfg)
	ctx := t.Context()
	id, err := s.Enqueue(ctx, newTestJob())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = open(t, cfg)
	defer s.Close()
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.ID != id {
		t.Fatalf("id = %s, want %s", got.ID, id)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MAILQUEUE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILQUEUE_TEST_POSTGRES_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return open(t, storage.Config{Driver: "postgres", DSN: dsn})
	})
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("MAILQUEUE_TEST_REDIS_URL")
	if addr == "" {
		t.Skip("MAILQUEUE_TEST_REDIS_URL not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return open(t, storage.Config{Driver: "redis", DSN: addr, Prefix: "mqtest:"})
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MAILQUEUE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MAILQUEUE_TEST_MONGO_URI not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return open(t, storage.Config{Driver: "mongo", DSN: uri, Database: "mailqueue_test"})
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     storage.Config
		wantErr error
		anyErr  bool
	}{
		{name: "default is memory", cfg: storage.Config{}},
		{name: "memory alias", cfg: storage.Config{Driver: " MEM "}},
		{name: "none", cfg: storage.Config{Driver: "none"}, wantErr: storage.ErrDisabled},
		{name: "unknown", cfg: storage.Config{Driver: "cassandra"}, anyErr: true},
		{name: "sqlite without path", cfg: storage.Config{Driver: "sqlite"}, anyErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := storage.Open(tt.cfg, logx.Nop())
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open err = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatal("Open succeeded, want error")
				}
			default:
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				if err := s.Ping(t.Context()); err != nil {
					t.Fatalf("Ping: %v", err)
				}
				_ = s.Close()
			}
		})
	}
}

func open(t *testing.T, cfg storage.Config) storage.Store {
	t.Helper()
	cfg.DialTimeout = 5 * time.Second
	s, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", cfg.Driver, err)
	}
	return s
}

func newTestJob() *job.Job {
	return job.New("emails", "email.send", []byte(`{"recipient":"a@example.com"}`))
}

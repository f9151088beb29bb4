package storage

import (
	"errors"
	"fmt"

	logx "mailqueue/pkg/logx"
)

var (
	ErrDisabled = errors.New("storage disabled")
	errNilJob   = errors.New("nil job")
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch d := cfg.driver(); d {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", d)
	}
}

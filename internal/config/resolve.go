package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"mailqueue/internal/dispatch"
	"mailqueue/internal/httpapi"
	"mailqueue/internal/notify"
	"mailqueue/internal/retry"
	"mailqueue/internal/scheduler"
	"mailqueue/internal/storage"
	"mailqueue/internal/worker"
	logx "mailqueue/pkg/logx"
)

// Settings is the typed form of Config, ready to hand to each component.
type Settings struct {
	Logging  logx.Config
	Storage  storage.Config
	Worker   worker.Config
	Dispatch dispatch.Config
	Retry    retry.Policy
	Notify   notify.Config

	SchedulerEnabled bool
	Scheduler        scheduler.Config

	HTTPEnabled bool
	HTTP        httpapi.Config
}

// durations parses duration fields and collects every error.
type durations struct{ errs []error }

func (d *durations) get(path, raw string, def time.Duration) time.Duration {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	switch {
	case err != nil:
		d.errs = append(d.errs, fmt.Errorf("%s: invalid duration %q", path, raw))
		return def
	case v < 0:
		d.errs = append(d.errs, fmt.Errorf("%s: duration must be >= 0", path))
		return def
	case v == 0:
		return def
	}
	return v
}

// Resolve applies defaults and validates cfg. All problems are reported
// together.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		d    durations
		errs []error
		s    Settings
	)

	s.Logging = logx.Config{
		Level:   strings.TrimSpace(cfg.Logging.Level),
		Format:  strings.TrimSpace(cfg.Logging.Format),
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)},
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if !s.Logging.Console && !s.Logging.File.Enabled {
		s.Logging.Console = true
	}

	sc := cfg.Storage
	s.Storage = storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		Database:     strings.TrimSpace(sc.Database),
		Prefix:       sc.Prefix,
		MaxOpenConns: sc.MaxOpenConns,
		BusyTimeout:  d.get("storage.busy_timeout", sc.BusyTimeout, time.Second),
		DialTimeout:  d.get("storage.dial_timeout", sc.DialTimeout, 5*time.Second),
	}
	switch s.Storage.Driver {
	case "", "memory", "mem":
	case "sqlite", "sqlite3":
		if s.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	case "postgres", "postgresql", "pg", "redis", "mongo", "mongodb":
		if s.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required when storage.driver=%s", s.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver: %s", sc.Driver))
	}

	q := cfg.Queue
	if q.Workers < 0 {
		errs = append(errs, errors.New("queue.workers must be >= 0"))
	}
	s.Worker = worker.Config{
		Queue:         strings.TrimSpace(q.Name),
		Workers:       q.Workers,
		PollInterval:  d.get("queue.poll_interval", q.PollInterval, 0),
		LeaseDuration: d.get("queue.lease_duration", q.LeaseDuration, 0),
		ShutdownGrace: d.get("queue.shutdown_grace", q.ShutdownGrace, 0),
		HistorySize:   q.HistorySize,
	}

	jc := cfg.Jobs
	if jc.MaxAttempts < 0 || jc.MaxExceptions < 0 {
		errs = append(errs, errors.New("jobs.max_attempts and jobs.max_exceptions must be >= 0"))
	}
	s.Dispatch = dispatch.Config{
		Queue:         strings.TrimSpace(q.Name),
		MaxAttempts:   jc.MaxAttempts,
		MaxExceptions: jc.MaxExceptions,
		Timeout:       d.get("jobs.timeout", jc.Timeout, 0),
	}

	rc := cfg.Retry
	rcfg := retry.Config{
		Strategy: rc.Strategy,
		Base:     d.get("retry.base", rc.Base, 0),
		Max:      d.get("retry.max", rc.Max, 0),
	}
	for i, raw := range rc.Schedule {
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			errs = append(errs, fmt.Errorf("retry.schedule[%d]: invalid duration %q", i, raw))
			continue
		}
		rcfg.Schedule = append(rcfg.Schedule, v)
	}
	strategy, err := retry.New(rcfg)
	if err != nil {
		errs = append(errs, err)
	}
	s.Retry = retry.NewPolicy(strategy, d.get("retry.max_hint", rc.MaxHint, 10*time.Minute))

	nc := cfg.Notify
	s.Notify = notify.Config{
		Driver:   strings.ToLower(strings.TrimSpace(nc.Driver)),
		LogDelay: d.get("notify.log_delay", nc.LogDelay, 0),
		Telegram: notify.TelegramConfig{
			Token:      strings.TrimSpace(nc.Telegram.Token),
			RatePerSec: nc.Telegram.RatePerSec,
			Burst:      nc.Telegram.Burst,
			Offline:    nc.Telegram.Offline,
		},
	}
	switch s.Notify.Driver {
	case "", "log":
	case "telegram":
		if s.Notify.Telegram.Token == "" {
			errs = append(errs, errors.New("notify.telegram.token is required when notify.driver=telegram"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown notify.driver: %s", nc.Driver))
	}

	prune := strings.TrimSpace(cfg.Maintenance.PruneSpec)
	switch strings.ToLower(prune) {
	case "":
		prune = scheduler.DefaultPruneSpec
	case "off", "none", "disabled":
		prune = ""
	}
	s.SchedulerEnabled = cfg.Scheduler.Enabled
	s.Scheduler = scheduler.Config{
		Timezone:  strings.TrimSpace(cfg.Scheduler.Timezone),
		PruneSpec: prune,
		Retention: d.get("maintenance.retention", cfg.Maintenance.Retention, scheduler.DefaultRetention),
	}
	for _, e := range cfg.Schedules {
		s.Scheduler.Schedules = append(s.Scheduler.Schedules, scheduler.Schedule{
			Name:      e.Name,
			Spec:      e.Spec,
			Recipient: e.Recipient,
			Subject:   e.Subject,
			Message:   e.Message,
			Queue:     e.Queue,
		})
	}
	if err := scheduler.Validate(s.Scheduler); err != nil {
		errs = append(errs, err)
	}

	hc := cfg.HTTP
	s.HTTPEnabled = hc.Enabled
	s.HTTP = httpapi.Config{
		Addr:            strings.TrimSpace(hc.Addr),
		ReadTimeout:     d.get("http.read_timeout", hc.ReadTimeout, 0),
		WriteTimeout:    d.get("http.write_timeout", hc.WriteTimeout, 0),
		ShutdownTimeout: d.get("http.shutdown_timeout", hc.ShutdownTimeout, 0),
		Pprof:           httpapi.PprofConfig{Enabled: hc.Pprof.Enabled, Token: hc.Pprof.Token},
	}
	if hc.Enabled {
		if err := s.HTTP.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}

	if err := errors.Join(append(d.errs, errs...)...); err != nil {
		return Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

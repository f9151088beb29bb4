package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "mailqueue/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and log fields
// describing their new values. Secrets (DSN, bot token) are reported only
// as set or unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.name", newCfg.Queue.Name),
			logx.Int("queue.workers", newCfg.Queue.Workers),
			logx.String("queue.lease_duration", newCfg.Queue.LeaseDuration),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.max_attempts", newCfg.Jobs.MaxAttempts),
			logx.Int("jobs.max_exceptions", newCfg.Jobs.MaxExceptions),
			logx.String("jobs.timeout", newCfg.Jobs.Timeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs, logx.String("retry.strategy", newCfg.Retry.Strategy))
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.driver", newCfg.Notify.Driver),
			logx.Bool("notify.telegram.token_set", strings.TrimSpace(newCfg.Notify.Telegram.Token) != ""),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance || oldCfg.Scheduler != newCfg.Scheduler ||
		!reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.schedules", len(newCfg.Schedules)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof.Enabled),
			logx.Bool("http.pprof.token_set", strings.TrimSpace(newCfg.HTTP.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether the change touches settings that only take
// effect on restart.
func RestartRequired(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) ||
		oldCfg.Notify != newCfg.Notify ||
		oldCfg.HTTP != newCfg.HTTP
}

// RetryChanged reports whether the retry section differs. The worker pool
// keeps its policy until restart.
func RetryChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	a, b := oldCfg.Retry, newCfg.Retry
	return a.Strategy != b.Strategy || a.Base != b.Base || a.Max != b.Max ||
		a.MaxHint != b.MaxHint || !slices.Equal(a.Schedule, b.Schedule)
}

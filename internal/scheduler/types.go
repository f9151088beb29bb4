package scheduler

import (
	"context"
	"time"

	"mailqueue/internal/dispatch"
)

// Schedule dispatches one email every time Spec fires.
type Schedule struct {
	Name      string `json:"name"`
	Spec      string `json:"spec"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Queue     string `json:"queue,omitempty"`
}

type Config struct {
	// Timezone is an IANA name; empty means local time.
	Timezone string
	// PruneSpec is the maintenance schedule. Empty disables pruning.
	PruneSpec string
	// Retention is how long completed jobs are kept.
	Retention time.Duration
	Schedules []Schedule

	// RunTimeout bounds one entry run.
	RunTimeout  time.Duration
	HistorySize int
}

const (
	DefaultPruneSpec = "@every 1h"
	DefaultRetention = 24 * time.Hour

	defaultRunTimeout  = time.Minute
	defaultHistorySize = 100

	pruneEntry = "maintenance.prune"
)

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Emailer is the dispatcher API used by schedules.
type Emailer interface {
	DispatchEmail(ctx context.Context, e dispatch.Email) (string, error)
}

// Pruner deletes completed jobs finished before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

type HistoryItem struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type EntryInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

type Snapshot struct {
	Running  bool          `json:"running"`
	Timezone string        `json:"timezone"`
	Entries  []EntryInfo   `json:"entries"`
	History  []HistoryItem `json:"history,omitempty"`
}

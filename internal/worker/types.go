package worker

import (
	"errors"
	"time"
)

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrRunning = errors.New("worker pool already running")
)

// Config controls the worker pool.
type Config struct {
	Queue   string
	Workers int

	// PollInterval is the idle wait after Reserve finds nothing.
	PollInterval time.Duration
	// LeaseDuration is how long a reservation is valid without a heartbeat.
	// Running jobs extend their lease every LeaseDuration/3.
	LeaseDuration time.Duration
	// ShutdownGrace bounds how long Stop waits for running jobs before
	// cancelling them and releasing their leases.
	ShutdownGrace time.Duration

	HistorySize int
}

const (
	defaultWorkers       = 2
	defaultPollInterval  = time.Second
	defaultLease         = 30 * time.Second
	defaultShutdownGrace = 10 * time.Second
	defaultHistorySize   = 200
	minLease             = 30 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLease
	}
	if c.LeaseDuration < minLease {
		c.LeaseDuration = minLease
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// Outcome is what a worker did with one reservation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeReleased  Outcome = "released"
	OutcomeLeaseLost Outcome = "lease_lost"
)

type HistoryItem struct {
	JobID    string        `json:"job_id"`
	Name     string        `json:"name"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool   `json:"running"`
	Queue    string `json:"queue"`
	Workers  int    `json:"workers"`
	InFlight int    `json:"in_flight"`

	Processed uint64 `json:"processed"`
	Succeeded uint64 `json:"succeeded"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Released  uint64 `json:"released"`
	LeaseLost uint64 `json:"lease_lost"`

	History []HistoryItem `json:"history,omitempty"`
}

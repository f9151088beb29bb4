// Package retry decides what happens to a job after a failed run and how long
// it waits before the next one. Every strategy here is deterministic: the same
// attempt number and configuration always give the same delay.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultBase = 5 * time.Second
	DefaultMax  = 10 * time.Minute
)

// Strategy computes the delay before retry attempt n (1-indexed).
// Attempt 1 is the first retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
	String() string
}

// Fixed waits the same interval every time.
type Fixed struct {
	Interval time.Duration
}

func (f Fixed) Delay(int) time.Duration { return nonNeg(f.Interval) }
func (f Fixed) String() string          { return "fixed(" + f.Interval.String() + ")" }

// Linear waits Initial*attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Initial
	for i := 1; i < attempt; i++ {
		d += l.Initial
		if l.Max > 0 && d >= l.Max {
			return l.Max
		}
	}
	if l.Max > 0 && d > l.Max {
		d = l.Max
	}
	return nonNeg(d)
}

func (l Linear) String() string { return fmt.Sprintf("linear(%s,max=%s)", l.Initial, l.Max) }

// maxDelay is the largest representable delay.
const maxDelay = time.Duration(math.MaxInt64)

// Exponential waits Base*2^(attempt-1), capped at Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	// Saturates at Max, or at maxDelay when uncapped.
	for i := 1; i < attempt && d > 0; i++ {
		if d > maxDelay/2 {
			if e.Max > 0 {
				return e.Max
			}
			return maxDelay
		}
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	return nonNeg(d)
}

func (e Exponential) String() string { return fmt.Sprintf("exponential(%s,max=%s)", e.Base, e.Max) }

// Schedule uses an explicit list of delays; the last one repeats.
type Schedule []time.Duration

func (s Schedule) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s) {
		return nonNeg(s[len(s)-1])
	}
	return nonNeg(s[attempt-1])
}

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}
	return "schedule(" + strings.Join(parts, ",") + ")"
}

// Config selects and parameterizes a Strategy.
type Config struct {
	Strategy string // fixed | linear | exponential | schedule
	Base     time.Duration
	Max      time.Duration
	Schedule []time.Duration
}

// New builds the strategy described by cfg. An empty strategy name means exponential.
func New(cfg Config) (Strategy, error) {
	base := cfg.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxD := cfg.Max
	if maxD <= 0 {
		maxD = DefaultMax
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", "exponential", "exp":
		return Exponential{Base: base, Max: maxD}, nil
	case "fixed", "constant":
		return Fixed{Interval: base}, nil
	case "linear":
		return Linear{Initial: base, Max: maxD}, nil
	case "schedule", "list":
		if len(cfg.Schedule) == 0 {
			return nil, fmt.Errorf("retry: schedule strategy needs at least one delay")
		}
		for i, d := range cfg.Schedule {
			if d < 0 {
				return nil, fmt.Errorf("retry: schedule[%d] is negative (%s)", i, d)
			}
		}
		return append(Schedule(nil), cfg.Schedule...), nil
	default:
		return nil, fmt.Errorf("retry: unknown strategy %q", cfg.Strategy)
	}
}

func nonNeg(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

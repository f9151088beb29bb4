package retry

import (
	"errors"
	"testing"
	"time"

	"mailqueue/internal/job"
)

func TestStrategyDelays(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		strategy Strategy
		attempt  int
		want     time.Duration
	}{
		{name: "fixed", strategy: Fixed{Interval: 3 * time.Second}, attempt: 7, want: 3 * time.Second},
		{name: "exp first", strategy: Exponential{Base: time.Second, Max: time.Minute}, attempt: 1, want: time.Second},
		{name: "exp third", strategy: Exponential{Base: time.Second, Max: time.Minute}, attempt: 3, want: 4 * time.Second},
		{name: "exp capped", strategy: Exponential{Base: time.Second, Max: 10 * time.Second}, attempt: 8, want: 10 * time.Second},
		{name: "exp huge attempt", strategy: Exponential{Base: time.Second, Max: time.Hour}, attempt: 500, want: time.Hour},
		{name: "exp uncapped", strategy: Exponential{Base: time.Second}, attempt: 3, want: 4 * time.Second},
		{name: "exp uncapped saturates", strategy: Exponential{Base: time.Second}, attempt: 200, want: maxDelay},
		{name: "exp zero base", strategy: Exponential{}, attempt: 200, want: 0},
		{name: "exp zero attempt", strategy: Exponential{Base: time.Second, Max: time.Hour}, attempt: 0, want: time.Second},
		{name: "linear", strategy: Linear{Initial: 2 * time.Second, Max: time.Minute}, attempt: 3, want: 6 * time.Second},
		{name: "linear capped", strategy: Linear{Initial: 2 * time.Second, Max: 5 * time.Second}, attempt: 3, want: 5 * time.Second},
		{name: "schedule", strategy: Schedule{time.Second, 10 * time.Second, time.Minute}, attempt: 2, want: 10 * time.Second},
		{name: "schedule repeats last", strategy: Schedule{time.Second, time.Minute}, attempt: 9, want: time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.strategy.Delay(tt.attempt); got != tt.want {
				t.Fatalf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
			}
			if a, b := tt.strategy.Delay(tt.attempt), tt.strategy.Delay(tt.attempt); a != b {
				t.Fatalf("Delay not deterministic: %s vs %s", a, b)
			}
		})
	}
}

func TestNewStrategy(t *testing.T) {
	t.Parallel()
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New(empty): %v", err)
	}
	if _, ok := s.(Exponential); !ok {
		t.Fatalf("default strategy = %T, want Exponential", s)
	}
	if _, err := New(Config{Strategy: "schedule"}); err == nil {
		t.Fatal("schedule without delays should fail")
	}
	if _, err := New(Config{Strategy: "bogus"}); err == nil {
		t.Fatal("unknown strategy should fail")
	}
	s, err = New(Config{Strategy: "fixed", Base: 2 * time.Second})
	if err != nil || s.Delay(5) != 2*time.Second {
		t.Fatalf("fixed strategy = %v, %v", s, err)
	}
}

func newJob(maxAttempts, maxExceptions, attempts, exceptions int) *job.Job {
	j := job.New("default", "email.send", nil)
	j.MaxAttempts, j.MaxExceptions = maxAttempts, maxExceptions
	j.Attempts, j.Exceptions = attempts, exceptions
	return j
}

func TestDecide(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Exponential{Base: time.Second, Max: time.Minute}, 30*time.Second)
	boom := errors.New("smtp down")

	tests := []struct {
		name       string
		j          *job.Job
		err        error
		action     Action
		reason     error
		delay      time.Duration
		attempts   int
		exceptions int
	}{
		{name: "first failure retries", j: newJob(3, 3, 0, 0), err: boom, action: ActionRetry, delay: time.Second, attempts: 1, exceptions: 1},
		{name: "second failure backs off", j: newJob(3, 3, 1, 1), err: boom, action: ActionRetry, delay: 2 * time.Second, attempts: 2, exceptions: 2},
		{name: "attempts exhausted", j: newJob(2, 3, 1, 1), err: boom, action: ActionFail, reason: job.ErrMaxAttemptsExceeded, attempts: 2, exceptions: 2},
		{name: "exceptions checked first", j: newJob(3, 2, 1, 1), err: boom, action: ActionFail, reason: job.ErrMaxExceptionsExceeded, attempts: 2, exceptions: 2},
		{name: "exceptions before attempts budget", j: newJob(10, 2, 4, 1), err: boom, action: ActionFail, reason: job.ErrMaxExceptionsExceeded, attempts: 5, exceptions: 2},
		{name: "no retry is fatal", j: newJob(3, 3, 0, 0), err: job.NoRetry(boom), action: ActionFail, attempts: 1, exceptions: 1},
		{name: "retry after hint", j: newJob(3, 3, 0, 0), err: job.RetryAfter(boom, 7*time.Second), action: ActionRetry, delay: 7 * time.Second, attempts: 1, exceptions: 1},
		{name: "retry after bounded", j: newJob(3, 3, 0, 0), err: job.RetryAfter(boom, time.Hour), action: ActionRetry, delay: 30 * time.Second, attempts: 1, exceptions: 1},
		{name: "voluntary release", j: newJob(3, 3, 0, 0), err: job.Release(9 * time.Second), action: ActionRetry, delay: 9 * time.Second, attempts: 1, exceptions: 0},
		{name: "voluntary release exhausts attempts", j: newJob(2, 3, 1, 0), err: job.Release(time.Second), action: ActionFail, reason: job.ErrMaxAttemptsExceeded, attempts: 2, exceptions: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.j, tt.err)
			if d.Action != tt.action {
				t.Fatalf("Action = %s, want %s", d.Action, tt.action)
			}
			if !errors.Is(d.Reason, tt.reason) || (tt.reason == nil && d.Reason != nil) {
				t.Fatalf("Reason = %v, want %v", d.Reason, tt.reason)
			}
			if d.Action == ActionRetry && d.Delay != tt.delay {
				t.Fatalf("Delay = %s, want %s", d.Delay, tt.delay)
			}
			if d.Attempts != tt.attempts || d.Exceptions != tt.exceptions {
				t.Fatalf("counters = (%d,%d), want (%d,%d)", d.Attempts, d.Exceptions, tt.attempts, tt.exceptions)
			}
			if !errors.Is(d.Err(), tt.err) && tt.err != nil {
				t.Fatalf("Err() = %v does not wrap cause %v", d.Err(), tt.err)
			}
		})
	}
}

func TestAttemptBudgetIsNeverExceeded(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Fixed{Interval: time.Second}, 0)
	for n := 1; n <= 6; n++ {
		j := newJob(n, 100, 0, 0)
		runs := 0
		for {
			runs++
			d := p.Decide(j, errors.New("fail"))
			j.Attempts, j.Exceptions = d.Attempts, d.Exceptions
			if d.Action == ActionFail {
				break
			}
			if runs > n {
				t.Fatalf("max_attempts=%d: still retrying after %d runs", n, runs)
			}
		}
		if runs != n {
			t.Fatalf("max_attempts=%d: ran %d times", n, runs)
		}
	}
}

func TestFinalError(t *testing.T) {
	t.Parallel()
	d := Decision{Reason: job.ErrMaxAttemptsExceeded, Cause: errors.New("smtp down")}
	want := job.ErrMaxAttemptsExceeded.Error() + ": smtp down"
	if got := d.FinalError(); got != want {
		t.Fatalf("FinalError = %q, want %q", got, want)
	}
}

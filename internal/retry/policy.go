package retry

import (
	"errors"
	"fmt"
	"time"

	"mailqueue/internal/job"
)

type Action int

const (
	ActionRetry Action = iota
	ActionFail
)

func (a Action) String() string {
	if a == ActionFail {
		return "fail"
	}
	return "retry"
}

// Decision is the outcome of one failed run.
type Decision struct {
	Action Action
	Delay  time.Duration
	Charge job.Charge

	// Cause is the error the run produced. Reason is the threshold that
	// terminated the job (nil for retries and fatal errors).
	Cause  error
	Reason error

	// Counters after Charge is applied.
	Attempts   int
	Exceptions int
}

// FinalError is the message stored in the failure record.
func (d Decision) FinalError() string {
	switch {
	case d.Reason != nil && d.Cause != nil:
		return fmt.Sprintf("%v: %v", d.Reason, d.Cause)
	case d.Reason != nil:
		return d.Reason.Error()
	case d.Cause != nil:
		return d.Cause.Error()
	default:
		return ""
	}
}

// Err joins Reason and Cause so errors.Is matches either.
func (d Decision) Err() error {
	if d.Reason == nil {
		return d.Cause
	}
	if d.Cause == nil {
		return d.Reason
	}
	return fmt.Errorf("%w: %w", d.Reason, d.Cause)
}

// Policy turns a failed run into a retry or a terminal failure.
type Policy struct {
	Strategy Strategy
	// MaxHint bounds RetryAfter hints coming from handlers.
	MaxHint time.Duration
}

func NewPolicy(s Strategy, maxHint time.Duration) Policy {
	if s == nil {
		s = Exponential{Base: DefaultBase, Max: DefaultMax}
	}
	return Policy{Strategy: s, MaxHint: maxHint}
}

// Decide classifies err for j, whose counters do not yet include this run.
//
// Checks run in order: non-retryable errors, the exception budget, then the
// attempt budget. A voluntary release (job.Release) only consumes an attempt.
func (p Policy) Decide(j *job.Job, err error) Decision {
	if rel, ok := job.AsRelease(err); ok {
		d := Decision{Action: ActionRetry, Charge: job.ChargeAttempt, Cause: err, Delay: rel.Delay}
		d.Attempts, d.Exceptions = d.Charge.Apply(j)
		if j.MaxAttempts > 0 && d.Attempts >= j.MaxAttempts {
			d.Action = ActionFail
			d.Reason = job.ErrMaxAttemptsExceeded
			d.Delay = 0
		}
		return d
	}

	d := Decision{Action: ActionFail, Charge: job.ChargeException, Cause: err}
	d.Attempts, d.Exceptions = d.Charge.Apply(j)

	switch {
	case job.IsNoRetry(err):
		return d
	case j.MaxExceptions > 0 && d.Exceptions >= j.MaxExceptions:
		d.Reason = job.ErrMaxExceptionsExceeded
		return d
	case j.MaxAttempts > 0 && d.Attempts >= j.MaxAttempts:
		d.Reason = job.ErrMaxAttemptsExceeded
		return d
	}

	d.Action = ActionRetry
	d.Delay = p.delay(d.Attempts, err)
	return d
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var ra job.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		h := ra.RetryAfter()
		if h < 0 {
			h = 0
		}
		maxD := p.MaxHint
		if maxD <= 0 {
			maxD = DefaultMax
		}
		if h > maxD {
			h = maxD
		}
		return h
	}
	s := p.Strategy
	if s == nil {
		s = Exponential{Base: DefaultBase, Max: DefaultMax}
	}
	return s.Delay(attempt)
}

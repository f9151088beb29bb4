package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"mailqueue/internal/job"
	"mailqueue/internal/observe"
	"mailqueue/internal/retry"
	logx "mailqueue/pkg/logx"
)

const (
	storeOpTimeout = 10 * time.Second
	hookTimeout    = 30 * time.Second
)

// errShutdown marks a run interrupted by Stop. It never reaches the policy.
var errShutdown = errors.New("worker shutting down")

// errLeaseLost marks a run whose heartbeat found the lease gone.
var errLeaseLost = errors.New("lease lost during execution")

// detached returns a context for store writes that must happen even while the
// pool is cancelling executions.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (p *Pool) process(ctx context.Context, cfg Config, j *job.Job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	p.processed.Add(1)

	start := time.Now()
	item := HistoryItem{JobID: j.ID, Name: j.Name, Attempt: j.Attempts + 1, Started: start}
	defer func() {
		item.Duration = time.Since(start)
		p.remember(item, cfg.HistorySize)
	}()

	lease, ok := j.Lease()
	if !ok {
		p.log.Error("reserved job has no lease", logx.JobID(j.ID))
		return
	}
	log := p.log.With(logx.JobID(j.ID), logx.String("job", j.Name), logx.Int("attempt", item.Attempt))

	if j.Exhausted() {
		d := retry.Decision{
			Action:     retry.ActionFail,
			Charge:     job.ChargeNone,
			Cause:      job.ErrMaxAttemptsExceeded,
			Attempts:   j.Attempts,
			Exceptions: j.Exceptions,
		}
		h, _ := p.handlers.Lookup(j.Name)
		item.Outcome, item.Error = p.fail(ctx, log, h, j, lease, d), d.FinalError()
		return
	}

	h, found := p.handlers.Lookup(j.Name)
	var runErr error
	if !found {
		runErr = job.NoRetry(fmt.Errorf("%w: %q", job.ErrUnknownHandler, j.Name))
	} else {
		p.obs.Observe(ctx, observe.FromJob(observe.Started, j))
		lease, runErr = p.execute(ctx, cfg, log, h, j, lease)
	}

	switch {
	case errors.Is(runErr, errLeaseLost):
		item.Outcome, item.Error = OutcomeLeaseLost, runErr.Error()
		p.lost(ctx, log, j, runErr)

	case errors.Is(runErr, errShutdown):
		item.Outcome = OutcomeReleased
		sctx, cancel := detached(ctx, storeOpTimeout)
		defer cancel()
		if err := p.store.Release(sctx, lease, 0, job.ChargeNone, ""); err != nil {
			item.Outcome = p.storeError(ctx, log, j, "release", err)
			return
		}
		p.released.Add(1)
		log.Info("job released on shutdown")

	case runErr == nil:
		item.Outcome = OutcomeSucceeded
		sctx, cancel := detached(ctx, storeOpTimeout)
		defer cancel()
		if err := p.store.Ack(sctx, lease); err != nil {
			item.Outcome = p.storeError(ctx, log, j, "ack", err)
			return
		}
		p.succeeded.Add(1)
		e := observe.FromJob(observe.Succeeded, j)
		e.Duration = time.Since(start)
		p.obs.Observe(ctx, e)

	default:
		item.Error = runErr.Error()
		d := p.policy.Decide(j, runErr)
		if d.Action == retry.ActionFail {
			item.Outcome = p.fail(ctx, log, h, j, lease, d)
			item.Error = d.FinalError()
			return
		}
		item.Outcome = p.retry(ctx, log, j, lease, d)
	}
}

// execute runs h under the job timeout while a heartbeat extends the lease.
// It returns the most recent lease and the run's error.
func (p *Pool) execute(ctx context.Context, cfg Config, log logx.Logger, h job.Handler, j *job.Job, lease job.Lease) (job.Lease, error) {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = job.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				done <- job.Classify(job.KindPanic, fmt.Errorf("panic: %v", r))
			}
		}()
		done <- h.Run(runCtx, j.Clone())
	}()

	beat := time.NewTicker(max(cfg.LeaseDuration/3, 10*time.Millisecond))
	defer beat.Stop()

	for {
		select {
		case err := <-done:
			return lease, p.classify(ctx, runCtx, timeout, err)

		case <-runCtx.Done():
			// A handler that returned in the same instant still wins.
			select {
			case err := <-done:
				return lease, p.classify(ctx, runCtx, timeout, err)
			default:
			}
			if ctx.Err() != nil {
				return lease, errShutdown
			}
			log.Warn("job timed out; abandoning execution", logx.Duration("timeout", timeout))
			return lease, job.Classify(job.KindTimeout, fmt.Errorf("job exceeded timeout of %s", timeout))

		case <-beat.C:
			sctx, scancel := detached(ctx, storeOpTimeout)
			next, err := p.store.Extend(sctx, lease, cfg.LeaseDuration)
			scancel()
			switch {
			case err == nil:
				lease = next
			case errors.Is(err, job.ErrLeaseLost), errors.Is(err, job.ErrNotFound):
				cancel()
				return lease, fmt.Errorf("%w: %w", errLeaseLost, err)
			default:
				log.Warn("lease extend failed", logx.Err(err))
			}
		}
	}
}

func (p *Pool) classify(ctx, runCtx context.Context, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return errShutdown
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return job.Classify(job.KindTimeout, fmt.Errorf("job exceeded timeout of %s: %w", timeout, err))
	}
	return job.Classify(job.KindExecution, err)
}

func (p *Pool) retry(ctx context.Context, log logx.Logger, j *job.Job, lease job.Lease, d retry.Decision) Outcome {
	sctx, cancel := detached(ctx, storeOpTimeout)
	defer cancel()
	if err := p.store.Release(sctx, lease, d.Delay, d.Charge, d.Cause.Error()); err != nil {
		return p.storeError(ctx, log, j, "release", err)
	}
	p.retried.Add(1)
	e := observe.FromJob(observe.Retrying, j).WithError(d.Cause)
	e.Attempts = d.Attempts
	e.Delay = d.Delay
	p.obs.Observe(ctx, e)
	return OutcomeRetried
}

// fail records the terminal failure and then runs the failure hook once.
// The hook is skipped when the store did not accept the failure, and still
// runs when only the failure record is pending.
func (p *Pool) fail(ctx context.Context, log logx.Logger, h job.Handler, j *job.Job, lease job.Lease, d retry.Decision) Outcome {
	sctx, cancel := detached(ctx, storeOpTimeout)
	defer cancel()
	rec, err := p.store.Fail(sctx, lease, d.Charge, d.FinalError())
	switch {
	case errors.Is(err, job.ErrFailureRecordPending):
		// The job is terminal; only the record is late.
		log.Warn("job failed with failure record pending", logx.Err(err))
	case err != nil:
		return p.storeError(ctx, log, j, "fail", err)
	}
	p.failed.Add(1)

	failedJob := j.Clone()
	failedJob.Status = job.StatusFailed
	failedJob.Attempts = rec.Attempts
	failedJob.Exceptions = rec.Exceptions
	failedJob.LastError = rec.FinalError
	failedAt := rec.FailedAt
	failedJob.FailedAt = &failedAt
	failedJob.ReservedAt, failedJob.LeaseExpiresAt, failedJob.LeaseToken = nil, nil, ""

	e := observe.FromJob(observe.Failed, failedJob)
	e.Error = rec.FinalError
	p.obs.Observe(ctx, e)

	if hook, ok := h.(job.FailureHook); ok {
		p.runHook(ctx, log, hook, failedJob, d.Cause)
	}
	return OutcomeFailed
}

func (p *Pool) runHook(ctx context.Context, log logx.Logger, hook job.FailureHook, j *job.Job, cause error) {
	hctx, cancel := detached(ctx, hookTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("failure hook panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	hook.OnFailure(hctx, j, cause)
}

func (p *Pool) lost(ctx context.Context, log logx.Logger, j *job.Job, err error) {
	p.leaseLost.Add(1)
	log.Warn("lease lost; job left for reclamation", logx.Err(err))
	p.obs.Observe(ctx, observe.FromJob(observe.LeaseLost, j).WithError(err))
}

// storeError handles a rejected ack, release or fail. A lost lease means
// another worker owns the job now; anything else leaves the job to be
// reclaimed once its lease expires.
func (p *Pool) storeError(ctx context.Context, log logx.Logger, j *job.Job, op string, err error) Outcome {
	if errors.Is(err, job.ErrLeaseLost) || errors.Is(err, job.ErrNotFound) {
		p.lost(ctx, log, j, fmt.Errorf("%s: %w", op, err))
		return OutcomeLeaseLost
	}
	log.Error("store rejected job transition", logx.String("op", op), logx.Err(err))
	return OutcomeLeaseLost
}

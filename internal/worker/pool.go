// Package worker runs jobs reserved from a storage.Store.
//
// Each worker loops Reserve → run under timeout → Ack, Release or Fail.
// A running job's lease is extended in the background; a job whose lease
// cannot be extended is abandoned and left for another worker to reclaim.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mailqueue/internal/job"
	"mailqueue/internal/observe"
	"mailqueue/internal/retry"
	rtsup "mailqueue/internal/runtime/supervisor"
	"mailqueue/internal/storage"
	logx "mailqueue/pkg/logx"
)

// Deps are the collaborators a Pool needs.
type Deps struct {
	Store    storage.Store
	Handlers *job.Registry
	Policy   retry.Policy
	Observer observe.Observer
	Log      logx.Logger
}

type Pool struct {
	store    storage.Store
	handlers *job.Registry
	policy   retry.Policy
	obs      observe.Observer
	log      logx.Logger

	mu         sync.Mutex
	cfg        Config
	parent     context.Context
	sup        *rtsup.Supervisor
	stopCh     chan struct{}
	execCancel context.CancelFunc

	inFlight  atomic.Int32
	processed atomic.Uint64
	succeeded atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
	leaseLost atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, d Deps) *Pool {
	if d.Handlers == nil {
		d.Handlers = job.NewRegistry()
	}
	if d.Observer == nil {
		d.Observer = observe.Nop{}
	}
	if d.Policy.Strategy == nil {
		d.Policy = retry.NewPolicy(nil, d.Policy.MaxHint)
	}
	return &Pool{
		store:    d.Store,
		handlers: d.Handlers,
		policy:   d.Policy,
		obs:      d.Observer,
		log:      d.Log.With(logx.String("comp", "worker")),
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the workers. Executions outlive ctx cancellation until Stop
// decides to cancel them, so a job in progress is never torn down by the
// caller's context alone.
func (p *Pool) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.store == nil {
		return errors.New("worker pool: nil store")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return ErrRunning
	}
	cfg := p.cfg

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sup := rtsup.New(ctx, rtsup.WithLogger(p.log))
	stopCh := make(chan struct{})

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return p.loop(c, execCtx, stopCh, cfg)
		}, rtsup.WithPublishFirstError(true))
	}

	p.parent = ctx
	p.sup = sup
	p.stopCh = stopCh
	p.execCancel = cancel
	p.log.Info("worker pool started",
		logx.Queue(cfg.Queue),
		logx.Int("workers", cfg.Workers),
		logx.Duration("lease", cfg.LeaseDuration),
	)
	return nil
}

// Stop stops reserving and waits for running jobs. Once ShutdownGrace or ctx
// expires, running jobs are cancelled and their leases released without
// charging an attempt.
func (p *Pool) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	sup, cancel, grace := p.sup, p.execCancel, p.cfg.ShutdownGrace
	p.stopCh, p.sup, p.execCancel = nil, nil, nil
	p.mu.Unlock()

	graceCtx, graceCancel := context.WithTimeout(ctx, grace)
	_ = sup.Wait(graceCtx)
	expired := graceCtx.Err() != nil
	graceCancel()

	if expired {
		p.log.Warn("shutdown grace expired; releasing running jobs", logx.Int("in_flight", int(p.inFlight.Load())))
	}
	cancel()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool stop timed out", logx.Err(err))
		return err
	}
	p.log.Info("worker pool stopped")
	return nil
}

// Apply updates the configuration. A running pool is restarted when the
// queue, worker count or lease changed.
func (p *Pool) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	p.mu.Lock()
	prev := p.cfg
	p.cfg = cfg
	running := p.stopCh != nil
	parent := p.parent
	p.mu.Unlock()

	if !running {
		return nil
	}
	if prev.Queue == cfg.Queue && prev.Workers == cfg.Workers && prev.LeaseDuration == cfg.LeaseDuration {
		return nil
	}
	if err := p.Stop(ctx); err != nil {
		return err
	}
	return p.Start(parent)
}

// Running reports whether workers are active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCh != nil
}

// Supervisor exposes worker goroutine state for health output. It is nil
// while the pool is stopped.
func (p *Pool) Supervisor() *rtsup.Supervisor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sup
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	cfg := p.cfg
	running := p.stopCh != nil
	p.mu.Unlock()

	p.hmu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.hmu.Unlock()

	return Snapshot{
		Running:   running,
		Queue:     cfg.Queue,
		Workers:   cfg.Workers,
		InFlight:  int(p.inFlight.Load()),
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
		Released:  p.released.Load(),
		LeaseLost: p.leaseLost.Load(),
		History:   h,
	}
}

func (p *Pool) loop(ctx, execCtx context.Context, stopCh <-chan struct{}, cfg Config) error {
	idle := time.NewTimer(0)
	defer idle.Stop()
	<-idle.C

	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		j, err := p.store.Reserve(ctx, cfg.Queue, cfg.LeaseDuration)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("reserve failed", logx.Queue(cfg.Queue), logx.Err(err))
		}
		if j != nil {
			p.process(execCtx, cfg, j)
			continue
		}

		idle.Reset(cfg.PollInterval)
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
		}
	}
}

func (p *Pool) remember(item HistoryItem, size int) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > size {
		p.history = p.history[len(p.history)-size:]
	}
	p.hmu.Unlock()
}

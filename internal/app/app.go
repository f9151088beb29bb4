// Package app wires the queue components together and runs them until the
// process is asked to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"

	"mailqueue/internal/config"
	"mailqueue/internal/dispatch"
	"mailqueue/internal/eventbus"
	"mailqueue/internal/httpapi"
	"mailqueue/internal/job"
	"mailqueue/internal/mailjob"
	"mailqueue/internal/notify"
	"mailqueue/internal/observe"
	"mailqueue/internal/scheduler"
	"mailqueue/internal/storage"
	"mailqueue/internal/worker"
	logx "mailqueue/pkg/logx"
	"mailqueue/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store    storage.Store
	bus      *eventbus.Bus[observe.Event]
	counters *observe.Counters

	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	sched      *scheduler.Service
	api        *httpapi.API

	// applied is the settings currently in effect. Only the reload loop
	// writes it after Run starts.
	applied config.Update
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Run.
func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info").With(logx.String("comp", "app"))
	cfgm := config.NewManager(cfgPath, boot)
	u, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s := u.Settings

	logs, log, err := logx.New(s.Logging)
	if err != nil {
		log.Warn("log file unavailable; logging to console", logx.Err(err))
	}
	cfgm.SetLogger(log)

	store, err := storage.Open(s.Storage, log)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sink, err := notify.Open(s.Notify, log)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("open notify sink: %w", err)
	}

	a := &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log.With(logx.String("comp", "app")),
		store:    store,
		bus:      eventbus.New[observe.Event](),
		counters: &observe.Counters{},
		applied:  u,
	}

	handlers := job.NewRegistry()
	if err := mailjob.New(sink, log).Register(handlers); err != nil {
		a.closeResources()
		return nil, err
	}
	obs := observe.Multi{
		observe.LogObserver{Log: log.With(logx.String("comp", "events"))},
		observe.BusObserver{Bus: a.bus},
		a.counters,
	}

	a.dispatcher = dispatch.New(store, s.Dispatch, obs, log)
	a.pool = worker.New(s.Worker, worker.Deps{
		Store:    store,
		Handlers: handlers,
		Policy:   s.Retry,
		Observer: obs,
		Log:      log,
	})
	a.sched = scheduler.New(s.Scheduler, a.dispatcher, store, log)
	a.api = httpapi.New(httpapi.Deps{
		Dispatcher: a.dispatcher,
		Store:      store,
		Pool:       a.pool,
		Events:     a.bus,
		Pprof:      s.HTTP.Pprof,
		Log:        log,
	})

	a.log.Info("app initialized",
		logx.String("storage", driverName(s.Storage.Driver)),
		logx.String("notify", driverName(s.Notify.Driver)),
		logx.Queue(s.Worker.Queue),
	)
	return a, nil
}

func driverName(d string) string {
	if d == "" {
		return "default"
	}
	return d
}

func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }
func (a *App) Pool() *worker.Pool               { return a.pool }
func (a *App) Counters() *observe.Counters      { return a.counters }

// Run starts the pool, the scheduler, the HTTP API and config hot reload,
// then blocks until ctx is cancelled or a component fails. Shutdown drains
// the pool before closing storage.
func (a *App) Run(ctx context.Context) error {
	s := a.applied.Settings
	a.cfgm.SetValidator(a.validate)

	if err := a.pool.Start(ctx); err != nil {
		a.closeResources()
		return err
	}
	if s.SchedulerEnabled {
		if err := a.sched.Start(ctx); err != nil {
			_ = a.pool.Stop(context.Background())
			a.closeResources()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.HTTPEnabled {
		srv := httpapi.NewServer(s.HTTP, a.api.Handler(), a.log)
		g.Go(func() error { return srv.Run(gctx) })
	}
	updates := a.cfgm.Subscribe(4)
	g.Go(func() error { return a.cfgm.Watch(gctx) })
	g.Go(func() error {
		defer a.cfgm.Unsubscribe(updates)
		return a.reloadLoop(gctx, updates)
	})
	g.Go(func() error { return systemd.Watchdog(gctx, a.store.Ping) })

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("notified systemd: ready")
	}
	a.log.Info("mailqueue running", logx.Int("workers", a.pool.Snapshot().Workers), logx.Bool("http", s.HTTPEnabled))

	<-gctx.Done()
	_, _ = systemd.Stopping()
	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.log.Error("component failed", logx.Err(runErr))
	} else {
		runErr = nil
	}

	a.stop(s.Worker.ShutdownGrace)
	return runErr
}

// validate opens changed storage and notify settings before a reload is
// committed. They only take effect on restart, so a setting that cannot be
// opened now is rejected rather than left to fail the next start.
func (a *App) validate(ctx context.Context, u config.Update) error {
	prev := a.cfgm.Current().Config
	if prev == nil || u.Config == nil {
		return nil
	}
	if !reflect.DeepEqual(prev.Storage, u.Config.Storage) {
		st, err := storage.Open(u.Settings.Storage, logx.Nop())
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		err = st.Ping(ctx)
		_ = st.Close()
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	if lf := u.Settings.Logging.File; lf.Enabled && prev.Logging.File != u.Config.Logging.File {
		f, err := logx.OpenFile(lf.Path)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		_ = f.Close()
	}
	if prev.Notify != u.Config.Notify {
		if _, err := notify.Open(u.Settings.Notify, logx.Nop()); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return ctx.Err()
}

func (a *App) reloadLoop(ctx context.Context, updates <-chan config.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			a.apply(ctx, u)
		}
	}
}

// apply pushes a reloaded config into the running components.
func (a *App) apply(ctx context.Context, u config.Update) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	prev := a.applied
	s := u.Settings
	if config.RestartRequired(prev.Config, u.Config) {
		a.log.Warn("storage, notify or http config changed; restart required for those changes to take effect")
	}

	if err := a.logs.Apply(s.Logging); err != nil {
		a.log.Warn("logging config rejected; keeping previous sinks", logx.Err(err))
	}
	a.dispatcher.Apply(s.Dispatch)
	if err := a.pool.Apply(ctx, s.Worker); err != nil {
		a.log.Error("worker pool reload failed", logx.Err(err))
	}

	if err := a.sched.Apply(s.Scheduler); err != nil {
		a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
	}
	switch {
	case s.SchedulerEnabled && !prev.Settings.SchedulerEnabled:
		if err := a.sched.Start(ctx); err != nil {
			a.log.Error("scheduler start failed", logx.Err(err))
		}
	case !s.SchedulerEnabled && prev.Settings.SchedulerEnabled:
		_ = a.sched.Stop(ctx)
	}

	if config.RetryChanged(prev.Config, u.Config) {
		a.log.Warn("retry policy changed; restart required for it to take effect")
	}
	a.applied = u
	a.log.Info("config applied")
}

// stop shuts components down in dependency order, each step bounded so one
// stuck component cannot stall the rest.
func (a *App) stop(grace time.Duration) {
	a.log.Info("stopping")
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), limit)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	// The pool gets its grace period plus time to release leases.
	step("worker", grace+5*time.Second, a.pool.Stop)
	a.closeResources()
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func (a *App) closeResources() {
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

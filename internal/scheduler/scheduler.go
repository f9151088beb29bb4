package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mailqueue/internal/dispatch"
	logx "mailqueue/pkg/logx"
)

var ErrUnknownEntry = errors.New("unknown schedule entry")

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type entry struct {
	name string
	spec string
	run  func(ctx context.Context) (string, error)

	id cron.EntryID
}

type Service struct {
	emailer Emailer
	pruner  Pruner
	log     logx.Logger

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	entries   []*entry
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, emailer Emailer, pruner Pruner, log logx.Logger) *Service {
	return &Service{
		emailer: emailer,
		pruner:  pruner,
		log:     log.With(logx.String("comp", "scheduler")),
		cfg:     cfg.withDefaults(),
	}
}

// Validate checks every spec, name and the timezone without touching a
// running service.
func Validate(cfg Config) error {
	_, _, err := build(cfg.withDefaults(), nil, nil)
	return err
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}

func build(cfg Config, emailer Emailer, pruner Pruner) (*time.Location, []*entry, error) {
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, err
	}

	var out []*entry
	seen := map[string]bool{}
	add := func(name, raw string, run func(context.Context) (string, error)) error {
		if seen[name] {
			return fmt.Errorf("scheduler: duplicate schedule name %q", name)
		}
		seen[name] = true
		sp, err := ParseSchedule(raw)
		if err != nil {
			return fmt.Errorf("scheduler: %s: %w", name, err)
		}
		if _, err := parser.Parse(sp.Expr()); err != nil {
			return fmt.Errorf("scheduler: %s: %w", name, err)
		}
		out = append(out, &entry{name: name, spec: sp.Expr(), run: run})
		return nil
	}

	if strings.TrimSpace(cfg.PruneSpec) != "" {
		retention := cfg.Retention
		if err := add(pruneEntry, cfg.PruneSpec, func(ctx context.Context) (string, error) {
			if pruner == nil {
				return "", errors.New("no store to prune")
			}
			n, err := pruner.Prune(ctx, time.Now().UTC().Add(-retention))
			return "pruned " + strconv.Itoa(n), err
		}); err != nil {
			return nil, nil, err
		}
	}

	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, nil, fmt.Errorf("scheduler: schedules[%d]: name required", i)
		}
		if name == pruneEntry {
			return nil, nil, fmt.Errorf("scheduler: schedule name %q is reserved", name)
		}
		email := dispatch.Email{Recipient: sc.Recipient, Subject: sc.Subject, Message: sc.Message, Queue: sc.Queue}
		if err := dispatch.ValidateEmail(email.Payload()); err != nil {
			return nil, nil, fmt.Errorf("scheduler: %s: %w", name, err)
		}
		if err := add(name, sc.Spec, func(ctx context.Context) (string, error) {
			if emailer == nil {
				return "", errors.New("no dispatcher")
			}
			id, err := emailer.DispatchEmail(ctx, email)
			return "dispatched " + id, err
		}); err != nil {
			return nil, nil, err
		}
	}
	return loc, out, nil
}

// Start registers the configured entries and starts the cron loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	loc, entries, err := build(s.cfg, s.emailer, s.pruner)
	if err != nil {
		return err
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if err := s.startLocked(loc, entries); err != nil {
		s.runCancel()
		return err
	}
	return nil
}

func (s *Service) startLocked(loc *time.Location, entries []*entry) error {
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx := s.runCtx
	for _, e := range entries {
		e := e
		id, err := c.AddFunc(e.spec, func() { _ = s.execute(ctx, e) })
		if err != nil {
			return fmt.Errorf("scheduler: register %s: %w", e.name, err)
		}
		e.id = id
	}
	c.Start()
	s.c, s.loc, s.entries = c, loc, entries
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("entries", len(entries)))
	return nil
}

// Stop stops the cron loop and waits for running entries or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.runCancel
	s.c, s.runCancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply validates cfg and swaps the whole entry set. A running service is
// restarted with the new entries; on error the old ones keep running.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	loc, entries, err := build(cfg, s.emailer, s.pruner)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked(loc, entries)
}

// Trigger runs the named entry now, outside its schedule.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	entries := s.entries
	if entries == nil {
		var err error
		if _, entries, err = build(s.cfg, s.emailer, s.pruner); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.name == name {
			return s.execute(ctx, e)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
}

func (s *Service) execute(ctx context.Context, e *entry) error {
	s.mu.Lock()
	timeout, size := s.cfg.RunTimeout, s.cfg.HistorySize
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := e.run(runCtx)
	item := HistoryItem{Name: e.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("schedule run failed", logx.String("entry", e.name), logx.Err(err))
	} else {
		item.Result = result
		s.log.Debug("schedule run ok", logx.String("entry", e.name), logx.String("result", result))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
	return err
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c, loc := s.c, s.loc
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	snap := Snapshot{Running: c != nil}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for _, e := range entries {
		info := EntryInfo{Name: e.name, Spec: e.spec}
		if c != nil {
			ce := c.Entry(e.id)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Entries = append(snap.Entries, info)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Name < snap.Entries[j].Name })

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

// Package dispatch is the producer API: it validates input, builds jobs with
// configured defaults and enqueues them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"mailqueue/internal/job"
	"mailqueue/internal/mailjob"
	"mailqueue/internal/observe"
	logx "mailqueue/pkg/logx"
)

const (
	MaxRecipientLen = 320
	MaxSubjectLen   = 998
	MaxMessageLen   = 256 << 10
	MaxNameLen      = 128
)

// Enqueuer is the part of storage.Store the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) (string, error)
}

// Config holds the defaults applied to every dispatched job.
type Config struct {
	Queue         string
	MaxAttempts   int
	MaxExceptions int
	Timeout       time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = job.DefaultQueue
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = job.DefaultMaxAttempts
	}
	if c.MaxExceptions <= 0 {
		c.MaxExceptions = job.DefaultMaxExceptions
	}
	if c.Timeout <= 0 {
		c.Timeout = job.DefaultTimeout
	}
	return c
}

// Definition describes an arbitrary job. Zero fields take the configured
// defaults.
type Definition struct {
	ID            string
	Name          string
	Queue         string
	Payload       json.RawMessage
	Labels        map[string]string
	MaxAttempts   int
	MaxExceptions int
	Timeout       time.Duration
	Delay         time.Duration
}

type Dispatcher struct {
	store Enqueuer
	obs   observe.Observer
	log   logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(store Enqueuer, cfg Config, obs observe.Observer, log logx.Logger) *Dispatcher {
	if obs == nil {
		obs = observe.Nop{}
	}
	return &Dispatcher{store: store, obs: obs, log: log.With(logx.String("comp", "dispatch")), cfg: cfg.withDefaults()}
}

// Apply replaces the defaults for jobs dispatched from now on.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Email is a request to send one email through the queue.
type Email struct {
	Recipient string
	Subject   string
	Message   string
	// Queue overrides the configured queue when set.
	Queue string
	Delay time.Duration
}

// Dispatch queues an email for delivery and returns the job id.
func (d *Dispatcher) Dispatch(ctx context.Context, recipient, subject, message string) (string, error) {
	return d.DispatchEmail(ctx, Email{Recipient: recipient, Subject: subject, Message: message})
}

// Payload returns the trimmed job payload.
func (e Email) Payload() mailjob.Payload {
	return mailjob.Payload{
		Recipient: strings.TrimSpace(e.Recipient),
		Subject:   strings.TrimSpace(e.Subject),
		Message:   strings.TrimSpace(e.Message),
	}
}

func (d *Dispatcher) DispatchEmail(ctx context.Context, e Email) (string, error) {
	p := e.Payload()
	if err := ValidateEmail(p); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return d.DispatchJob(ctx, Definition{
		Name:    mailjob.Name,
		Queue:   e.Queue,
		Payload: raw,
		Labels:  p.Labels(),
		Delay:   e.Delay,
	})
}

// ValidateEmail checks an email payload. Recipients are either an address
// or a chat target such as "-100123:7".
func ValidateEmail(p mailjob.Payload) error {
	ve := &job.ValidationError{}
	switch {
	case p.Recipient == "":
		ve.Add(errors.New("recipient is required"))
	case utf8.RuneCountInString(p.Recipient) > MaxRecipientLen:
		ve.Addf("recipient exceeds %d characters", MaxRecipientLen)
	case strings.Contains(p.Recipient, "@"):
		if _, err := mail.ParseAddress(p.Recipient); err != nil {
			ve.Addf("recipient %q is not a valid address", p.Recipient)
		}
	}
	switch {
	case p.Subject == "":
		ve.Add(errors.New("subject is required"))
	case utf8.RuneCountInString(p.Subject) > MaxSubjectLen:
		ve.Addf("subject exceeds %d characters", MaxSubjectLen)
	case strings.ContainsAny(p.Subject, "\r\n"):
		ve.Add(errors.New("subject must be a single line"))
	}
	switch {
	case p.Message == "":
		ve.Add(errors.New("message is required"))
	case len(p.Message) > MaxMessageLen:
		ve.Addf("message exceeds %d bytes", MaxMessageLen)
	}
	return ve.Err()
}

// DispatchJob validates def and enqueues it. Validation failures return a
// *job.ValidationError and nothing is written.
func (d *Dispatcher) DispatchJob(ctx context.Context, def Definition) (string, error) {
	cfg := d.config()
	j, err := build(def, cfg, time.Now().UTC())
	if err != nil {
		return "", err
	}

	id, err := d.store.Enqueue(ctx, j)
	if err != nil {
		var ve *job.ValidationError
		if errors.As(err, &ve) {
			return "", err
		}
		err = job.Storage("enqueue", err)
		d.log.Warn("dispatch failed", logx.String("job", j.Name), logx.Queue(j.Queue), logx.Err(err))
		return "", err
	}
	j.ID = id

	d.obs.Observe(ctx, observe.FromJob(observe.Dispatched, j))
	return id, nil
}

func build(def Definition, cfg Config, now time.Time) (*job.Job, error) {
	ve := &job.ValidationError{}
	name := strings.TrimSpace(def.Name)
	switch {
	case name == "":
		ve.Add(errors.New("job name is required"))
	case len(name) > MaxNameLen:
		ve.Addf("job name exceeds %d characters", MaxNameLen)
	}
	if len(def.Payload) > 0 && !json.Valid(def.Payload) {
		ve.Add(errors.New("payload is not valid JSON"))
	}
	if def.MaxAttempts < 0 || def.MaxExceptions < 0 {
		ve.Add(errors.New("attempt limits must not be negative"))
	}
	if def.Timeout < 0 || def.Delay < 0 {
		ve.Add(errors.New("timeout and delay must not be negative"))
	}
	if err := ve.Err(); err != nil {
		return nil, err
	}

	queue := strings.TrimSpace(def.Queue)
	if queue == "" {
		queue = cfg.Queue
	}
	j := job.New(queue, name, def.Payload)
	if def.ID != "" {
		j.ID = def.ID
	}
	j.Labels = def.Labels
	j.MaxAttempts = pick(def.MaxAttempts, cfg.MaxAttempts)
	j.MaxExceptions = pick(def.MaxExceptions, cfg.MaxExceptions)
	j.Timeout = pick(def.Timeout, cfg.Timeout)
	j.CreatedAt = now
	j.AvailableAt = now.Add(def.Delay)
	return j, nil
}

func pick[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}


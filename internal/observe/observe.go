// Package observe reports job lifecycle events.
//
// Observers must return quickly; they run inline on the worker and
// dispatcher paths.
package observe

import (
	"context"
	"sync/atomic"
	"time"

	"mailqueue/internal/eventbus"
	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"
)

type Type string

const (
	Dispatched Type = "dispatched"
	Started    Type = "started"
	Succeeded  Type = "succeeded"
	Retrying   Type = "retrying"
	Failed     Type = "failed"
	LeaseLost  Type = "lease_lost"
)

var Types = []Type{Dispatched, Started, Succeeded, Retrying, Failed, LeaseLost}

type Event struct {
	Type      Type          `json:"type"`
	Time      time.Time     `json:"time"`
	JobID     string        `json:"job_id"`
	Queue     string        `json:"queue"`
	Name      string        `json:"name"`
	Recipient string        `json:"recipient,omitempty"`
	Subject   string        `json:"subject,omitempty"`
	Attempts  int           `json:"attempts"`
	Delay     time.Duration `json:"delay,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// FromJob fills the identifying fields of an event from j.
func FromJob(t Type, j *job.Job) Event {
	e := Event{Type: t, Time: time.Now().UTC()}
	if j == nil {
		return e
	}
	e.JobID = j.ID
	e.Queue = j.Queue
	e.Name = j.Name
	e.Recipient = j.Label("recipient")
	e.Subject = j.Label("subject")
	e.Attempts = j.Attempts
	return e
}

// WithError sets Error from err when err is non-nil.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

type Observer interface {
	Observe(ctx context.Context, e Event)
}

type Func func(ctx context.Context, e Event)

func (f Func) Observe(ctx context.Context, e Event) { f(ctx, e) }

// Nop discards events.
type Nop struct{}

func (Nop) Observe(context.Context, Event) {}

// Multi forwards each event to every non-nil observer in order.
type Multi []Observer

func (m Multi) Observe(ctx context.Context, e Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(ctx, e)
		}
	}
}

// LogObserver writes one log line per event.
type LogObserver struct {
	Log logx.Logger
}

func (o LogObserver) Observe(_ context.Context, e Event) {
	fields := []logx.Field{
		logx.String("event", string(e.Type)),
		logx.JobID(e.JobID),
		logx.Queue(e.Queue),
		logx.String("job", e.Name),
		logx.Int("attempts", e.Attempts),
	}
	if e.Recipient != "" {
		fields = append(fields, logx.String("recipient", e.Recipient))
	}
	if e.Subject != "" {
		fields = append(fields, logx.String("subject", e.Subject))
	}
	if e.Delay > 0 {
		fields = append(fields, logx.Duration("delay", e.Delay))
	}
	if e.Duration > 0 {
		fields = append(fields, logx.Duration("dur", e.Duration))
	}
	if e.Error != "" {
		fields = append(fields, logx.String("error", e.Error))
	}

	switch e.Type {
	case Failed, LeaseLost:
		o.Log.Warn("job "+string(e.Type), fields...)
	case Retrying:
		o.Log.Info("job "+string(e.Type), fields...)
	default:
		o.Log.Debug("job "+string(e.Type), fields...)
	}
}

// BusObserver publishes events on an eventbus.
type BusObserver struct {
	Bus *eventbus.Bus[Event]
}

func (o BusObserver) Observe(_ context.Context, e Event) {
	if o.Bus != nil {
		o.Bus.Publish(e)
	}
}

// Counters counts events by type.
type Counters struct {
	n [6]atomic.Uint64
}

func (c *Counters) Observe(_ context.Context, e Event) {
	if i := typeIndex(e.Type); i >= 0 {
		c.n[i].Add(1)
	}
}

func (c *Counters) Get(t Type) uint64 {
	if i := typeIndex(t); i >= 0 {
		return c.n[i].Load()
	}
	return 0
}

func (c *Counters) Snapshot() map[Type]uint64 {
	out := make(map[Type]uint64, len(Types))
	for i, t := range Types {
		out[t] = c.n[i].Load()
	}
	return out
}

func typeIndex(t Type) int {
	for i, v := range Types {
		if v == t {
			return i
		}
	}
	return -1
}

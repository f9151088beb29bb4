// Package notify delivers email job messages to an external channel.
//
// Sinks are called from inside job execution. A returned error makes the job
// retry unless it is a *job.DeliveryError with Fatal set.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"
)

type Message struct {
	Recipient string
	Subject   string
	Body      string
}

type Sink interface {
	Send(ctx context.Context, m Message) error
}

// LogSink records messages in the log instead of delivering them.
// Delay simulates transport latency and honors ctx.
type LogSink struct {
	Log   logx.Logger
	Delay time.Duration
}

func (s LogSink) Send(ctx context.Context, m Message) error {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.Log.Info("message delivered to log",
		logx.String("recipient", m.Recipient),
		logx.String("subject", m.Subject),
		logx.Int("body_len", len(m.Body)),
	)
	return nil
}

// Config selects and configures the sink.
type Config struct {
	Driver   string // "log" (default) or "telegram"
	LogDelay time.Duration
	Telegram TelegramConfig
}

// Open builds the sink named by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "log":
		return LogSink{Log: log.With(logx.String("comp", "notify")), Delay: cfg.LogDelay}, nil
	case "telegram":
		return NewTelegram(cfg.Telegram, log)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// fatal wraps err as a permanent delivery failure.
func fatal(recipient string, err error) error {
	return &job.DeliveryError{Recipient: recipient, Fatal: true, Err: err}
}

func transient(recipient string, err error) error {
	return &job.DeliveryError{Recipient: recipient, Err: err}
}

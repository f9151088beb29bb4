// Package mailjob is the email.send job: it hands a queued email to the
// notification sink and reports permanent failures.
package mailjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailqueue/internal/job"
	"mailqueue/internal/notify"
	logx "mailqueue/pkg/logx"
)

const Name = "email.send"

type Payload struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
}

// Labels are the observability fields copied onto the job record.
func (p Payload) Labels() map[string]string {
	return map[string]string{"recipient": p.Recipient, "subject": p.Subject}
}

func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode %s payload: %w", Name, err)
	}
	return p, nil
}

type Handler struct {
	Sink notify.Sink
	Log  logx.Logger
}

func New(sink notify.Sink, log logx.Logger) *Handler {
	return &Handler{Sink: sink, Log: log.With(logx.String("job", Name))}
}

// Register adds the handler to r under Name.
func (h *Handler) Register(r *job.Registry) error { return r.Register(Name, h) }

func (h *Handler) Run(ctx context.Context, j *job.Job) error {
	p, err := Decode(j.Payload)
	if err != nil {
		return job.NoRetry(err)
	}
	log := h.Log.With(
		logx.JobID(j.ID),
		logx.String("recipient", p.Recipient),
		logx.String("subject", p.Subject),
	)
	log.Info("processing email job", logx.Int("attempt", j.Attempts+1))

	if err := h.Sink.Send(ctx, notify.Message{Recipient: p.Recipient, Subject: p.Subject, Body: p.Message}); err != nil {
		log.Error("failed to process email job", logx.Err(err))
		var de *job.DeliveryError
		if errors.As(err, &de) {
			return err
		}
		return &job.DeliveryError{Recipient: p.Recipient, Err: err}
	}

	log.Info("email sent")
	return nil
}

func (h *Handler) OnFailure(_ context.Context, j *job.Job, err error) {
	recipient, subject := j.Label("recipient"), j.Label("subject")
	if p, derr := Decode(j.Payload); derr == nil {
		recipient, subject = p.Recipient, p.Subject
	}
	h.Log.Error("email job failed permanently",
		logx.JobID(j.ID),
		logx.String("recipient", recipient),
		logx.String("subject", subject),
		logx.Int("attempts", j.Attempts),
		logx.Err(err),
	)
}

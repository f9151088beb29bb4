package mailjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"mailqueue/internal/job"
	"mailqueue/internal/notify"
	logx "mailqueue/pkg/logx"
)

type recordingSink struct {
	got []notify.Message
	err error
}

func (s *recordingSink) Send(_ context.Context, m notify.Message) error {
	s.got = append(s.got, m)
	return s.err
}

func newJob(t *testing.T, p Payload) *job.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	j := job.New("emails", Name, raw)
	j.Labels = p.Labels()
	return j
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRunSends(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sink := &recordingSink{}
	h := New(sink, logx.NewWriter(&buf, "debug"))

	j := newJob(t, Payload{Recipient: "a@example.com", Subject: "Hi", Message: "Body"})
	if err := h.Run(context.Background(), j); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.got) != 1 || sink.got[0] != (notify.Message{Recipient: "a@example.com", Subject: "Hi", Body: "Body"}) {
		t.Fatalf("sink got %+v", sink.got)
	}

	lines := logLines(t, &buf)
	if len(lines) != 2 || lines[0]["message"] != "processing email job" || lines[1]["message"] != "email sent" {
		t.Fatalf("log lines = %v", lines)
	}
	if lines[0]["recipient"] != "a@example.com" || lines[0]["subject"] != "Hi" {
		t.Fatalf("missing fields in %v", lines[0])
	}
}

func TestRunWrapsSinkErrors(t *testing.T) {
	t.Parallel()

	fatal := &job.DeliveryError{Recipient: "x", Fatal: true, Err: errors.New("chat not found")}
	tests := []struct {
		name      string
		sinkErr   error
		wantFatal bool
	}{
		{name: "plain error is retryable", sinkErr: errors.New("timeout")},
		{name: "fatal delivery error kept", sinkErr: fatal, wantFatal: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(&recordingSink{err: tt.sinkErr}, logx.Nop())
			err := h.Run(context.Background(), newJob(t, Payload{Recipient: "b@example.com", Subject: "Hi", Message: "Body"}))

			var de *job.DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("err = %v, want *job.DeliveryError", err)
			}
			if job.IsNoRetry(err) != tt.wantFatal {
				t.Fatalf("IsNoRetry = %v, want %v", job.IsNoRetry(err), tt.wantFatal)
			}
			if !errors.Is(err, tt.sinkErr) {
				t.Fatalf("err = %v does not wrap %v", err, tt.sinkErr)
			}
		})
	}
}

func TestRunRejectsBadPayload(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	h := New(sink, logx.Nop())
	j := job.New("emails", Name, []byte(`{not json`))
	if err := h.Run(context.Background(), j); !job.IsNoRetry(err) {
		t.Fatalf("err = %v, want a no-retry error", err)
	}
	if len(sink.got) != 0 {
		t.Fatal("sink called for a bad payload")
	}
}

func TestOnFailureLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := New(&recordingSink{}, logx.NewWriter(&buf, "debug"))
	j := newJob(t, Payload{Recipient: "b@example.com", Subject: "Hi", Message: "Body"})
	j.Attempts = 2

	h.OnFailure(context.Background(), j, errors.New("second failure"))
	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	l := lines[0]
	if l["level"] != "error" || l["message"] != "email job failed permanently" || l["recipient"] != "b@example.com" {
		t.Fatalf("log line = %v", l)
	}
	msg, _ := l["error"].(string)
	if msg == "" {
		msg, _ = l["err"].(string)
	}
	if !strings.Contains(msg, "second failure") {
		t.Fatalf("log line has no error field: %v", l)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	r := job.NewRegistry()
	h := New(&recordingSink{}, logx.Nop())
	if err := h.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.Lookup(Name); !ok {
		t.Fatalf("%s not registered", Name)
	}
	var _ job.FailureHook = h
}

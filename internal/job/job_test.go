package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestChargeApplyCapsCounters(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		charge         Charge
		attempts, excs int
		wantA, wantE   int
	}{
		{name: "none", charge: ChargeNone, attempts: 1, excs: 1, wantA: 1, wantE: 1},
		{name: "attempt", charge: ChargeAttempt, attempts: 1, excs: 1, wantA: 2, wantE: 1},
		{name: "exception", charge: ChargeException, attempts: 1, excs: 1, wantA: 2, wantE: 2},
		{name: "capped", charge: ChargeException, attempts: 3, excs: 3, wantA: 3, wantE: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{Attempts: tt.attempts, Exceptions: tt.excs, MaxAttempts: 3, MaxExceptions: 3}
			a, e := tt.charge.Apply(j)
			if a != tt.wantA || e != tt.wantE {
				t.Fatalf("Apply = (%d,%d), want (%d,%d)", a, e, tt.wantA, tt.wantE)
			}
		})
	}
}

func TestNewIDsAreOrdered(t *testing.T) {
	t.Parallel()
	prev := NewID()
	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		id := NewID()
		if id <= prev {
			t.Fatalf("id %s not after %s", id, prev)
		}
		prev = id
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	j := New(DefaultQueue, "email.send", []byte(`{"a":1}`))
	j.Labels = map[string]string{"recipient": "a@example.com"}
	now := time.Now()
	j.ReservedAt = &now

	cp := j.Clone()
	cp.Labels["recipient"] = "x"
	cp.Payload[0] = '['
	*cp.ReservedAt = now.Add(time.Hour)

	if j.Labels["recipient"] != "a@example.com" {
		t.Fatalf("labels shared with clone")
	}
	if j.Payload[0] != '{' {
		t.Fatalf("payload shared with clone")
	}
	if !j.ReservedAt.Equal(now) {
		t.Fatalf("reserved_at shared with clone")
	}
}

func TestLeaseOnlyWhenReserved(t *testing.T) {
	t.Parallel()
	j := New(DefaultQueue, "x", nil)
	if _, ok := j.Lease(); ok {
		t.Fatal("pending job must not expose a lease")
	}
	exp := time.Now().Add(time.Minute)
	j.Status = StatusReserved
	j.LeaseToken = "tok"
	j.LeaseExpiresAt = &exp
	l, ok := j.Lease()
	if !ok || l.Token != "tok" || l.JobID != j.ID || !l.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected lease %+v ok=%v", l, ok)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")

	if !IsNoRetry(NoRetry(base)) {
		t.Fatal("NoRetry not detected")
	}
	if !IsNoRetry(fmt.Errorf("wrapped: %w", &DeliveryError{Recipient: "1", Fatal: true, Err: base})) {
		t.Fatal("fatal delivery error should be non-retryable")
	}
	if IsNoRetry(&DeliveryError{Recipient: "1", Err: base}) {
		t.Fatal("plain delivery error should be retryable")
	}

	if got := Classify(KindExecution, NoRetry(base)).Kind; got != KindFatal {
		t.Fatalf("kind = %s, want fatal", got)
	}
	if got := Classify(KindExecution, &DeliveryError{Err: base}).Kind; got != KindDelivery {
		t.Fatalf("kind = %s, want delivery", got)
	}
	ee := Classify(KindTimeout, context.DeadlineExceeded)
	if !errors.Is(ee, context.DeadlineExceeded) {
		t.Fatal("classified error should unwrap to its cause")
	}

	var ra RetryAfterError
	if !errors.As(RetryAfter(base, 3*time.Second), &ra) || ra.RetryAfter() != 3*time.Second {
		t.Fatal("retry-after hint lost")
	}
	if r, ok := AsRelease(fmt.Errorf("x: %w", Release(time.Second))); !ok || r.Delay != time.Second {
		t.Fatal("release request lost")
	}
}

func TestStorageErrorWrapping(t *testing.T) {
	t.Parallel()
	err := Storage("enqueue", errors.New("connection refused"))
	if !errors.Is(err, ErrStorage) {
		t.Fatal("expected ErrStorage")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "enqueue" {
		t.Fatalf("unexpected storage error: %v", err)
	}
	if got := Storage("ack", ErrLeaseLost); !errors.Is(got, ErrLeaseLost) || errors.Is(got, ErrStorage) {
		t.Fatalf("sentinel should pass through unchanged, got %v", got)
	}
	if Storage("x", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestValidationError(t *testing.T) {
	t.Parallel()
	var v ValidationError
	if v.Err() != nil {
		t.Fatal("empty validation error must be nil")
	}
	sentinel := errors.New("recipient is required")
	v.Add(sentinel)
	v.Addf("subject is required")
	err := v.Err()
	if err == nil || !errors.Is(err, sentinel) {
		t.Fatalf("expected joined validation error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	h := HandlerFunc(func(context.Context, *Job) error { return nil })
	if err := r.Register("email.send", h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("email.send", h); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if err := r.Register(" ", h); err == nil {
		t.Fatal("empty name should fail")
	}
	if _, ok := r.Lookup("email.send"); !ok {
		t.Fatal("handler not found")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "email.send" {
		t.Fatalf("Names = %v", names)
	}
}

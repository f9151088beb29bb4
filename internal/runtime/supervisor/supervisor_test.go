package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "mailqueue/pkg/logx"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsErrorAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	s.Go("sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("broken", func(context.Context) error { return errors.New("boom") })

	err := s.Wait(waitCtx(t))
	if err == nil || err.Error() != "broken: boom" {
		t.Fatalf("Wait() = %v, want broken: boom", err)
	}
	if s.Context().Err() == nil {
		t.Fatalf("context not cancelled after error")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))
	s.Go("panicky", func(context.Context) error { panic("kaboom") })

	if err := s.Wait(waitCtx(t)); err == nil {
		t.Fatalf("Wait() = nil, want panic error")
	}
	snap := s.Snapshot()
	if len(snap.Routines) != 1 || snap.Routines[0].Panics != 1 {
		t.Fatalf("Snapshot().Routines = %+v, want one panic", snap.Routines)
	}
}

func TestGoRestart(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
	if err == nil {
		t.Fatalf("Wait() = nil, want first published error")
	}
	st := s.Snapshot().Routines[0]
	if st.Restarts != 2 || st.Started != 3 {
		t.Fatalf("stats = %+v, want 2 restarts and 3 starts", st)
	}
}

func TestGoRestartMaxRestarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	s.GoRestart("doomed", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	if err := s.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() = %v, want nil without WithPublishFirstError", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want 3", runs.Load())
	}
}

func TestStopCancelsRestartLoop(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithLogger(logx.Nop()))
	started := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	if err := s.Stop(waitCtx(t)); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if s.Snapshot().Active != 0 {
		t.Fatalf("Active = %d after Stop, want 0", s.Snapshot().Active)
	}
}

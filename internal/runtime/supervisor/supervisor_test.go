package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestGoRecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	s.Go("boom", func(context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Stop err = %v, want PanicError", err)
	}
	snap := s.Snapshot()
	if len(snap.Goroutines) != 1 || snap.Goroutines[0].Panics != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRestartsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	var runs int32
	done := make(chan struct{})
	s.GoRestart("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 3 {
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not reach third run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatalf("expected first error to be published")
	}
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartMaxRestarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(context.Background())
	var runs int32
	s.GoRestart("dead", func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want initial + 2 restarts", got)
	}
	s.Cancel()
}

func TestSafe(t *testing.T) {
	err := Safe(context.Background(), "x", func(context.Context) error { panic(errors.New("inner")) })
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Name != "x" || pe.Stack == "" {
		t.Fatalf("Safe = %v", err)
	}
	if err := Safe(context.Background(), "ok", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Safe ok = %v", err)
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var exited atomic.Bool
	s.Go0("worker", func(ctx context.Context) {
		<-ctx.Done()
		exited.Store(true)
	})

	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !exited.Load() {
		t.Fatal("Stop returned before the goroutine exited")
	}
}

func TestPanicIsRecoveredAndRecorded(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boomer", func(context.Context) error { panic("boom") })

	if err := s.Wait(context.Background()); err == nil {
		t.Fatal("panic not surfaced as error")
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go0("sibling", func(ctx context.Context) { <-ctx.Done() })
	s.Go("failer", func(context.Context) error { return errors.New("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil || err.Error() != "failer: bad" {
		t.Fatalf("err = %v", err)
	}
}

func TestCleanErrorsDoNotCancelByDefault(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("failer", func(context.Context) error { return errors.New("bad") })

	deadline := time.Now().Add(time.Second)
	for s.Counters().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatal("goroutine never finished")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if s.Context().Err() != nil {
		t.Fatal("context cancelled without WithCancelOnError")
	}
	if err := s.Err(); err == nil {
		t.Fatal("first error not recorded")
	}
}

func TestGoRestartRetriesUntilCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("flappy", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never reached the clean exit")
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d", runs.Load())
	}
	if err := s.Stop(context.Background()); err == nil {
		t.Fatal("transient errors should be recorded")
	}
}

func TestGoRestartGivesUpAtMaxRestarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("hopeless", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("error never surfaced")
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d", got)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go0("stuck", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	s.Cancel()
	_ = s.Wait(context.Background())
}

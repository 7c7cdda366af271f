package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeCounter returns canned per-window counts keyed on how far back the
// window reaches.
type fakeCounter struct {
	hourUsed int
	dayUsed  int
	err      error
}

func (f *fakeCounter) ConfirmedCountSince(_ context.Context, _ string, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if time.Since(since) > 2*time.Hour {
		return f.dayUsed, nil
	}
	return f.hourUsed, nil
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		limit    ChannelLimit
		hourUsed int
		dayUsed  int
		want     int
	}{
		{"hourly binds", ChannelLimit{Hourly: 4, Daily: 100}, 1, 10, 3},
		{"daily binds", ChannelLimit{Hourly: 10, Daily: 12}, 1, 10, 2},
		{"exhausted hourly", ChannelLimit{Hourly: 4, Daily: 100}, 4, 4, 0},
		{"over cap clamps to zero", ChannelLimit{Hourly: 4}, 7, 7, 0},
		{"hourly only", ChannelLimit{Hourly: 5}, 2, 99, 3},
		{"daily only", ChannelLimit{Daily: 20}, 99, 15, 5},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			l := New(Config{Channels: map[string]ChannelLimit{"post": c.limit}},
				&fakeCounter{hourUsed: c.hourUsed, dayUsed: c.dayUsed})
			got, err := l.Remaining(context.Background(), "post", time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Fatalf("Remaining = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRemainingUncappedChannel(t *testing.T) {
	t.Parallel()
	l := New(Config{}, &fakeCounter{hourUsed: 1000})
	got, err := l.Remaining(context.Background(), "post", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if got < 1000000 {
		t.Fatalf("uncapped channel should report effectively unlimited headroom, got %d", got)
	}
}

func TestRemainingPropagatesCounterError(t *testing.T) {
	t.Parallel()
	boom := errors.New("db gone")
	l := New(Config{Channels: map[string]ChannelLimit{"post": {Hourly: 1}}}, &fakeCounter{err: boom})
	if _, err := l.Remaining(context.Background(), "post", time.Now()); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestApplySwapsLimits(t *testing.T) {
	t.Parallel()
	ctr := &fakeCounter{hourUsed: 3}
	l := New(Config{Channels: map[string]ChannelLimit{"post": {Hourly: 4}}}, ctr)

	got, _ := l.Remaining(context.Background(), "post", time.Now())
	if got != 1 {
		t.Fatalf("before apply: %d", got)
	}
	l.Apply(Config{Channels: map[string]ChannelLimit{"post": {Hourly: 10}}})
	got, _ = l.Remaining(context.Background(), "post", time.Now())
	if got != 7 {
		t.Fatalf("after apply: %d", got)
	}
}

func TestPacerEnforcesGap(t *testing.T) {
	t.Parallel()
	p := NewPacer(map[string]time.Duration{"post": time.Hour})

	if !p.Allow("post") {
		t.Fatal("first action must pass")
	}
	if p.Allow("post") {
		t.Fatal("second action inside the gap must be paced")
	}
	// Channels without a gap are never paced.
	for i := 0; i < 5; i++ {
		if !p.Allow("reply") {
			t.Fatal("ungated channel was paced")
		}
	}
}

func TestPacerApplyResetsChangedGaps(t *testing.T) {
	t.Parallel()
	p := NewPacer(map[string]time.Duration{"post": time.Hour})
	p.Allow("post") // consume the token

	// A changed gap rebuilds the limiter and frees the immediate token.
	p.Apply(map[string]time.Duration{"post": time.Minute})
	if !p.Allow("post") {
		t.Fatal("apply with changed gap should reset pacing state")
	}

	// Removing the gap removes pacing entirely.
	p.Apply(map[string]time.Duration{})
	if !p.Allow("post") {
		t.Fatal("channel without gap must pass")
	}
}

// Package ratelimit enforces per-channel publish caps.
//
// Counting is by confirmation timestamp, never by intent creation or claim
// time: an intent queued an hour ago and confirmed just now occupies the
// current window. Counting creation time would under-count delayed publishes
// and over-restrict throughput.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// ConfirmationCounter is the slice of the ledger the limiter reads.
// Confirmations are recorded transactionally, so the count stays correct
// under concurrent, retrying callers.
type ConfirmationCounter interface {
	ConfirmedCountSince(ctx context.Context, channel string, since time.Time) (int, error)
}

// ChannelLimit caps confirmed publishes per trailing hour and day.
// 0 means no cap on that window.
type ChannelLimit struct {
	Hourly int
	Daily  int
}

type Config struct {
	Channels map[string]ChannelLimit
}

type Limiter struct {
	counter ConfirmationCounter

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, counter ConfirmationCounter) *Limiter {
	return &Limiter{counter: counter, cfg: cfg}
}

// Apply swaps limits at runtime.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

// Remaining reports how many more publishes the channel may confirm right
// now: the minimum of the hourly and daily headroom. Never negative.
func (l *Limiter) Remaining(ctx context.Context, channel string, now time.Time) (int, error) {
	l.mu.Lock()
	lim := l.cfg.Channels[channel]
	l.mu.Unlock()

	remaining := math.MaxInt
	if lim.Hourly > 0 {
		used, err := l.counter.ConfirmedCountSince(ctx, channel, now.Add(-time.Hour))
		if err != nil {
			return 0, err
		}
		if r := lim.Hourly - used; r < remaining {
			remaining = r
		}
	}
	if lim.Daily > 0 {
		used, err := l.counter.ConfirmedCountSince(ctx, channel, now.Add(-24*time.Hour))
		if err != nil {
			return 0, err
		}
		if r := lim.Daily - used; r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

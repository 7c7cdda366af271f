// Package backoff holds the single retry/backoff policy shared by the
// posting coordinator, the publisher's deferred scan and the reconciler.
// Components must not hand-roll their own sleep/retry loops.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy computes jittered exponential delays.
//
// Attempt numbering starts at 1; Delay(1) returns Base (plus jitter).
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0.2 = ±20%
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 15 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Delay returns the backoff delay for the given attempt (1-based).
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	p = p.withDefaults()

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep blocks for the attempt's delay or until ctx is done.
// Returns ctx.Err() when interrupted, nil after a full sleep.
func (p Policy) Sleep(ctx context.Context, attempt int, rng *rand.Rand) error {
	d := p.Delay(attempt, rng)
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

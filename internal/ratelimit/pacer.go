package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum gap between publish actions on a channel, on top
// of the window caps. Bursting straight to the hourly cap looks robotic; the
// pacer spreads actions out.
type Pacer struct {
	mu   sync.Mutex
	gaps map[string]time.Duration
	lims map[string]*rate.Limiter
}

func NewPacer(gaps map[string]time.Duration) *Pacer {
	p := &Pacer{lims: map[string]*rate.Limiter{}}
	p.Apply(gaps)
	return p
}

// Apply swaps per-channel gaps at runtime. Existing limiters for unchanged
// gaps keep their token state.
func (p *Pacer) Apply(gaps map[string]time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.gaps
	p.gaps = make(map[string]time.Duration, len(gaps))
	for ch, gap := range gaps {
		p.gaps[ch] = gap
		if old == nil || old[ch] != gap {
			delete(p.lims, ch)
		}
	}
	for ch := range p.lims {
		if _, ok := gaps[ch]; !ok {
			delete(p.lims, ch)
		}
	}
}

// Allow reports whether a publish action may start now on the channel.
// Channels without a configured gap are always allowed.
func (p *Pacer) Allow(channel string) bool {
	p.mu.Lock()
	gap, ok := p.gaps[channel]
	if !ok || gap <= 0 {
		p.mu.Unlock()
		return true
	}
	lim := p.lims[channel]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(gap), 1)
		p.lims[channel] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

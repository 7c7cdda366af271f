package browser

import (
	"context"
	"sync"
	"time"
)

// Driver opens the underlying automation sessions (browser contexts).
// The pool is the only caller; nothing else creates or destroys sessions.
type Driver interface {
	Open(ctx context.Context) (Handle, error)
}

// Handle is one live automation surface attachment.
type Handle interface {
	Close(ctx context.Context) error
}

// Config controls the session pool.
type Config struct {
	// Capacity is the fixed number of sessions that may exist at once.
	// Sessions are heavyweight; keep this a small integer.
	Capacity int

	// AcquireTimeout is used when Acquire is called with timeout <= 0.
	AcquireTimeout time.Duration

	// MaxUses recycles a session after this many leases. 0 disables recycling.
	MaxUses int

	// FairnessEvery forces a FIFO grant (longest waiter wins regardless of
	// priority) after this many priority-ordered grants, so background work
	// is never starved by a continuous high-priority stream.
	// Applied only when Capacity >= 2. 0 means Capacity.
	FairnessEvery int
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 2
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.FairnessEvery <= 0 {
		c.FairnessEvery = c.Capacity
	}
	if c.FairnessEvery < 2 {
		c.FairnessEvery = 2
	}
	return c
}

// Priorities used by pool callers. Numerically lower is served first.
const (
	PriorityPublish    = 10 // interactive posting cycle
	PriorityReply      = 20 // reply cycle
	PriorityReconcile  = 50 // confirmation recovery
	PriorityBackground = 90 // metrics collection, discovery
)

// Session is one leased unit of the bounded automation pool.
type Session struct {
	id       string
	handle   Handle
	openedAt time.Time

	mu     sync.Mutex
	uses   int
	broken bool
	reason string
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Handle() Handle { return s.handle }

// MarkBroken flags the session so the pool discards it on release instead of
// handing it out again.
func (s *Session) MarkBroken(reason string) {
	s.mu.Lock()
	s.broken = true
	if s.reason == "" {
		s.reason = reason
	}
	s.mu.Unlock()
}

func (s *Session) isBroken() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken, s.reason
}

func (s *Session) bumpUses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uses++
	return s.uses
}

// Lease represents temporary ownership of one pool session.
type Lease struct {
	sess *Session
	pool *Pool

	Holder     string
	Priority   int
	AcquiredAt time.Time

	once sync.Once
}

func (l *Lease) Session() *Session { return l.sess }

// MarkBroken reports a session fault (crash, unresponsive surface).
// The pool will discard and replace the session instead of reusing it.
func (l *Lease) MarkBroken(reason string) { l.sess.MarkBroken(reason) }

// Release returns the session to the pool. Safe to call more than once.
func (l *Lease) Release() { l.once.Do(func() { l.pool.release(l) }) }

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Capacity  int
	Live      int
	Idle      int
	Waiting   int
	Grants    uint64
	Timeouts  uint64
	Discarded uint64
}

// Package browser owns the bounded pool of automation sessions.
//
// The pool arbitrates access to at most Capacity concurrently open sessions
// across competing jobs. Requests queue with a priority (lower value is
// served first, FIFO within a priority) and a timeout; a periodic fairness
// turn hands the longest-waiting request a session regardless of priority so
// background work is never starved.
//
// The pool has zero knowledge of publishing semantics. Callers report
// session faults through Lease.MarkBroken; a broken session is discarded and
// replaced on the next acquisition instead of being handed out again.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Pool struct {
	cfg    Config
	driver Driver
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	idle    []*Session
	live    int // sessions existing or being opened (leased + idle + in-flight opens)
	waiters []*waiter
	seq     uint64
	sessSeq uint64
	closed  bool

	// Grants since the last fairness turn.
	sinceFair int

	grants    uint64
	timeouts  uint64
	discarded uint64
}

// waiter is one pending acquisition. ready is buffered so delivery under the
// pool lock never blocks.
type waiter struct {
	op       string
	priority int
	seq      uint64
	ready    chan grant
	done     bool // delivered, timed out or abandoned; guarded by Pool.mu
}

// grant hands a waiter either an existing session or permission to open a
// fresh one (the capacity slot is already reserved in that case).
type grant struct {
	sess   *Session
	create bool
}

func New(cfg Config, driver Driver, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{cfg: cfg, driver: driver, log: log, bus: bus}
}

// Acquire leases a session, waiting until one frees up, timeout elapses or
// ctx is done. timeout <= 0 uses the configured default.
//
// ErrQueueTimeout is retryable; callers must not treat it as a failure of
// whatever they intended to do with the session.
func (p *Pool) Acquire(ctx context.Context, operation string, priority int, timeout time.Duration) (*Lease, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if g, ok := p.takeLocked(); ok {
		p.grants++
		p.mu.Unlock()
		return p.finish(ctx, operation, priority, start, g)
	}

	w := &waiter{op: operation, priority: priority, seq: p.seq, ready: make(chan grant, 1)}
	p.seq++
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	select {
	case g := <-w.ready:
		return p.finish(ctx, operation, priority, start, g)
	case <-tmr.C:
		if g, ok := p.abandon(w); ok {
			// Granted concurrently with the timeout; the session is ours.
			return p.finish(ctx, operation, priority, start, g)
		}
		waited := time.Since(start)
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypePoolQueueTimeout, Data: eventbus.PoolEvent{Operation: operation, Priority: priority, Waited: waited}})
		}
		p.log.Debug("pool acquire timed out", logx.String("op", operation), logx.Int("priority", priority), logx.Duration("waited", waited))
		return nil, ErrQueueTimeout
	case <-ctx.Done():
		if g, ok := p.abandon(w); ok {
			return p.finish(ctx, operation, priority, start, g)
		}
		return nil, ctx.Err()
	}
}

// abandon removes the waiter from the queue. If a grant raced in first, it is
// returned so the caller can use it instead of dropping a session on the floor.
func (p *Pool) abandon(w *waiter) (grant, bool) {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		return <-w.ready, true
	}
	w.done = true
	p.removeWaiterLocked(w)
	p.timeouts++
	p.mu.Unlock()
	return grant{}, false
}

// takeLocked hands out an idle session, or reserves a capacity slot for a
// fresh one. Idle sessions only exist while no one is waiting, so priority
// order is preserved.
func (p *Pool) takeLocked() (grant, bool) {
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return grant{sess: s}, true
	}
	if p.live < p.cfg.Capacity {
		p.live++
		return grant{create: true}, true
	}
	return grant{}, false
}

func (p *Pool) finish(ctx context.Context, operation string, priority int, start time.Time, g grant) (*Lease, error) {
	now := time.Now()
	sess := g.sess
	if g.create {
		h, err := p.driver.Open(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.dispatchCreateLocked()
			p.mu.Unlock()
			return nil, fmt.Errorf("open session: %w", err)
		}
		p.mu.Lock()
		p.sessSeq++
		id := fmt.Sprintf("sess-%d", p.sessSeq)
		p.mu.Unlock()
		sess = &Session{id: id, handle: h, openedAt: now}
		p.log.Info("session opened", logx.String("session", id), logx.String("op", operation))
	}
	if sess == nil {
		// Zero grant: the pool was closed while we waited.
		return nil, ErrClosed
	}
	p.log.Debug("session acquired",
		logx.String("session", sess.ID()),
		logx.String("op", operation),
		logx.Int("priority", priority),
		logx.Duration("waited", now.Sub(start)),
	)
	return &Lease{sess: sess, pool: p, Holder: operation, Priority: priority, AcquiredAt: now}, nil
}

func (p *Pool) release(l *Lease) {
	sess := l.sess
	uses := sess.bumpUses()
	broken, reason := sess.isBroken()
	recycle := broken || (p.cfg.MaxUses > 0 && uses >= p.cfg.MaxUses)

	p.mu.Lock()
	if p.closed {
		p.live--
		p.mu.Unlock()
		p.closeHandle(sess)
		return
	}

	if recycle {
		p.live--
		p.discarded++
		p.dispatchCreateLocked()
		p.mu.Unlock()
		if reason == "" {
			reason = fmt.Sprintf("max uses reached (%d)", uses)
		}
		p.log.Info("session discarded", logx.String("session", sess.ID()), logx.String("reason", reason))
		p.closeHandle(sess)
		return
	}

	if w := p.selectWaiterLocked(); w != nil {
		p.grants++
		p.deliverLocked(w, grant{sess: sess})
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, sess)
	p.mu.Unlock()
}

// dispatchCreateLocked passes a freed capacity slot to the next waiter as a
// create token. The waiter opens the replacement session itself; a failed
// open returns the slot here again.
func (p *Pool) dispatchCreateLocked() {
	if p.closed || p.live >= p.cfg.Capacity {
		return
	}
	w := p.selectWaiterLocked()
	if w == nil {
		return
	}
	p.live++
	p.grants++
	p.deliverLocked(w, grant{create: true})
}

// selectWaiterLocked picks the next waiter: lowest priority value first, FIFO
// within a priority. Every FairnessEvery grants (capacity >= 2 only) the
// longest-waiting request wins regardless of priority, which bounds how long
// a continuous high-priority stream can hold back background work.
func (p *Pool) selectWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	best := p.waiters[0]
	oldest := p.waiters[0]
	for _, w := range p.waiters[1:] {
		if w.priority < best.priority || (w.priority == best.priority && w.seq < best.seq) {
			best = w
		}
		if w.seq < oldest.seq {
			oldest = w
		}
	}
	if p.cfg.Capacity >= 2 && p.sinceFair >= p.cfg.FairnessEvery {
		p.sinceFair = 0
		return oldest
	}
	p.sinceFair++
	return best
}

func (p *Pool) deliverLocked(w *waiter, g grant) {
	w.done = true
	p.removeWaiterLocked(w)
	w.ready <- g
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, cand := range p.waiters {
		if cand == w {
			last := len(p.waiters) - 1
			p.waiters[i] = p.waiters[last]
			p.waiters[last] = nil
			p.waiters = p.waiters[:last]
			return
		}
	}
}

func (p *Pool) closeHandle(sess *Session) {
	if sess == nil || sess.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.handle.Close(ctx); err != nil {
		p.log.Warn("session close failed", logx.String("session", sess.ID()), logx.Err(err))
	}
}

// Close shuts the pool down: pending waiters fail with ErrClosed, idle
// sessions are closed, and leased sessions are closed as they are released.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ws := p.waiters
	p.waiters = nil
	for _, w := range ws {
		w.done = true
		close(w.ready)
	}
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	for _, s := range idle {
		p.closeHandle(s)
	}
	_ = ctx
	p.log.Info("session pool closed", logx.Int("closed_idle", len(idle)))
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Capacity:  p.cfg.Capacity,
		Live:      p.live,
		Idle:      len(p.idle),
		Waiting:   len(p.waiters),
		Grants:    p.grants,
		Timeouts:  p.timeouts,
		Discarded: p.discarded,
	}
}

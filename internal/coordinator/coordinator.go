// Package coordinator turns "publish this content" intents into durable,
// idempotent, rate-limited platform actions.
//
// One coordinator owns one channel (rate bucket). A posting cycle:
//
//	rate check -> fetch ready intents -> dedup -> claim (CAS) ->
//	acquire session -> publish -> record outcome
//
// A pool queue timeout is not a failure: the claim is reverted so the intent
// is picked up again next cycle, and the cycle ends.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
	"github.com/jatenner/xBOT-sub003/internal/ratelimit"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Config struct {
	// Channel is the rate bucket this coordinator serves ("post", "reply").
	Channel string

	// Operation names the pool holder for diagnostics ("post-cycle").
	Operation string

	// Priority used for pool acquisition. Interactive publishing runs above
	// background jobs.
	Priority int

	// AcquireTimeout for pool acquisition; short and retryable.
	AcquireTimeout time.Duration

	// MaxAttempts caps transient retries before the intent is failed with
	// reason max_attempts_exceeded.
	MaxAttempts int

	// DedupWindow skips intents whose content hash matches something
	// confirmed within this trailing window.
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Channel == "" {
		c.Channel = ledger.ChannelPost
	}
	if c.Operation == "" {
		c.Operation = c.Channel + "-cycle"
	}
	if c.Priority <= 0 {
		c.Priority = browser.PriorityPublish
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 48 * time.Hour
	}
	return c
}

const reasonMaxAttempts = "max_attempts_exceeded"

type Coordinator struct {
	cfg     Config
	store   ledger.Store
	limiter *ratelimit.Limiter
	pacer   *ratelimit.Pacer
	pool    *browser.Pool
	pub     *publish.Publisher
	log     logx.Logger
	bus     eventbus.Bus
}

func New(cfg Config, store ledger.Store, limiter *ratelimit.Limiter, pacer *ratelimit.Pacer, pool *browser.Pool, pub *publish.Publisher, log logx.Logger, bus eventbus.Bus) *Coordinator {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{cfg: cfg, store: store, limiter: limiter, pacer: pacer, pool: pool, pub: pub, log: log.With(logx.String("channel", cfg.Channel)), bus: bus}
}

// RunCycle executes one posting cycle. It returns an error only for
// infrastructure failures (store unreachable); per-intent outcomes are
// recorded in the ledger and emitted on the bus.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	now := time.Now()

	remaining, err := c.limiter.Remaining(ctx, c.cfg.Channel, now)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if remaining <= 0 {
		// Not an error; intents simply wait for the window to roll over.
		c.log.Debug("rate window exhausted")
		return nil
	}

	intents, err := c.store.NextReady(ctx, c.cfg.Channel, remaining, now)
	if err != nil {
		return fmt.Errorf("fetch ready intents: %w", err)
	}

	for _, in := range intents {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dup, err := c.store.HasConfirmedHash(ctx, in.PayloadHash, now.Add(-c.cfg.DedupWindow))
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if dup {
			if ok, _ := c.store.Cancel(ctx, in.ID, "duplicate of confirmed content"); ok {
				c.log.Info("intent cancelled as duplicate", logx.String("intent", in.ID))
				c.publishEvent(eventbus.TypeIntentCancelled, in, eventbus.IntentEvent{Reason: "duplicate"})
			}
			continue
		}

		if c.pacer != nil && !c.pacer.Allow(c.cfg.Channel) {
			// Pacing gap not yet elapsed; the rest of the batch waits for
			// the next cycle.
			c.log.Debug("pacing gap not elapsed; ending cycle")
			return nil
		}

		won, err := c.store.Claim(ctx, in.ID)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if !won {
			// A concurrent tick got there first; move on.
			c.log.Debug("claim lost", logx.String("intent", in.ID))
			continue
		}
		c.publishEvent(eventbus.TypeIntentClaimed, in, eventbus.IntentEvent{})

		lease, err := c.pool.Acquire(ctx, c.cfg.Operation, c.cfg.Priority, c.cfg.AcquireTimeout)
		if err != nil {
			// Whatever went wrong with the pool, the intent itself is fine:
			// put it back in queue without burning an attempt.
			if _, rerr := c.store.ReleaseClaim(ctx, in.ID); rerr != nil {
				c.log.Error("release claim failed", logx.String("intent", in.ID), logx.Err(rerr))
			}
			if errors.Is(err, browser.ErrQueueTimeout) {
				c.log.Info("no session available; ending cycle", logx.String("intent", in.ID))
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("acquire session: %w", err)
		}

		c.publishOne(ctx, lease, in)
	}
	return nil
}

// publishOne drives one claimed intent through publishing and records the
// outcome. The lease is always released.
func (c *Coordinator) publishOne(ctx context.Context, lease *browser.Lease, in ledger.Intent) {
	defer lease.Release()

	began, err := c.store.BeginPublish(ctx, in.ID)
	if err != nil || !began {
		// Cancelled or failed concurrently; nothing to do.
		if err != nil {
			c.log.Error("begin publish failed", logx.String("intent", in.ID), logx.Err(err))
		}
		return
	}
	attempt := in.Attempts + 1

	out, err := c.pub.Publish(ctx, lease, in)
	if err != nil {
		// Pre-action infrastructure failure: the platform never saw the
		// intent, so a requeue is safe.
		c.log.Error("publish aborted", logx.String("intent", in.ID), logx.Err(err))
		c.recordTransient(ctx, in, attempt, out.Reason)
		return
	}

	switch out.Status {
	case publish.StatusConfirmed:
		ok, err := c.store.Confirm(ctx, in.ID, out.ConfirmationID, time.Now())
		if err != nil || !ok {
			c.log.Error("confirm record failed", logx.String("intent", in.ID), logx.Err(err))
			return
		}
		c.publishEvent(eventbus.TypeIntentConfirmed, in, eventbus.IntentEvent{
			ConfirmationID: out.ConfirmationID,
			Latency:        out.Latency,
			Attempts:       attempt,
		})

	case publish.StatusRejected:
		if ok, err := c.store.Fail(ctx, in.ID, out.Reason); err != nil || !ok {
			c.log.Error("fail record failed", logx.String("intent", in.ID), logx.Err(err))
			return
		}
		c.log.Warn("intent rejected by platform", logx.String("intent", in.ID), logx.String("reason", out.Reason))
		c.publishEvent(eventbus.TypeIntentFailed, in, eventbus.IntentEvent{Reason: out.Reason, Attempts: attempt})

	case publish.StatusUnconfirmed:
		if ok, err := c.store.MarkUnconfirmed(ctx, in.ID, out.Reason); err != nil || !ok {
			c.log.Error("unconfirmed record failed", logx.String("intent", in.ID), logx.Err(err))
			return
		}
		c.log.Warn("intent unconfirmed; deferred to reconciliation", logx.String("intent", in.ID))
		c.publishEvent(eventbus.TypeIntentUnconfirmed, in, eventbus.IntentEvent{Attempts: attempt})

	case publish.StatusNotExecuted:
		c.recordTransient(ctx, in, attempt, out.Reason)
	}
}

func (c *Coordinator) recordTransient(ctx context.Context, in ledger.Intent, attempt int, reason string) {
	if attempt >= c.cfg.MaxAttempts {
		if ok, err := c.store.Fail(ctx, in.ID, reasonMaxAttempts); err != nil || !ok {
			c.log.Error("fail record failed", logx.String("intent", in.ID), logx.Err(err))
			return
		}
		c.log.Warn("intent failed after max attempts", logx.String("intent", in.ID), logx.Int("attempts", attempt))
		c.publishEvent(eventbus.TypeIntentFailed, in, eventbus.IntentEvent{Reason: reasonMaxAttempts, Attempts: attempt})
		return
	}
	if ok, err := c.store.RequeueAttempt(ctx, in.ID, reason); err != nil || !ok {
		c.log.Error("requeue failed", logx.String("intent", in.ID), logx.Err(err))
		return
	}
	c.log.Info("intent requeued after transient fault",
		logx.String("intent", in.ID),
		logx.Int("attempt", attempt),
		logx.String("reason", reason),
	)
}

func (c *Coordinator) publishEvent(typ string, in ledger.Intent, ev eventbus.IntentEvent) {
	if c.bus == nil {
		return
	}
	ev.IntentID = in.ID
	ev.Channel = in.Channel
	c.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Package reconcile resolves unconfirmed intents with independent evidence.
//
// An unconfirmed intent means "the platform action likely executed but no
// confirmation id was obtained". Re-submitting it could duplicate the post,
// so the only ways out are: find the published item on the account and
// recover its id, or let the grace period fully expire and fail the intent
// loudly for an operator.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Config struct {
	// Grace is how long an intent must sit unconfirmed before recovery is
	// attempted. Long enough for platform indexing, short enough to bound
	// operator-visible inconsistency.
	Grace time.Duration

	// Expiry is the total unconfirmed age after which, with no evidence,
	// the intent is failed and alerted.
	Expiry time.Duration

	// AcquireTimeout for the (low-priority) pool acquisition.
	AcquireTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.Expiry <= 0 {
		c.Expiry = 30 * time.Minute
	}
	if c.Expiry < c.Grace {
		c.Expiry = c.Grace
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 30 * time.Second
	}
	return c
}

const reasonExpired = "reconciliation_expired"

type Reconciler struct {
	cfg      Config
	store    ledger.Store
	pool     *browser.Pool
	evidence publish.EvidenceSource
	log      logx.Logger
	bus      eventbus.Bus
}

func New(cfg Config, store ledger.Store, pool *browser.Pool, evidence publish.EvidenceSource, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{cfg: cfg.withDefaults(), store: store, pool: pool, evidence: evidence, log: log, bus: bus}
}

// Run executes one reconciliation pass. A session is acquired only when
// there is something to resolve.
func (r *Reconciler) Run(ctx context.Context) error {
	now := time.Now()

	pending, err := r.store.UnconfirmedBefore(ctx, now.Add(-r.cfg.Grace))
	if err != nil {
		return fmt.Errorf("list unconfirmed: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	lease, err := r.pool.Acquire(ctx, "reconcile", browser.PriorityReconcile, r.cfg.AcquireTimeout)
	if err != nil {
		if errors.Is(err, browser.ErrQueueTimeout) {
			// Low priority lost out this round; next tick retries.
			r.log.Debug("no session for reconciliation; deferring")
			return nil
		}
		return fmt.Errorf("acquire session: %w", err)
	}
	defer lease.Release()

	items, err := r.evidence.RecentActivity(ctx, lease.Session())
	if err != nil {
		lease.MarkBroken(fmt.Sprintf("activity scan fault: %v", err))
		return fmt.Errorf("recent activity: %w", err)
	}

	// Evidence may predate the pass by the full unconfirmed age.
	window := r.cfg.Expiry + r.cfg.Grace

	for _, in := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if id := publish.MatchEvidence(items, in.Payload, now, window); id != "" {
			ok, err := r.store.Confirm(ctx, in.ID, id, now)
			if err != nil || !ok {
				r.log.Error("recovered confirm record failed", logx.String("intent", in.ID), logx.Err(err))
				continue
			}
			r.log.Info("unconfirmed intent recovered",
				logx.String("intent", in.ID),
				logx.String("confirmation_id", id),
				logx.Duration("unconfirmed_for", now.Sub(in.UnconfirmedAt)),
			)
			r.publishEvent(eventbus.TypeReconcileRecover, in, eventbus.IntentEvent{ConfirmationID: id})
			r.publishEvent(eventbus.TypeIntentConfirmed, in, eventbus.IntentEvent{ConfirmationID: id, Latency: now.Sub(in.UnconfirmedAt)})
			continue
		}

		if !in.UnconfirmedAt.IsZero() && now.Sub(in.UnconfirmedAt) >= r.cfg.Expiry {
			ok, err := r.store.Fail(ctx, in.ID, reasonExpired)
			if err != nil || !ok {
				r.log.Error("expiry record failed", logx.String("intent", in.ID), logx.Err(err))
				continue
			}
			// Rare and loud: this needs an operator, not a silent drop.
			r.log.Error("unconfirmed intent expired without evidence",
				logx.String("intent", in.ID),
				logx.String("channel", in.Channel),
				logx.Duration("unconfirmed_for", now.Sub(in.UnconfirmedAt)),
			)
			r.publishEvent(eventbus.TypeIntentFailed, in, eventbus.IntentEvent{Reason: reasonExpired})
		}
	}
	return nil
}

func (r *Reconciler) publishEvent(typ string, in ledger.Intent, ev eventbus.IntentEvent) {
	if r.bus == nil {
		return
	}
	ev.IntentID = in.ID
	ev.Channel = in.Channel
	r.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// Package publish drives one platform publish action and recovers its
// confirmation id through an escalating chain of independent strategies:
//
//  1. live interception: id observed in the platform's network responses
//  2. redirect capture: id parsed from a post-action canonical URL
//  3. content-match scan: the account's recent activity matched against
//     the payload (exact or truncation-tolerant)
//  4. deferred scan: strategy 3 retried with backoff, tolerating platform
//     indexing lag
//
// Exhausting the chain yields "unconfirmed", not "failed": the action likely
// did succeed on the platform, and submitting it again could duplicate the
// post. Only independent reconciliation evidence or grace-period expiry
// resolves an unconfirmed intent.
package publish

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Publisher struct {
	cfg      Config
	surface  Surface
	evidence EvidenceSource
	journal  Journal
	log      logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Journal is the pre-action side channel the publisher writes to.
// Satisfied by *ledger.Journal.
type Journal interface {
	Append(e ledger.JournalEntry) error
}

func New(cfg Config, surface Surface, evidence EvidenceSource, journal Journal, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{
		cfg:      cfg.withDefaults(),
		surface:  surface,
		evidence: evidence,
		journal:  journal,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Publish executes the intent's platform action on the leased session and
// runs the confirmation chain. The error return is reserved for local
// infrastructure failures before the action (journal write); everything
// after the action is expressed through the Outcome.
func (p *Publisher) Publish(ctx context.Context, lease *browser.Lease, in ledger.Intent) (Outcome, error) {
	start := time.Now()

	// Durable side-channel record BEFORE the action, so the content-match
	// strategies and the reconciler have matching material even if the
	// process dies right after the platform call.
	if p.journal != nil {
		if err := p.journal.Append(ledger.JournalEntry{IntentID: in.ID, Content: in.Payload, AttemptedAt: start}); err != nil {
			return Outcome{Status: StatusNotExecuted, Reason: "journal write failed"}, fmt.Errorf("journal append: %w", err)
		}
	}

	res, err := p.surface.Execute(ctx, lease.Session(), in.Payload)
	if err != nil && !res.Executed {
		// The action never reached the platform. The session is suspect.
		lease.MarkBroken(fmt.Sprintf("execute fault: %v", err))
		return Outcome{Status: StatusNotExecuted, Latency: time.Since(start), Reason: err.Error()}, nil
	}
	if res.Rejected {
		return Outcome{Status: StatusRejected, Latency: time.Since(start), Reason: res.Reason}, nil
	}

	// Strategy 1: id intercepted live during the action.
	if res.ConfirmationID != "" {
		return p.confirmed(in, res.ConfirmationID, "network", start), nil
	}

	// Strategy 2: id embedded in the post-action redirect.
	if id := parseRedirectID(res.RedirectURL); id != "" {
		return p.confirmed(in, id, "redirect", start), nil
	}

	// Strategy 3: scan the account's own recent activity.
	if id := p.scanOnce(ctx, lease, in, start); id != "" {
		return p.confirmed(in, id, "scan", start), nil
	}

	// Strategy 4: deferred scans with backoff (platform indexing lag).
	for attempt := 1; attempt <= p.cfg.DeferredAttempts; attempt++ {
		p.rngMu.Lock()
		rng := p.rng
		p.rngMu.Unlock()
		if err := p.cfg.DeferredBackoff.Sleep(ctx, attempt, rng); err != nil {
			break
		}
		if id := p.scanOnce(ctx, lease, in, start); id != "" {
			return p.confirmed(in, id, "deferred_scan", start), nil
		}
	}

	p.log.Warn("confirmation chain exhausted",
		logx.String("intent", in.ID),
		logx.String("channel", in.Channel),
		logx.Duration("spent", time.Since(start)),
	)
	return Outcome{Status: StatusUnconfirmed, Latency: time.Since(start), Reason: "no confirmation evidence"}, nil
}

func (p *Publisher) confirmed(in ledger.Intent, id, strategy string, start time.Time) Outcome {
	latency := time.Since(start)
	p.log.Info("publish confirmed",
		logx.String("intent", in.ID),
		logx.String("confirmation_id", id),
		logx.String("strategy", strategy),
		logx.Duration("latency", latency),
	)
	return Outcome{Status: StatusConfirmed, ConfirmationID: id, Strategy: strategy, Latency: latency}
}

func (p *Publisher) scanOnce(ctx context.Context, lease *browser.Lease, in ledger.Intent, attemptedAt time.Time) string {
	if p.evidence == nil {
		return ""
	}
	sctx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()

	items, err := p.evidence.RecentActivity(sctx, lease.Session())
	if err != nil {
		p.log.Debug("activity scan failed", logx.String("intent", in.ID), logx.Err(err))
		return ""
	}
	return MatchEvidence(items, in.Payload, attemptedAt, p.cfg.MatchWindow)
}

// MatchEvidence picks the most recent activity item whose content matches the
// payload and whose timestamp is plausible for the attempt. Shared with the
// reconciler, which re-runs the same matching against fresh evidence.
func MatchEvidence(items []Evidence, payload string, attemptedAt time.Time, window time.Duration) string {
	var (
		bestID string
		bestAt time.Time
	)
	oldest := attemptedAt.Add(-window)
	for _, it := range items {
		if it.PlatformID == "" {
			continue
		}
		if !it.PostedAt.IsZero() && it.PostedAt.Before(oldest) {
			continue
		}
		if !contentMatches(payload, it.Content) {
			continue
		}
		if bestID == "" || it.PostedAt.After(bestAt) {
			bestID = it.PlatformID
			bestAt = it.PostedAt
		}
	}
	return bestID
}

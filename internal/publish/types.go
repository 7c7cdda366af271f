package publish

import (
	"context"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/backoff"
	"github.com/jatenner/xBOT-sub003/internal/browser"
)

// Surface executes the platform-side publish action on a leased session.
//
// Its internal mechanics (page structure, selectors) are expected to change
// over time; nothing in this package depends on them. The surface reports
// whatever confirmation material it happened to observe while acting (an
// intercepted network id, a post-action redirect URL) and the publisher
// escalates from there.
type Surface interface {
	Execute(ctx context.Context, sess *browser.Session, payload string) (ActionResult, error)
}

// ActionResult describes what the surface observed while executing.
type ActionResult struct {
	// Executed is true when the action reached the platform (or likely did).
	// An error with Executed=false is a transient fault: the intent may be
	// retried. An error with Executed=true may NOT be retried blindly.
	Executed bool

	// Rejected is true when the platform explicitly refused the action
	// (validation error, policy violation). Definitive, no retry.
	Rejected bool
	Reason   string

	// ConfirmationID observed in the platform's own network responses
	// during the action. Fastest, highest confidence.
	ConfirmationID string

	// RedirectURL is the canonical URL the surface navigated to after the
	// action, if any. Often embeds the new item's id.
	RedirectURL string
}

// EvidenceSource lists the account's own recent activity for the
// content-match strategies and the reconciler.
type EvidenceSource interface {
	RecentActivity(ctx context.Context, sess *browser.Session) ([]Evidence, error)
}

type Evidence struct {
	Content    string
	PlatformID string
	PostedAt   time.Time
}

// Status is the outcome of a publish attempt.
type Status int

const (
	// StatusNotExecuted: the action never reached the platform. Retryable.
	StatusNotExecuted Status = iota
	// StatusConfirmed: confirmation id in hand.
	StatusConfirmed
	// StatusUnconfirmed: the action likely succeeded but every confirmation
	// strategy came up empty. Must not be re-submitted; only reconciliation
	// evidence or grace-period expiry resolves it.
	StatusUnconfirmed
	// StatusRejected: the platform refused. Terminal failure.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusUnconfirmed:
		return "unconfirmed"
	case StatusRejected:
		return "rejected"
	default:
		return "not_executed"
	}
}

type Outcome struct {
	Status         Status
	ConfirmationID string
	Strategy       string // which chain step produced the id
	Latency        time.Duration
	Reason         string
}

// Config controls the confirmation chain.
type Config struct {
	// ScanTimeout bounds one content-match scan of recent activity.
	ScanTimeout time.Duration

	// DeferredAttempts is how many extra scans to run (with backoff) when
	// the first scan finds nothing, tolerating platform indexing lag.
	DeferredAttempts int
	DeferredBackoff  backoff.Policy

	// MatchWindow rejects evidence older than this relative to the attempt;
	// stale items on the account must not confirm a fresh intent.
	MatchWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 20 * time.Second
	}
	if c.DeferredAttempts < 0 {
		c.DeferredAttempts = 0
	}
	if c.DeferredAttempts == 0 {
		c.DeferredAttempts = 3
	}
	if c.DeferredBackoff.Base <= 0 {
		c.DeferredBackoff.Base = 5 * time.Second
	}
	if c.DeferredBackoff.Max <= 0 {
		c.DeferredBackoff.Max = 45 * time.Second
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = 15 * time.Minute
	}
	return c
}

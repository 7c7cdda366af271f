package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("ledger: intent not found")

// State is an intent's lifecycle position.
//
// confirmed, failed and cancelled are terminal: every transition in the store
// is a conditional update keyed on the current state, so a terminal intent is
// never mutated again.
type State string

const (
	StateQueued      State = "queued"
	StateClaimed     State = "claimed"
	StatePublishing  State = "publishing"
	StateConfirmed   State = "confirmed"
	StateUnconfirmed State = "unconfirmed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether s is one of the terminal states.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateCancelled
}

// Rate-limit channels. A channel is a rate bucket, not a transport.
const (
	ChannelPost  = "post"
	ChannelReply = "reply"
)

// Intent is one logical "publish this content" request.
//
// The ID is caller-generated and stable across retries; enqueueing the same
// ID twice is a no-op.
type Intent struct {
	ID          string
	Channel     string
	Payload     string
	PayloadHash string
	State       State

	CreatedAt time.Time
	NotBefore time.Time

	ConfirmationID string
	ConfirmedAt    time.Time
	UnconfirmedAt  time.Time

	LastError string
	Attempts  int
}

// NewIntent builds a queued intent with a fresh id and the payload's
// content hash filled in.
func NewIntent(channel, payload string, notBefore time.Time) Intent {
	now := time.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	return Intent{
		ID:          uuid.NewString(),
		Channel:     strings.TrimSpace(channel),
		Payload:     payload,
		PayloadHash: ContentHash(payload),
		State:       StateQueued,
		CreatedAt:   now,
		NotBefore:   notBefore,
	}
}

// Config configures the ledger store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the durable intent ledger.
//
// All state transitions are atomic conditional updates: the bool result
// reports whether the transition happened, false meaning the intent was not
// in the expected source state (e.g. a concurrent claimer won).
type Store interface {
	// Enqueue inserts a queued intent. Re-enqueueing an existing id is a
	// no-op, which is what makes retrying callers idempotent.
	Enqueue(ctx context.Context, in Intent) error

	Get(ctx context.Context, id string) (Intent, error)

	// NextReady returns up to limit queued intents for the channel whose
	// not_before has passed, oldest-eligible first.
	NextReady(ctx context.Context, channel string, limit int, now time.Time) ([]Intent, error)

	// Claim performs the queued -> claimed CAS. Exactly one of any number of
	// concurrent claimers wins.
	Claim(ctx context.Context, id string) (bool, error)

	// ReleaseClaim reverts claimed -> queued. Only valid before publishing
	// begins; used when the pool times out so the intent is retried later
	// without burning an attempt.
	ReleaseClaim(ctx context.Context, id string) (bool, error)

	// BeginPublish moves claimed -> publishing and increments the attempt
	// counter. Past this point the intent can only end up confirmed,
	// unconfirmed or failed.
	BeginPublish(ctx context.Context, id string) (bool, error)

	// Confirm moves publishing|unconfirmed -> confirmed with the platform
	// confirmation id. confirmedAt is the basis for rate-window counting.
	Confirm(ctx context.Context, id, confirmationID string, confirmedAt time.Time) (bool, error)

	// MarkUnconfirmed moves publishing -> unconfirmed: the action probably
	// executed but no confirmation id was obtained.
	MarkUnconfirmed(ctx context.Context, id, reason string) (bool, error)

	// RequeueAttempt moves publishing -> queued after a transient fault where
	// the platform action did not execute.
	RequeueAttempt(ctx context.Context, id, reason string) (bool, error)

	// Fail moves any non-terminal state -> failed.
	Fail(ctx context.Context, id, reason string) (bool, error)

	// Cancel moves queued -> cancelled (operator action or dedup).
	Cancel(ctx context.Context, id, reason string) (bool, error)

	// ConfirmedCountSince counts confirmations in (since, now] for a channel,
	// by confirmation timestamp. Creation/claim times are deliberately not
	// counted: delayed publishes would otherwise under-count the window and
	// over-restrict throughput.
	ConfirmedCountSince(ctx context.Context, channel string, since time.Time) (int, error)

	// HasConfirmedHash reports whether a confirmed intent with the given
	// payload hash exists within the trailing dedup window.
	HasConfirmedHash(ctx context.Context, hash string, since time.Time) (bool, error)

	// UnconfirmedBefore lists unconfirmed intents that entered that state at
	// or before the cutoff, oldest first.
	UnconfirmedBefore(ctx context.Context, cutoff time.Time) ([]Intent, error)

	// CountByState returns intent counts for diagnostics.
	CountByState(ctx context.Context) (map[State]int, error)

	// RecordEngagement upserts collected engagement numbers for a published
	// item (metrics collection job).
	RecordEngagement(ctx context.Context, e Engagement) error

	Close() error
}

// Engagement is a point-in-time engagement reading for a published item.
type Engagement struct {
	PlatformID  string
	Likes       int
	Reposts     int
	Replies     int
	CollectedAt time.Time
}

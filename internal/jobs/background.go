package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

// EngagementSource reads current engagement numbers for the account's
// published items. Like publish.Surface, its mechanics are interchangeable.
type EngagementSource interface {
	Engagements(ctx context.Context, sess *browser.Session) ([]ledger.Engagement, error)
}

// MetricsCollector periodically records engagement readings for published
// items. It runs at background priority and simply yields when the pool is
// busy; a missed cycle costs nothing.
type MetricsCollector struct {
	Pool           *browser.Pool
	Store          ledger.Store
	Source         EngagementSource
	AcquireTimeout time.Duration
	Log            logx.Logger
}

func (m *MetricsCollector) Run(ctx context.Context) error {
	log := m.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := m.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	lease, err := m.Pool.Acquire(ctx, "metrics", browser.PriorityBackground, timeout)
	if errors.Is(err, browser.ErrQueueTimeout) {
		log.Debug("metrics collection yielded: pool busy")
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release()

	items, err := m.Source.Engagements(ctx, lease.Session())
	if err != nil {
		lease.MarkBroken(fmt.Sprintf("engagement scan: %v", err))
		return fmt.Errorf("engagement scan: %w", err)
	}

	now := time.Now().UTC()
	var recorded int
	for _, e := range items {
		if e.PlatformID == "" {
			continue
		}
		if e.CollectedAt.IsZero() {
			e.CollectedAt = now
		}
		if err := m.Store.RecordEngagement(ctx, e); err != nil {
			return fmt.Errorf("record engagement %s: %w", e.PlatformID, err)
		}
		recorded++
	}
	log.Debug("engagement recorded", logx.Int("items", recorded))
	return nil
}

// ReplyCandidate is a ready-to-enqueue reply produced by discovery.
type ReplyCandidate struct {
	Payload   string
	NotBefore time.Time
}

// DiscoverySource surveys the platform for posts worth replying to and
// produces composed reply payloads. Content generation happens behind this
// interface; the job only enqueues what comes back.
type DiscoverySource interface {
	Discover(ctx context.Context, sess *browser.Session) ([]ReplyCandidate, error)
}

// Discovery enqueues reply intents found by the source. Enqueued intents go
// through the same ledger lifecycle and rate limits as everything else, so
// discovery can over-produce safely.
type Discovery struct {
	Pool           *browser.Pool
	Store          ledger.Store
	Source         DiscoverySource
	AcquireTimeout time.Duration
	MaxPerCycle    int
	Log            logx.Logger
}

func (d *Discovery) Run(ctx context.Context) error {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := d.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	max := d.MaxPerCycle
	if max <= 0 {
		max = 5
	}

	lease, err := d.Pool.Acquire(ctx, "discovery", browser.PriorityBackground, timeout)
	if errors.Is(err, browser.ErrQueueTimeout) {
		log.Debug("discovery yielded: pool busy")
		return nil
	}
	if err != nil {
		return err
	}
	defer lease.Release()

	found, err := d.Source.Discover(ctx, lease.Session())
	if err != nil {
		lease.MarkBroken(fmt.Sprintf("discovery scan: %v", err))
		return fmt.Errorf("discovery scan: %w", err)
	}

	var queued int
	for _, c := range found {
		if queued >= max {
			break
		}
		if c.Payload == "" {
			continue
		}
		in := ledger.NewIntent(ledger.ChannelReply, c.Payload, c.NotBefore)
		if err := d.Store.Enqueue(ctx, in); err != nil {
			return fmt.Errorf("enqueue reply intent: %w", err)
		}
		queued++
	}
	if queued > 0 {
		log.Info("reply intents discovered", logx.Int("queued", queued))
	}
	return nil
}

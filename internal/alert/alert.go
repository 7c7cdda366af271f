// Package alert delivers high-signal operator notifications over Telegram.
//
// Only definitive outcomes are alerted: an intent that exhausted its
// attempts, was rejected by the platform, or expired out of reconciliation.
// Transient faults and unconfirmed intents stay in the logs; they resolve
// themselves or escalate into one of the alerted outcomes later.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"golang.org/x/time/rate"

	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	rtsup "github.com/jatenner/xBOT-sub003/internal/runtime/supervisor"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	QueueSize   int
	RatePerSec  int
	DedupWindow time.Duration

	// RecoveredNotices also alerts when reconciliation recovers an intent,
	// not just when things fail.
	RecoveredNotices bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sender is the delivery transport. *telebot.Bot satisfies it through
// teleSender; tests substitute their own.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type teleSender struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func (t teleSender) Send(_ context.Context, text string) error {
	_, err := t.bot.Send(t.chat, text, tele.NoPreview)
	return err
}

// NewTelegramSender builds a send-only Telegram transport. The bot never
// polls; it exists purely to push messages to the operator chat.
func NewTelegramSender(cfg Config) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return teleSender{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

// Notifier subscribes to the event bus and forwards alertable events.
//
// Intake is non-blocking: a full queue drops the alert with a log line
// rather than stalling the publishing path.
type Notifier struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter

	queue chan string
	unsub func()
	sup   *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	dropped uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

// Start is idempotent. Disabled or sender-less notifiers start as no-ops.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue != nil {
		return
	}
	if !n.cfg.Enabled || n.sender == nil || n.bus == nil {
		return
	}

	n.queue = make(chan string, n.cfg.QueueSize)
	events, unsub := n.bus.Subscribe(n.cfg.QueueSize)
	n.unsub = unsub

	n.sup = rtsup.New(ctx,
		rtsup.WithLogger(n.log.With(logx.String("comp", "alert"))),
		// Alerting is best-effort; its failures never cancel the app.
		rtsup.WithCancelOnError(false),
	)
	q := n.queue
	n.sup.Go0("intake", func(c context.Context) { n.intakeLoop(c, events, q) })
	n.sup.Go0("sender", func(c context.Context) { n.sendLoop(c, q) })
	n.log.Info("operator alerts enabled")
}

func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	sup := n.sup
	unsub := n.unsub
	n.sup = nil
	n.unsub = nil
	n.queue = nil
	n.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (n *Notifier) intakeLoop(ctx context.Context, events <-chan eventbus.Event, q chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			text, key, alertable := n.render(e)
			if !alertable || n.suppressed(key) {
				continue
			}
			select {
			case q <- text:
			default:
				n.mu.Lock()
				n.dropped++
				d := n.dropped
				n.mu.Unlock()
				n.log.Warn("alert dropped: queue full", logx.Uint64("total_dropped", d))
			}
		}
	}
}

func (n *Notifier) sendLoop(ctx context.Context, q chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-q:
			if err := n.limiter.Wait(ctx); err != nil {
				return
			}
			if err := n.sender.Send(ctx, text); err != nil {
				n.log.Warn("alert delivery failed", logx.Err(err))
			}
		}
	}
}

// render maps a bus event to alert text, or reports it non-alertable.
func (n *Notifier) render(e eventbus.Event) (text, dedupKey string, ok bool) {
	switch e.Type {
	case eventbus.TypeIntentFailed:
		ie, k := asIntentEvent(e.Data)
		if !k {
			return "", "", false
		}
		return fmt.Sprintf("❌ %s intent failed\nid: %s\nreason: %s\nattempts: %d",
				ie.Channel, ie.IntentID, orDash(ie.Reason), ie.Attempts),
			"failed:" + ie.Channel + ":" + ie.Reason, true

	case eventbus.TypeReconcileRecover:
		if !n.cfg.RecoveredNotices {
			return "", "", false
		}
		ie, k := asIntentEvent(e.Data)
		if !k {
			return "", "", false
		}
		return fmt.Sprintf("✅ %s intent recovered by reconciliation\nid: %s\nconfirmation: %s",
				ie.Channel, ie.IntentID, orDash(ie.ConfirmationID)),
			"recovered:" + ie.IntentID, true

	case eventbus.TypeJobFailed:
		m, k := e.Data.(map[string]string)
		if !k {
			return "", "", false
		}
		return fmt.Sprintf("⚠️ job %s failed\n%s", m["job"], m["error"]),
			"job:" + m["job"], true
	}
	return "", "", false
}

func asIntentEvent(data any) (eventbus.IntentEvent, bool) {
	switch v := data.(type) {
	case eventbus.IntentEvent:
		return v, true
	case *eventbus.IntentEvent:
		if v != nil {
			return *v, true
		}
	}
	return eventbus.IntentEvent{}, false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// suppressed implements a trailing dedup window keyed by alert class, so
// a persistent failure mode produces one alert per window instead of one
// per occurrence.
func (n *Notifier) suppressed(key string) bool {
	n.mu.Lock()
	window := n.cfg.DedupWindow
	n.mu.Unlock()
	if window == 0 || key == "" {
		return false
	}

	now := time.Now()
	n.dmu.Lock()
	defer n.dmu.Unlock()
	if until, found := n.dedup[key]; found && now.Before(until) {
		return true
	}
	n.dedup[key] = now.Add(window)
	// Opportunistic cleanup keeps the map from growing unbounded.
	if len(n.dedup) > 512 {
		for k, until := range n.dedup {
			if now.After(until) {
				delete(n.dedup, k)
			}
		}
	}
	return false
}

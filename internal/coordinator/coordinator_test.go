package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/backoff"
	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
	"github.com/jatenner/xBOT-sub003/internal/ratelimit"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type nopHandle struct{}

func (nopHandle) Close(context.Context) error { return nil }

type nopDriver struct{}

func (nopDriver) Open(context.Context) (browser.Handle, error) { return nopHandle{}, nil }

type scriptedSurface struct {
	mu    sync.Mutex
	res   publish.ActionResult
	err   error
	calls int
}

func (s *scriptedSurface) Execute(context.Context, *browser.Session, string) (publish.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.res, s.err
}

type noEvidence struct{}

func (noEvidence) RecentActivity(context.Context, *browser.Session) ([]publish.Evidence, error) {
	return nil, nil
}

type env struct {
	store ledger.Store
	pool  *browser.Pool
	surf  *scriptedSurface
	bus   eventbus.Bus
	coord *Coordinator
}

func newEnv(t *testing.T, cfg Config, limits ratelimit.Config, pacer *ratelimit.Pacer) *env {
	t.Helper()
	st, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pool := browser.New(browser.Config{Capacity: 1}, nopDriver{}, logx.Nop(), nil)
	t.Cleanup(func() { pool.Close(context.Background()) })

	surf := &scriptedSurface{}
	pub := publish.New(publish.Config{
		ScanTimeout:      time.Second,
		DeferredAttempts: 1,
		DeferredBackoff:  backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
		MatchWindow:      time.Minute,
	}, surf, noEvidence{}, nil, logx.Nop())

	bus := eventbus.New()
	coord := New(cfg, st, ratelimit.New(limits, st), pacer, pool, pub, logx.Nop(), bus)
	return &env{store: st, pool: pool, surf: surf, bus: bus, coord: coord}
}

func enqueue(t *testing.T, st ledger.Store, payload string) ledger.Intent {
	t.Helper()
	in := ledger.NewIntent(ledger.ChannelPost, payload, time.Time{})
	if err := st.Enqueue(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	return in
}

func confirmDirectly(t *testing.T, st ledger.Store, payload string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	in := enqueue(t, st, payload)
	st.Claim(ctx, in.ID)
	st.BeginPublish(ctx, in.ID)
	if ok, err := st.Confirm(ctx, in.ID, "prior", at); !ok || err != nil {
		t.Fatalf("confirm: ok=%v err=%v", ok, err)
	}
}

const payload = "A sufficiently distinctive payload for the posting cycle"

func TestCycleConfirmsReadyIntent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost}, ratelimit.Config{}, nil)
	e.surf.res = publish.ActionResult{Executed: true, ConfirmationID: "42"}
	in := enqueue(t, e.store, payload)

	events, unsub := e.bus.Subscribe(16)
	defer unsub()

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := e.store.Get(context.Background(), in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != ledger.StateConfirmed || got.ConfirmationID != "42" || got.Attempts != 1 {
		t.Fatalf("got %+v", got)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) < 2 || types[0] != eventbus.TypeIntentClaimed || types[1] != eventbus.TypeIntentConfirmed {
		t.Fatalf("events = %v", types)
	}
}

func TestCycleStopsWhenRateWindowExhausted(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost},
		ratelimit.Config{Channels: map[string]ratelimit.ChannelLimit{ledger.ChannelPost: {Hourly: 1}}}, nil)
	e.surf.res = publish.ActionResult{Executed: true, ConfirmationID: "42"}

	confirmDirectly(t, e.store, "an earlier confirmed post", time.Now())
	in := enqueue(t, e.store, payload)

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(context.Background(), in.ID)
	if got.State != ledger.StateQueued || e.surf.calls != 0 {
		t.Fatalf("state=%s calls=%d; rate-limited cycle must not touch the platform", got.State, e.surf.calls)
	}
}

func TestCycleCancelsDuplicateContent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost}, ratelimit.Config{}, nil)
	e.surf.res = publish.ActionResult{Executed: true, ConfirmationID: "42"}

	confirmDirectly(t, e.store, payload, time.Now())
	dup := enqueue(t, e.store, payload)

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(context.Background(), dup.ID)
	if got.State != ledger.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got.State)
	}
	if e.surf.calls != 0 {
		t.Fatal("duplicate reached the platform")
	}
}

func TestQueueTimeoutRevertsClaimWithoutBurningAttempt(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost, AcquireTimeout: 30 * time.Millisecond}, ratelimit.Config{}, nil)
	in := enqueue(t, e.store, payload)

	// Hold the pool's only session so acquisition times out.
	hold, err := e.pool.Acquire(context.Background(), "hog", browser.PriorityReconcile, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer hold.Release()

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(context.Background(), in.ID)
	if got.State != ledger.StateQueued || got.Attempts != 0 {
		t.Fatalf("got %+v; queue timeout must leave the intent retryable", got)
	}
}

func TestTransientFaultRetriesThenFailsAtCap(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost, MaxAttempts: 2}, ratelimit.Config{}, nil)
	e.surf.err = errors.New("browser exploded")
	in := enqueue(t, e.store, payload)
	ctx := context.Background()

	if err := e.coord.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(ctx, in.ID)
	if got.State != ledger.StateQueued || got.Attempts != 1 {
		t.Fatalf("after first cycle: %+v", got)
	}

	if err := e.coord.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = e.store.Get(ctx, in.ID)
	if got.State != ledger.StateFailed || got.LastError != "max_attempts_exceeded" {
		t.Fatalf("after second cycle: %+v", got)
	}
}

func TestUnconfirmedIsNeverRetriedByCycles(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost}, ratelimit.Config{}, nil)
	// Executed fine, but no confirmation evidence anywhere.
	e.surf.res = publish.ActionResult{Executed: true}
	in := enqueue(t, e.store, payload)
	ctx := context.Background()

	if err := e.coord.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(ctx, in.ID)
	if got.State != ledger.StateUnconfirmed {
		t.Fatalf("got %+v", got)
	}
	calls := e.surf.calls

	// Further cycles must not pick the intent up again: re-submitting a
	// possibly-succeeded action could duplicate the post.
	if err := e.coord.RunCycle(ctx); err != nil {
		t.Fatal(err)
	}
	if e.surf.calls != calls {
		t.Fatal("unconfirmed intent was re-executed")
	}
}

func TestPlatformRejectionIsTerminal(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{Channel: ledger.ChannelPost}, ratelimit.Config{}, nil)
	e.surf.res = publish.ActionResult{Executed: true, Rejected: true, Reason: "content policy"}
	in := enqueue(t, e.store, payload)

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.Get(context.Background(), in.ID)
	if got.State != ledger.StateFailed || got.LastError != "content policy" {
		t.Fatalf("got %+v", got)
	}
}

func TestPacingGapEndsCycleEarly(t *testing.T) {
	t.Parallel()
	pacer := ratelimit.NewPacer(map[string]time.Duration{ledger.ChannelPost: time.Hour})
	e := newEnv(t, Config{Channel: ledger.ChannelPost}, ratelimit.Config{}, pacer)
	e.surf.res = publish.ActionResult{Executed: true, ConfirmationID: "42"}

	// Explicit not_before values fix the batch order.
	now := time.Now()
	first := ledger.NewIntent(ledger.ChannelPost, payload, now.Add(-2*time.Minute))
	second := ledger.NewIntent(ledger.ChannelPost, "a second distinctive payload for the same cycle", now.Add(-time.Minute))
	for _, in := range []ledger.Intent{first, second} {
		if err := e.store.Enqueue(context.Background(), in); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.coord.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got1, _ := e.store.Get(context.Background(), first.ID)
	got2, _ := e.store.Get(context.Background(), second.ID)
	if got1.State != ledger.StateConfirmed {
		t.Fatalf("first = %+v", got1)
	}
	if got2.State != ledger.StateQueued {
		t.Fatalf("second = %+v; pacing gap must defer it to a later cycle", got2)
	}
}

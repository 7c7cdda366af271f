package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/backoff"
	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

type nopHandle struct{}

func (nopHandle) Close(context.Context) error { return nil }

type nopDriver struct{}

func (nopDriver) Open(context.Context) (browser.Handle, error) { return nopHandle{}, nil }

func testLease(t *testing.T) (*browser.Lease, *browser.Pool) {
	t.Helper()
	pool := browser.New(browser.Config{Capacity: 1}, nopDriver{}, logx.Nop(), nil)
	t.Cleanup(func() { pool.Close(context.Background()) })
	l, err := pool.Acquire(context.Background(), "test", browser.PriorityPublish, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return l, pool
}

type scriptedSurface struct {
	res ActionResult
	err error

	mu    sync.Mutex
	calls int
}

func (s *scriptedSurface) Execute(context.Context, *browser.Session, string) (ActionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.res, s.err
}

// scriptedEvidence returns empty scans until emptyScans is used up, then items.
type scriptedEvidence struct {
	mu         sync.Mutex
	emptyScans int
	items      []Evidence
	err        error
	scans      int
}

func (s *scriptedEvidence) RecentActivity(context.Context, *browser.Session) ([]Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	if s.err != nil {
		return nil, s.err
	}
	if s.emptyScans > 0 {
		s.emptyScans--
		return nil, nil
	}
	return s.items, nil
}

type memJournal struct {
	mu      sync.Mutex
	entries []ledger.JournalEntry
	err     error
}

func (m *memJournal) Append(e ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func fastCfg() Config {
	return Config{
		ScanTimeout:      time.Second,
		DeferredAttempts: 2,
		DeferredBackoff:  backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond},
		MatchWindow:      15 * time.Minute,
	}
}

const testPayload = "An adequately long payload for confident content matching"

func testIntent() ledger.Intent {
	return ledger.NewIntent(ledger.ChannelPost, testPayload, time.Time{})
}

func TestPublishJournalFailureBlocksAction(t *testing.T) {
	t.Parallel()
	lease, _ := testLease(t)
	surf := &scriptedSurface{}
	p := New(fastCfg(), surf, &scriptedEvidence{}, &memJournal{err: errors.New("disk full")}, logx.Nop())

	out, err := p.Publish(context.Background(), lease, testIntent())
	if err == nil {
		t.Fatal("want journal error")
	}
	if out.Status != StatusNotExecuted {
		t.Fatalf("status = %v", out.Status)
	}
	if surf.calls != 0 {
		t.Fatal("platform action ran despite journal failure")
	}
	lease.Release()
}

func TestPublishJournalWrittenBeforeAction(t *testing.T) {
	t.Parallel()
	lease, _ := testLease(t)
	j := &memJournal{}
	surf := &scriptedSurface{res: ActionResult{Executed: true, ConfirmationID: "77"}}
	p := New(fastCfg(), surf, &scriptedEvidence{}, j, logx.Nop())

	in := testIntent()
	if _, err := p.Publish(context.Background(), lease, in); err != nil {
		t.Fatal(err)
	}
	if len(j.entries) != 1 || j.entries[0].IntentID != in.ID || j.entries[0].Content != testPayload {
		t.Fatalf("journal entries = %v", j.entries)
	}
	lease.Release()
}

func TestPublishTransientFaultMarksSessionBroken(t *testing.T) {
	t.Parallel()
	lease, pool := testLease(t)
	surf := &scriptedSurface{err: errors.New("browser crashed")}
	p := New(fastCfg(), surf, &scriptedEvidence{}, &memJournal{}, logx.Nop())

	out, err := p.Publish(context.Background(), lease, testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusNotExecuted {
		t.Fatalf("status = %v", out.Status)
	}

	lease.Release()
	if snap := pool.Snapshot(); snap.Discarded != 1 {
		t.Fatalf("broken session not discarded: %+v", snap)
	}
}

func TestPublishRejectedIsDefinitive(t *testing.T) {
	t.Parallel()
	lease, _ := testLease(t)
	surf := &scriptedSurface{res: ActionResult{Executed: true, Rejected: true, Reason: "duplicate content"}}
	p := New(fastCfg(), surf, &scriptedEvidence{}, &memJournal{}, logx.Nop())

	out, err := p.Publish(context.Background(), lease, testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusRejected || out.Reason != "duplicate content" {
		t.Fatalf("outcome = %+v", out)
	}
	lease.Release()
}

func TestPublishConfirmationChainOrder(t *testing.T) {
	t.Parallel()
	evItems := []Evidence{{Content: testPayload, PlatformID: "555", PostedAt: time.Now()}}

	cases := []struct {
		name     string
		res      ActionResult
		evidence *scriptedEvidence
		wantID   string
		wantStrt string
	}{
		{
			name:     "network id wins first",
			res:      ActionResult{Executed: true, ConfirmationID: "111", RedirectURL: "https://x.com/u/status/222"},
			evidence: &scriptedEvidence{items: evItems},
			wantID:   "111",
			wantStrt: "network",
		},
		{
			name:     "redirect next",
			res:      ActionResult{Executed: true, RedirectURL: "https://x.com/u/status/222"},
			evidence: &scriptedEvidence{items: evItems},
			wantID:   "222",
			wantStrt: "redirect",
		},
		{
			name:     "scan next",
			res:      ActionResult{Executed: true},
			evidence: &scriptedEvidence{items: evItems},
			wantID:   "555",
			wantStrt: "scan",
		},
		{
			name:     "deferred scan last",
			res:      ActionResult{Executed: true},
			evidence: &scriptedEvidence{emptyScans: 2, items: evItems},
			wantID:   "555",
			wantStrt: "deferred_scan",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			lease, _ := testLease(t)
			defer lease.Release()
			p := New(fastCfg(), &scriptedSurface{res: c.res}, c.evidence, &memJournal{}, logx.Nop())

			out, err := p.Publish(context.Background(), lease, testIntent())
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != StatusConfirmed || out.ConfirmationID != c.wantID || out.Strategy != c.wantStrt {
				t.Fatalf("outcome = %+v", out)
			}
		})
	}
}

func TestPublishExhaustedChainIsUnconfirmed(t *testing.T) {
	t.Parallel()
	lease, _ := testLease(t)
	defer lease.Release()
	ev := &scriptedEvidence{} // never returns anything
	p := New(fastCfg(), &scriptedSurface{res: ActionResult{Executed: true}}, ev, &memJournal{}, logx.Nop())

	out, err := p.Publish(context.Background(), lease, testIntent())
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusUnconfirmed {
		t.Fatalf("status = %v, want unconfirmed (never failed, never retried blind)", out.Status)
	}
	// One immediate scan plus the configured deferred attempts.
	if ev.scans != 3 {
		t.Fatalf("scans = %d, want 3", ev.scans)
	}
}

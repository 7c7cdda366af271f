package config

import (
	"strings"
	"testing"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/ledger"
)

func validConfig() *Config {
	return &Config{
		Ledger:  LedgerConfig{Path: "/var/lib/xbot/ledger.db"},
		Journal: JournalConfig{Path: "/var/lib/xbot/journal.jsonl"},
		Pool:    PoolConfig{Capacity: 2, AcquireTimeout: "30s"},
		RateLimits: RateLimitsConfig{
			Post:  ChannelLimitConfig{Hourly: 4, Daily: 17, MinGap: "10m"},
			Reply: ChannelLimitConfig{Hourly: 6},
		},
		Posting: PostingConfig{MaxAttempts: 3, DedupWindow: "48h"},
	}
}

func TestResolveExpandsComponentConfigs(t *testing.T) {
	t.Parallel()
	rt, err := Resolve(validConfig())
	if err != nil {
		t.Fatal(err)
	}
	if rt.Pool.Capacity != 2 || rt.Pool.AcquireTimeout != 30*time.Second {
		t.Fatalf("pool = %+v", rt.Pool)
	}
	if got := rt.Limits.Channels[ledger.ChannelPost]; got.Hourly != 4 || got.Daily != 17 {
		t.Fatalf("post limits = %+v", got)
	}
	if rt.PacingGaps[ledger.ChannelPost] != 10*time.Minute {
		t.Fatalf("pacing = %v", rt.PacingGaps)
	}
	if _, ok := rt.PacingGaps[ledger.ChannelReply]; ok {
		t.Fatal("reply has no min_gap and must not be paced")
	}
	if rt.PostCycle.Channel != ledger.ChannelPost || rt.ReplyCycle.Channel != ledger.ChannelReply {
		t.Fatalf("cycles = %+v / %+v", rt.PostCycle, rt.ReplyCycle)
	}
	if rt.PostCycle.DedupWindow != 48*time.Hour {
		t.Fatalf("dedup = %v", rt.PostCycle.DedupWindow)
	}
}

func TestResolveRequiredPaths(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Ledger.Path = " "
	if _, err := Resolve(cfg); err == nil || !strings.Contains(err.Error(), "ledger.path") {
		t.Fatalf("err = %v", err)
	}
	cfg = validConfig()
	cfg.Journal.Path = ""
	if _, err := Resolve(cfg); err == nil || !strings.Contains(err.Error(), "journal.path") {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveRejectsMalformedDuration(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Posting.DedupWindow = "2 days"
	if _, err := Resolve(cfg); err == nil || !strings.Contains(err.Error(), "posting.dedup_window") {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveAlertsTokenRequiredWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Alerts = &AlertsConfig{Enabled: true}
	if _, err := Resolve(cfg); err == nil || !strings.Contains(err.Error(), "alerts.token") {
		t.Fatalf("err = %v", err)
	}
	cfg.Alerts.Token = "123456:abc"
	if _, err := Resolve(cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Alerts = &AlertsConfig{Enabled: false} // disabled needs no token
	if _, err := Resolve(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestResolveIntervalsDefaultsAndDisable(t *testing.T) {
	t.Parallel()
	got, err := resolveIntervals(JobsConfig{
		PostEvery:    "30s",
		MetricsEvery: "0s", // explicit zero disables
	})
	if err != nil {
		t.Fatal(err)
	}
	want := JobIntervals{
		Post:      30 * time.Second,
		Reply:     time.Minute,
		Reconcile: 2 * time.Minute,
		Metrics:   0,
		Discovery: 15 * time.Minute,
	}
	if got != want {
		t.Fatalf("intervals = %+v, want %+v", got, want)
	}

	if _, err := resolveIntervals(JobsConfig{ReplyEvery: "soon"}); err == nil {
		t.Fatal("malformed interval accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("d=%v err=%v", d, err)
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/coordinator"
	"github.com/jatenner/xBOT-sub003/internal/jobs"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
	"github.com/jatenner/xBOT-sub003/internal/ratelimit"
	"github.com/jatenner/xBOT-sub003/internal/reconcile"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

// Runtime is the file schema resolved into the typed configs each component
// consumes. Resolution fails loudly on any malformed field so a bad reload
// never half-applies.
type Runtime struct {
	Logging logx.Config

	Ledger      ledger.Config
	JournalPath string
	Pool        browser.Config

	Limits     ratelimit.Config
	PacingGaps map[string]time.Duration

	Publisher  publish.Config
	Reconciler reconcile.Config

	PostCycle  coordinator.Config
	ReplyCycle coordinator.Config

	Jobs          jobs.Config
	JobIntervals  JobIntervals
	Alerts        *AlertsConfig
	AlertDedupWin time.Duration
}

// JobIntervals is the resolved schedule. Zero disables a job.
type JobIntervals struct {
	Post      time.Duration
	Reply     time.Duration
	Reconcile time.Duration
	Metrics   time.Duration
	Discovery time.Duration
}

// Resolve validates cfg and expands it into component configs.
func Resolve(cfg *Config) (Runtime, error) {
	var rt Runtime
	if cfg == nil {
		return rt, fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Ledger.Path) == "" {
		return rt, fmt.Errorf("ledger.path is required")
	}
	if strings.TrimSpace(cfg.Journal.Path) == "" {
		return rt, fmt.Errorf("journal.path is required")
	}

	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}

	busy, err := ParseDurationField("ledger.busy_timeout", cfg.Ledger.BusyTimeout)
	if err != nil {
		return rt, err
	}
	rt.Ledger = ledger.Config{Path: cfg.Ledger.Path, BusyTimeout: busy}
	rt.JournalPath = cfg.Journal.Path

	acqTO, err := ParseDurationField("pool.acquire_timeout", cfg.Pool.AcquireTimeout)
	if err != nil {
		return rt, err
	}
	rt.Pool = browser.Config{
		Capacity:       cfg.Pool.Capacity,
		AcquireTimeout: acqTO,
		MaxUses:        cfg.Pool.MaxUses,
		FairnessEvery:  cfg.Pool.FairnessEvery,
	}

	rt.Limits = ratelimit.Config{Channels: map[string]ratelimit.ChannelLimit{
		ledger.ChannelPost:  {Hourly: cfg.RateLimits.Post.Hourly, Daily: cfg.RateLimits.Post.Daily},
		ledger.ChannelReply: {Hourly: cfg.RateLimits.Reply.Hourly, Daily: cfg.RateLimits.Reply.Daily},
	}}
	rt.PacingGaps = map[string]time.Duration{}
	for ch, raw := range map[string]string{
		ledger.ChannelPost:  cfg.RateLimits.Post.MinGap,
		ledger.ChannelReply: cfg.RateLimits.Reply.MinGap,
	} {
		gap, err := ParseDurationField("rate_limits."+ch+".min_gap", raw)
		if err != nil {
			return rt, err
		}
		if gap > 0 {
			rt.PacingGaps[ch] = gap
		}
	}

	scanTO, err := ParseDurationField("publisher.scan_timeout", cfg.Publisher.ScanTimeout)
	if err != nil {
		return rt, err
	}
	matchWin, err := ParseDurationField("publisher.match_window", cfg.Publisher.MatchWindow)
	if err != nil {
		return rt, err
	}
	rt.Publisher = publish.Config{
		ScanTimeout:      scanTO,
		DeferredAttempts: cfg.Publisher.DeferredAttempts,
		MatchWindow:      matchWin,
	}

	grace, err := ParseDurationField("reconciler.grace", cfg.Reconciler.Grace)
	if err != nil {
		return rt, err
	}
	expiry, err := ParseDurationField("reconciler.expiry", cfg.Reconciler.Expiry)
	if err != nil {
		return rt, err
	}
	rt.Reconciler = reconcile.Config{Grace: grace, Expiry: expiry}

	dedup, err := ParseDurationField("posting.dedup_window", cfg.Posting.DedupWindow)
	if err != nil {
		return rt, err
	}
	rt.PostCycle = coordinator.Config{
		Channel:        ledger.ChannelPost,
		Operation:      "post-cycle",
		Priority:       browser.PriorityPublish,
		AcquireTimeout: acqTO,
		MaxAttempts:    cfg.Posting.MaxAttempts,
		DedupWindow:    dedup,
	}
	rt.ReplyCycle = coordinator.Config{
		Channel:        ledger.ChannelReply,
		Operation:      "reply-cycle",
		Priority:       browser.PriorityReply,
		AcquireTimeout: acqTO,
		MaxAttempts:    cfg.Posting.MaxAttempts,
		DedupWindow:    dedup,
	}

	rt.Jobs = jobs.Config{Timezone: cfg.Jobs.Timezone}
	rt.JobIntervals, err = resolveIntervals(cfg.Jobs)
	if err != nil {
		return rt, err
	}

	rt.Alerts = cfg.Alerts
	if cfg.Alerts != nil {
		rt.AlertDedupWin, err = ParseDurationField("alerts.dedup_window", cfg.Alerts.DedupWindow)
		if err != nil {
			return rt, err
		}
		if cfg.Alerts.Enabled && strings.TrimSpace(cfg.Alerts.Token) == "" {
			return rt, fmt.Errorf("alerts.token is required when alerts are enabled")
		}
	}
	return rt, nil
}

func resolveIntervals(jc JobsConfig) (JobIntervals, error) {
	var out JobIntervals
	for _, f := range []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"jobs.post_every", jc.PostEvery, time.Minute, &out.Post},
		{"jobs.reply_every", jc.ReplyEvery, time.Minute, &out.Reply},
		{"jobs.reconcile_every", jc.ReconcileEvery, 2 * time.Minute, &out.Reconcile},
		{"jobs.metrics_every", jc.MetricsEvery, 30 * time.Minute, &out.Metrics},
		{"jobs.discovery_every", jc.DiscoveryEvery, 15 * time.Minute, &out.Discovery},
	} {
		if strings.TrimSpace(f.raw) == "" {
			*f.dst = f.def
			continue
		}
		d, err := ParseDurationField(f.path, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = d // "0s" stays zero and disables the job
	}
	return out, nil
}

package config

// Config is the full file schema. YAML and JSON are both accepted; YAML is
// coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	Ledger  LedgerConfig  `json:"ledger"`
	Journal JournalConfig `json:"journal"`
	Pool    PoolConfig    `json:"pool"`

	RateLimits RateLimitsConfig `json:"rate_limits"`
	Publisher  PublisherConfig  `json:"publisher,omitempty"`
	Reconciler ReconcilerConfig `json:"reconciler,omitempty"`

	Posting PostingConfig `json:"posting"`
	Jobs    JobsConfig    `json:"jobs,omitempty"`
	Alerts  *AlertsConfig `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LedgerConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type JournalConfig struct {
	Path string `json:"path"`
}

// PoolConfig controls the shared browser session pool.
type PoolConfig struct {
	Capacity       int    `json:"capacity"`
	AcquireTimeout string `json:"acquire_timeout,omitempty"`
	// MaxUses recycles a session after this many leases. 0 disables.
	MaxUses int `json:"max_uses,omitempty"`
	// FairnessEvery grants the longest waiter regardless of priority once
	// per this many grants. 0 means derived from capacity.
	FairnessEvery int `json:"fairness_every,omitempty"`
}

// RateLimitsConfig caps confirmed publishes per channel. Zero means no cap.
type RateLimitsConfig struct {
	Post  ChannelLimitConfig `json:"post"`
	Reply ChannelLimitConfig `json:"reply"`
}

type ChannelLimitConfig struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
	// MinGap is the minimum spacing between consecutive publish attempts
	// on this channel (pacing, on top of the window caps).
	MinGap string `json:"min_gap,omitempty"`
}

// PublisherConfig controls the confirmation chain.
type PublisherConfig struct {
	ScanTimeout      string `json:"scan_timeout,omitempty"`
	DeferredAttempts int    `json:"deferred_attempts,omitempty"`
	MatchWindow      string `json:"match_window,omitempty"`
}

type ReconcilerConfig struct {
	Grace  string `json:"grace,omitempty"`
	Expiry string `json:"expiry,omitempty"`
}

// PostingConfig controls the per-channel coordinators.
type PostingConfig struct {
	MaxAttempts int `json:"max_attempts,omitempty"`
	// DedupWindow suppresses re-publishing content already confirmed within
	// this trailing window.
	DedupWindow string `json:"dedup_window,omitempty"`
}

// JobsConfig carries the interval of every periodic job. Empty intervals
// keep package defaults; "0s" disables the job.
type JobsConfig struct {
	Timezone string `json:"timezone,omitempty"`

	PostEvery      string `json:"post_every,omitempty"`
	ReplyEvery     string `json:"reply_every,omitempty"`
	ReconcileEvery string `json:"reconcile_every,omitempty"`
	MetricsEvery   string `json:"metrics_every,omitempty"`
	DiscoveryEvery string `json:"discovery_every,omitempty"`
}

// AlertsConfig controls Telegram operator alerts. Omit the section to run
// without alerting.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`

	RatePerSec       int    `json:"rate_per_sec,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	DedupWindow      string `json:"dedup_window,omitempty"`
	RecoveredNotices bool   `json:"recovered_notices,omitempty"`
}

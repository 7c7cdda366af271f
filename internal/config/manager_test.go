package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
logging:
  level: debug
  console: true
ledger:
  path: /var/lib/xbot/ledger.db
journal:
  path: /var/lib/xbot/journal.jsonl
pool:
  capacity: 3
  acquire_timeout: 45s
rate_limits:
  post:
    hourly: 4
    daily: 17
    min_gap: 8m
  reply:
    hourly: 6
posting:
  max_attempts: 3
  dedup_window: 48h
`

func writeConfig(t *testing.T, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Pool.Capacity != 3 || cfg.Pool.AcquireTimeout != "45s" {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.RateLimits.Post.Daily != 17 || cfg.RateLimits.Post.MinGap != "8m" {
		t.Fatalf("rate_limits = %+v", cfg.RateLimits)
	}
	if cfg.Alerts != nil {
		t.Fatal("alerts should be absent")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML+"\nposting_extra:\n  typo: true\n")
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
	m = writeConfig(t, strings.Replace(baseYAML, "max_attempts", "max_atempts", 1))
	if _, err := m.Parse(); err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestParseJSONPassthrough(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"ledger":{"path":"/tmp/l.db"},"journal":{"path":"/tmp/j.jsonl"},"pool":{"capacity":1}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ledger.Path != "/tmp/l.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadCommitsAndGetReturnsIt(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the committed revision")
	}
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	m.reload(context.Background()) // same bytes, no publish
	select {
	case <-ch:
		t.Fatal("unchanged content was republished")
	default:
	}
}

func TestReloadPublishesChangedContent(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := strings.Replace(baseYAML, "capacity: 3", "capacity: 4", 1)
	if err := os.WriteFile(m.path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())

	select {
	case cfg := <-ch:
		if cfg.Pool.Capacity != 4 {
			t.Fatalf("capacity = %d", cfg.Pool.Capacity)
		}
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
	if m.Get().Pool.Capacity != 4 {
		t.Fatal("reload did not commit")
	}
}

func TestReloadKeepsRunningConfigOnValidatorReject(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(context.Context, *Config) error {
		return errors.New("capacity too large")
	})

	next := strings.Replace(baseYAML, "capacity: 3", "capacity: 99", 1)
	if err := os.WriteFile(m.path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())

	if m.Get().Pool.Capacity != 3 {
		t.Fatal("rejected revision was committed")
	}
}

func TestReloadKeepsRunningConfigOnParseError(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.path, []byte("pool: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())

	if m.Get().Pool.Capacity != 3 {
		t.Fatal("broken file replaced the running config")
	}
}

func TestPublishPrefersNewestRevision(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	older := &Config{Pool: PoolConfig{Capacity: 1}}
	newer := &Config{Pool: PoolConfig{Capacity: 2}}
	m.publish(older)
	m.publish(newer) // full buffer: drop the stale entry, keep the newest

	if got := <-ch; got.Pool.Capacity != 2 {
		t.Fatalf("capacity = %d, want the newest revision", got.Pool.Capacity)
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, baseYAML)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()

	time.Sleep(100 * time.Millisecond) // let the watcher attach
	next := strings.Replace(baseYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(m.path, []byte(next), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("level = %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never delivered the update")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

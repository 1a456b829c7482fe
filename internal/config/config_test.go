package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"giftwatch/pkg/logx"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  admin_ids: [42]
logging:
  level: info
  console: true
feed:
  replay: ./gifts.ndjson
  poll_interval: 2s
filter:
  timezone: Europe/Berlin
  caps:
    new_gift: 3
dispatcher:
  rate_limit: 15
storage:
  driver: sqlite
  path: ./giftwatch.db
report:
  enabled: true
  daily: "0 9 * * *"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	cfg, err := NewManager(p, logx.Nop()).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || !slices.Equal(cfg.Telegram.AdminIDs, []int64{42}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Filter.Caps["new_gift"] != 3 || cfg.Dispatcher.RateLimit != 15 {
		t.Fatalf("filter/dispatcher = %+v %+v", cfg.Filter, cfg.Dispatcher)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.RemoteEnabled() || !cfg.SilentFirstPoll() {
		t.Fatal("remote and silent first poll should default on")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown field", "c.json", `{"telegram":{"token":"x"},"feed":{"replay":"f"},"bogus":1}`, "unknown field"},
		{"trailing data", "c.json", `{"feed":{"replay":"f"}}{}`, "trailing data"},
		{"bad yaml", "c.yaml", "feed: [", "yaml"},
		{"bad duration", "c.json", `{"feed":{"replay":"f","poll_interval":"soon"}}`, "feed.poll_interval"},
		{"unknown kind", "c.json", `{"feed":{"replay":"f"},"filter":{"caps":{"spam":1}}}`, "unknown notification kind"},
		{"no source", "c.json", `{}`, "no source"},
		{"bad driver", "c.json", `{"feed":{"replay":"f"},"storage":{"driver":"mongo"}}`, "storage.driver"},
		{"bad tz", "c.json", `{"feed":{"replay":"f"},"filter":{"timezone":"Mars/Olympus"}}`, "filter.timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), tc.file, tc.body)
			_, err := NewManager(p, logx.Nop()).Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GIFTWATCH_TELEGRAM_TOKEN", "from-env")
	t.Setenv("GIFTWATCH_STORAGE_DSN", "postgres://u@h/db")
	t.Setenv("GIFTWATCH_REDIS_ADDR", "127.0.0.1:6379")
	cfg := &Config{Telegram: TelegramConfig{Token: "from-file"}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Storage == nil || cfg.Storage.DSN != "postgres://u@h/db" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Redis == nil || cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{Feed: FeedConfig{Replay: "a"}, Dispatcher: DispatcherConfig{RateLimit: 20}}
	cur := &Config{Feed: FeedConfig{Replay: "a"}, Dispatcher: DispatcherConfig{RateLimit: 10}, Filter: FilterConfig{Window: "2h"}}
	changed, attrs, restart := SummarizeConfigChange(old, cur)
	if !slices.Equal(changed, []string{"dispatcher", "filter"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(restart) != 0 {
		t.Fatalf("restart = %v, want none for live sections", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}

	cur.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db"}
	cur.Dispatcher.SendTimeout = "5s"
	_, _, restart = SummarizeConfigChange(old, cur)
	if !slices.Equal(restart, []string{"dispatcher.timing", "storage"}) {
		t.Fatalf("restart = %v", restart)
	}
}

func TestReloadPublishesChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"feed":{"replay":"f"},"dispatcher":{"rate_limit":20}}`)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx := context.Background()
	if m.Reload(ctx) {
		t.Fatal("unchanged file published")
	}
	writeFile(t, dir, "config.json", `{"feed":{"replay":"f"},"dispatcher":{"rate_limit":5}}`)
	if !m.Reload(ctx) {
		t.Fatal("changed file not published")
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatcher.RateLimit != 5 {
			t.Fatalf("rate_limit = %d", cfg.Dispatcher.RateLimit)
		}
	default:
		t.Fatal("no update delivered")
	}

	writeFile(t, dir, "config.json", `{"feed":{"replay":"f"},"dispatcher":{"rate_limit":-1}}`)
	if m.Reload(ctx) {
		t.Fatal("invalid config published")
	}
	if m.Get().Dispatcher.RateLimit != 5 {
		t.Fatal("rejected config was committed")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"feed":{"replay":"f"}}`)
	m := NewManager(p, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "config.json", `{"feed":{"replay":"g"}}`)
	select {
	case cfg := <-ch:
		if cfg.Feed.Replay != "g" {
			t.Fatalf("replay = %q", cfg.Feed.Replay)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not publish")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative accepted")
	}
	for raw, want := range map[string]time.Duration{
		"90":   90 * time.Second,
		"2d":   48 * time.Hour,
		"1h5m": time.Hour + 5*time.Minute,
	} {
		if d, err := ParseDurationField("x", raw); err != nil || d != want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", raw, d, err)
		}
	}
	if _, err := ParseDurationField("x", "xd"); err == nil {
		t.Fatal("bad day count accepted")
	}
}

func TestDecodeYAMLRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"duplicate": "feed:\n  replay: a\nfeed:\n  replay: b\n",
		"multidoc":  "feed: {}\n---\nfeed: {}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := decode("c.yaml", []byte(raw)); err == nil {
				t.Fatal("decode accepted invalid yaml")
			}
		})
	}
}

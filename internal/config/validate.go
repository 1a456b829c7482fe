package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"giftwatch/internal/model"
)

// Validate checks field formats without touching external systems.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	tz := func(path, raw string) {
		if s := strings.TrimSpace(raw); s != "" {
			if _, err := time.LoadLocation(s); err != nil {
				errs = append(errs, fmt.Errorf("%s: unknown timezone %q", path, raw))
			}
		}
	}

	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)

	dur("feed.poll_interval", cfg.Feed.PollInterval)
	dur("feed.failure_backoff", cfg.Feed.FailureBackoff)
	dur("feed.fetch_timeout", cfg.Feed.FetchTimeout)
	dur("feed.remote_min_interval", cfg.Feed.RemoteMinInterval)
	if !cfg.RemoteEnabled() && strings.TrimSpace(cfg.Feed.Replay) == "" {
		errs = append(errs, errors.New("feed: no source configured (set telegram.token or feed.replay)"))
	}

	tz("filter.timezone", cfg.Filter.Timezone)
	dur("filter.window", cfg.Filter.Window)
	if cfg.Filter.DefaultCap < 0 {
		errs = append(errs, errors.New("filter.default_cap: must be >= 0"))
	}
	for k, v := range cfg.Filter.Caps {
		if _, ok := model.ParseKind(k); !ok {
			errs = append(errs, fmt.Errorf("filter.caps: unknown notification kind %q", k))
		}
		if v < 0 {
			errs = append(errs, fmt.Errorf("filter.caps.%s: must be >= 0", k))
		}
	}

	if cfg.Queue.MaxSize < 0 {
		errs = append(errs, errors.New("queue.max_size: must be >= 0"))
	}

	if cfg.Dispatcher.RateLimit < 0 {
		errs = append(errs, errors.New("dispatcher.rate_limit: must be >= 0"))
	}
	dur("dispatcher.rate_window", cfg.Dispatcher.RateWindow)
	dur("dispatcher.transient_backoff", cfg.Dispatcher.TransientBackoff)
	dur("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout)
	dur("dispatcher.drain_interval", cfg.Dispatcher.DrainInterval)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "memory", "mem", "file", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}
	if r := cfg.Redis; r != nil && strings.TrimSpace(r.Addr) == "" {
		errs = append(errs, errors.New("redis.addr: required when the redis section is present"))
	}

	tz("report.timezone", cfg.Report.Timezone)
	dur("report.timeout", cfg.Report.Timeout)
	if cfg.Report.Enabled && len(cfg.Telegram.AdminIDs) == 0 {
		errs = append(errs, errors.New("report: enabled without telegram.admin_ids"))
	}

	dur("ops.read_timeout", cfg.Ops.ReadTimeout)
	dur("ops.write_timeout", cfg.Ops.WriteTimeout)
	dur("ops.idle_timeout", cfg.Ops.IdleTimeout)

	return errors.Join(errs...)
}

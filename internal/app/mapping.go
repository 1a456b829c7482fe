package app

import (
	"fmt"
	"strings"
	"time"

	"giftwatch/internal/config"
	"giftwatch/internal/detector"
	"giftwatch/internal/dispatch"
	"giftwatch/internal/feed"
	"giftwatch/internal/filter"
	"giftwatch/internal/model"
	"giftwatch/internal/ops"
	"giftwatch/internal/ratelimit"
	"giftwatch/internal/report"
	"giftwatch/internal/storage"
	"giftwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig returns enabled=false when persistence is off; the app
// then keeps everything in memory.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory", "mem":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}, true, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDetector(cfg *config.Config) (detector.Config, error) {
	var (
		out detector.Config
		err error
	)
	if out.PollInterval, err = config.ParseDurationField("feed.poll_interval", cfg.Feed.PollInterval); err != nil {
		return out, err
	}
	if out.FailureBackoff, err = config.ParseDurationField("feed.failure_backoff", cfg.Feed.FailureBackoff); err != nil {
		return out, err
	}
	if out.FetchTimeout, err = config.ParseDurationField("feed.fetch_timeout", cfg.Feed.FetchTimeout); err != nil {
		return out, err
	}
	out.SilentFirstPoll = cfg.SilentFirstPoll()
	return out, nil
}

func mapRemote(cfg *config.Config) (feed.RemoteConfig, error) {
	minInterval, err := config.ParseDurationField("feed.remote_min_interval", cfg.Feed.RemoteMinInterval)
	if err != nil {
		return feed.RemoteConfig{}, err
	}
	return feed.RemoteConfig{Attempts: cfg.Feed.RemoteAttempts, MinInterval: minInterval}, nil
}

func mapFilter(cfg *config.Config) (filter.Config, error) {
	window, err := config.ParseDurationField("filter.window", cfg.Filter.Window)
	if err != nil {
		return filter.Config{}, err
	}
	out := filter.Config{DefaultCap: cfg.Filter.DefaultCap, Window: window, Location: time.UTC}
	if tz := strings.TrimSpace(cfg.Filter.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return filter.Config{}, fmt.Errorf("filter.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	if len(cfg.Filter.Caps) > 0 {
		out.Caps = make(map[model.NotificationKind]int, len(cfg.Filter.Caps))
		for name, v := range cfg.Filter.Caps {
			kind, ok := model.ParseKind(name)
			if !ok {
				return filter.Config{}, fmt.Errorf("filter.caps: unknown notification kind %q", name)
			}
			out.Caps[kind] = v
		}
	}
	return out, nil
}

func mapDispatcher(cfg *config.Config) (dispatch.Config, error) {
	var (
		out dispatch.Config
		err error
	)
	if out.TransientBackoff, err = config.ParseDurationField("dispatcher.transient_backoff", cfg.Dispatcher.TransientBackoff); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("dispatcher.send_timeout", cfg.Dispatcher.SendTimeout); err != nil {
		return out, err
	}
	if out.DrainInterval, err = config.ParseDurationField("dispatcher.drain_interval", cfg.Dispatcher.DrainInterval); err != nil {
		return out, err
	}
	return out, nil
}

func mapRateWindow(cfg *config.Config) (limit int, window time.Duration, err error) {
	limit = cfg.Dispatcher.RateLimit
	if limit <= 0 {
		limit = ratelimit.DefaultLimit
	}
	window, err = config.ParseDurationOrDefault("dispatcher.rate_window", cfg.Dispatcher.RateWindow, ratelimit.DefaultWindow)
	return limit, window, err
}

func mapReport(cfg *config.Config) (report.Config, error) {
	timeout, err := config.ParseDurationField("report.timeout", cfg.Report.Timeout)
	if err != nil {
		return report.Config{}, err
	}
	return report.Config{
		Enabled:  cfg.Report.Enabled,
		AdminIDs: append([]int64(nil), cfg.Telegram.AdminIDs...),
		Hourly:   cfg.Report.Hourly,
		Daily:    cfg.Report.Daily,
		Timezone: cfg.Report.Timezone,
		Timeout:  timeout,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	out := ops.Config{
		Enabled:              cfg.Ops.Enabled,
		Addr:                 cfg.Ops.Addr,
		Token:                cfg.Ops.Token,
		AllowInsecure:        cfg.Ops.AllowInsecure,
		Pprof:                cfg.Ops.Pprof,
		MutexProfileFraction: cfg.Ops.MutexProfileFraction,
		BlockProfileRate:     cfg.Ops.BlockProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	// Zero write timeout keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", cfg.Ops.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, time.Minute); err != nil {
		return out, err
	}
	return out, nil
}

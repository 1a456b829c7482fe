package config

import (
	"reflect"
	"sort"
	"strings"

	"giftwatch/pkg/logx"
)

// Sections that are rebuilt only on restart.
var restartSections = map[string]bool{
	"telegram": true,
	"feed":     true,
	"queue":    true,
	"storage":  true,
	"redis":    true,
	"render":   true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or DSNs),
// and (3) the subset of changed sections that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram.AdminIDs, newCfg.Telegram.AdminIDs) {
		// Admin ids feed the reporter only; applied live.
		changed = append(changed, "admins")
		attrs = append(attrs, logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminIDs)))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Feed, newCfg.Feed) {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.Bool("feed.remote", newCfg.RemoteEnabled()),
			logx.Bool("feed.replay_set", strings.TrimSpace(newCfg.Feed.Replay) != ""),
			logx.String("feed.poll_interval", newCfg.Feed.PollInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.String("filter.timezone", newCfg.Filter.Timezone),
			logx.String("filter.window", newCfg.Filter.Window),
			logx.Int("filter.caps_count", len(newCfg.Filter.Caps)),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.max_size", newCfg.Queue.MaxSize))
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.rate_limit", newCfg.Dispatcher.RateLimit),
			logx.String("dispatcher.rate_window", newCfg.Dispatcher.RateWindow),
		)
		// Only the rate limit is live; other dispatcher knobs need a restart.
		o, n := oldCfg.Dispatcher, newCfg.Dispatcher
		o.RateLimit, n.RateLimit = 0, 0
		if o != n {
			changed = append(changed, "dispatcher.timing")
		}
	}

	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	var oR, nR RedisConfig
	if oldCfg.Redis != nil {
		oR = *oldCfg.Redis
	}
	if newCfg.Redis != nil {
		nR = *newCfg.Redis
	}
	if oR != nR {
		changed = append(changed, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
	}

	if oldCfg.Report != newCfg.Report {
		changed = append(changed, "report")
		attrs = append(attrs,
			logx.Bool("report.enabled", newCfg.Report.Enabled),
			logx.String("report.hourly", newCfg.Report.Hourly),
			logx.String("report.daily", newCfg.Report.Daily),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] || s == "dispatcher.timing" {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

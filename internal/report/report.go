// Package report sends scheduled statistics to admin chats.
package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"giftwatch/internal/engine"
	"giftwatch/internal/storage"
	"giftwatch/internal/transport"
	"giftwatch/pkg/logx"
	"giftwatch/pkg/tgui"
)

const (
	DefaultHourly  = "@every 1h"
	DefaultDaily   = "0 12 * * *"
	DefaultTimeout = 30 * time.Second
)

type Config struct {
	Enabled  bool
	AdminIDs []int64
	Hourly   string // cron spec or @every; "-" disables
	Daily    string
	Timezone string // IANA TZ, e.g. "Asia/Tehran"
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Hourly) == "" {
		c.Hourly = DefaultHourly
	}
	if strings.TrimSpace(c.Daily) == "" {
		c.Daily = DefaultDaily
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// StatsSource is implemented by *engine.Engine.
type StatsSource interface {
	Statistics(ctx context.Context) engine.Statistics
}

type Reporter struct {
	mu sync.Mutex

	cfg      Config
	log      logx.Logger
	loc      *time.Location
	parser   cron.Parser
	c        *cron.Cron
	baseCtx  context.Context
	stats    StatsSource
	store    storage.Store
	notifier transport.Notifier
	now      func() time.Time

	// Totals at the previous daily run, for per-day deltas.
	lastDaily engine.Statistics
}

func New(cfg Config, stats StatsSource, store storage.Store, notifier transport.Notifier, log logx.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "report")),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		stats:    stats,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// Validate checks both schedule specs.
func (r *Reporter) Validate(cfg Config) error {
	cfg = cfg.withDefaults()
	for _, spec := range []string{cfg.Hourly, cfg.Daily} {
		if spec == "-" {
			continue
		}
		if _, err := r.parser.Parse(spec); err != nil {
			return fmt.Errorf("report schedule %q: %w", spec, err)
		}
	}
	return nil
}

func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	r.baseCtx = ctx
	if !r.cfg.Enabled {
		return nil
	}
	return r.startLocked()
}

func (r *Reporter) startLocked() error {
	if err := r.Validate(r.cfg); err != nil {
		return err
	}
	r.loc = r.loadLocationLocked()
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	if r.cfg.Hourly != "-" {
		if _, err := r.c.AddFunc(r.cfg.Hourly, func() { r.runJob("hourly", r.RunHourly) }); err != nil {
			return err
		}
	}
	if r.cfg.Daily != "-" {
		if _, err := r.c.AddFunc(r.cfg.Daily, func() { r.runJob("daily", r.RunDaily) }); err != nil {
			return err
		}
	}
	r.c.Start()
	r.log.Info("reporter started",
		logx.String("hourly", r.cfg.Hourly),
		logx.String("daily", r.cfg.Daily),
		logx.String("tz", r.loc.String()))
	return nil
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("reporter stopped")
}

// Apply swaps the config and restarts the schedule if it changed.
func (r *Reporter) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := r.Validate(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cfg
	r.cfg = cfg
	if r.baseCtx == nil {
		return nil
	}
	if old.Enabled == cfg.Enabled && old.Hourly == cfg.Hourly && old.Daily == cfg.Daily &&
		strings.TrimSpace(old.Timezone) == strings.TrimSpace(cfg.Timezone) {
		return nil
	}
	if r.c != nil {
		<-r.c.Stop().Done()
		r.c = nil
	}
	if !cfg.Enabled {
		r.log.Info("reporter disabled")
		return nil
	}
	return r.startLocked()
}

func (r *Reporter) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (r *Reporter) runJob(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	base := r.baseCtx
	timeout := r.cfg.Timeout
	r.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	started := r.now()
	if err := fn(ctx); err != nil {
		r.log.Warn("report failed", logx.String("report", name), logx.Err(err))
		return
	}
	r.log.Debug("report sent", logx.String("report", name), logx.Duration("took", r.now().Sub(started)))
}

// RunHourly sends the current statistics to every admin.
func (r *Reporter) RunHourly(ctx context.Context) error {
	return r.broadcast(ctx, HourlyText(r.stats.Statistics(ctx), r.now()))
}

// RunDaily records today's summary and sends it to every admin.
func (r *Reporter) RunDaily(ctx context.Context) error {
	st := r.stats.Statistics(ctx)
	r.mu.Lock()
	prev := r.lastDaily
	r.lastDaily = st
	loc := r.loc
	r.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}

	day := storage.DailyStats{
		Day:                 r.now().In(loc).Format("2006-01-02"),
		GiftsFound:          int64(st.EventsTotal - prev.EventsTotal),
		NotificationsSent:   int64(st.SentTotal - prev.SentTotal),
		NotificationsFailed: int64((st.FailedTotal + st.UnreachableTotal) - (prev.FailedTotal + prev.UnreachableTotal)),
	}
	var errs []error
	if r.store != nil {
		total, active, err := r.store.CountSubscribers(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		day.TotalSubscribers, day.ActiveSubscribers = int64(total), int64(active)
		if err := r.store.PutDailyStats(ctx, day); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.broadcast(ctx, DailyText(day, st)))
	return errors.Join(errs...)
}

// Announce sends a free-form notice (startup, shutdown) to every admin.
func (r *Reporter) Announce(ctx context.Context, text string) error {
	return r.broadcast(ctx, text)
}

func (r *Reporter) broadcast(ctx context.Context, text string) error {
	r.mu.Lock()
	admins := append([]int64(nil), r.cfg.AdminIDs...)
	r.mu.Unlock()
	if r.notifier == nil || len(admins) == 0 {
		return nil
	}
	var errs []error
	for _, id := range admins {
		if err := r.notifier.Notify(ctx, id, text); err != nil {
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func HourlyText(st engine.Statistics, now time.Time) string {
	lastPoll := "never"
	if !st.LastPollAt.IsZero() {
		lastPoll = now.Sub(st.LastPollAt).Round(time.Second).String() + " ago"
	}
	parts := []tgui.H{
		tgui.B("📊 Hourly report"),
		tgui.Line("Source", st.Source),
		tgui.Line("Known gifts", strconv.Itoa(st.KnownGifts)),
		tgui.Line("Last poll", lastPoll),
		tgui.Line("Events", strconv.FormatUint(st.EventsTotal, 10)),
		tgui.Line("Queue", strconv.Itoa(st.QueueDepth)),
		tgui.Line("Sent", strconv.FormatUint(st.SentTotal, 10)),
		tgui.Line("Failed", strconv.FormatUint(st.FailedTotal, 10)),
		tgui.Line("Unreachable", strconv.FormatUint(st.UnreachableTotal, 10)),
		tgui.Line("Send window", fmt.Sprintf("%d/%d", st.RateLimit.Used, st.RateLimit.Limit)),
	}
	if st.LastPollError != "" {
		parts = append(parts, tgui.Line("Feed error", st.LastPollError))
	}
	if !st.RateLimit.CooldownUntil.IsZero() && st.RateLimit.CooldownUntil.After(now) {
		parts = append(parts, tgui.Line("Cooldown", st.RateLimit.CooldownUntil.Sub(now).Round(time.Second).String()))
	}
	return tgui.JoinH("\n", parts...).String()
}

func DailyText(day storage.DailyStats, st engine.Statistics) string {
	return tgui.JoinH("\n",
		tgui.B("🗓 Daily summary "+day.Day),
		tgui.Line("Subscribers", fmt.Sprintf("%d (%d active)", day.TotalSubscribers, day.ActiveSubscribers)),
		tgui.Line("Gift events", strconv.FormatInt(day.GiftsFound, 10)),
		tgui.Line("Notifications sent", strconv.FormatInt(day.NotificationsSent, 10)),
		tgui.Line("Notifications failed", strconv.FormatInt(day.NotificationsFailed, 10)),
		tgui.Line("Known gifts", strconv.Itoa(st.KnownGifts)),
	).String()
}

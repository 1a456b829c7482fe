// Package app builds the watcher from config and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"giftwatch/internal/config"
	"giftwatch/internal/detector"
	"giftwatch/internal/dispatch"
	"giftwatch/internal/engine"
	"giftwatch/internal/eventbus"
	"giftwatch/internal/feed"
	"giftwatch/internal/filter"
	"giftwatch/internal/ops"
	"giftwatch/internal/queue"
	"giftwatch/internal/ratelimit"
	"giftwatch/internal/render"
	"giftwatch/internal/report"
	rtsup "giftwatch/internal/runtime/supervisor"
	"giftwatch/internal/storage"
	"giftwatch/internal/transport"
	"giftwatch/internal/transport/telegram"
	"giftwatch/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopRequested  StopReason = "requested"
)

const (
	probeTimeout = 10 * time.Second
	redisTimeout = 3 * time.Second
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	rdb      *redis.Client
	tg       *telegram.Adapter
	notifier transport.Notifier

	engine   *engine.Engine
	reporter *report.Reporter
	ops      *ops.Server

	announce atomic.Bool
	sup      *rtsup.Supervisor
}

// New loads the config at cfgPath and builds every component. Feed sources
// are probed once here; the first healthy one in rank order is kept.
func New(ctx context.Context, cfgPath string) (*App, error) {
	logs, log := logx.New(logx.Config{Level: "info", Console: true}, nil)
	cfgm := config.NewManager(cfgPath, log)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs.Apply(mapLogging(cfg))
	a, err := build(ctx, cfg, logs, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// openStore is replaced in tests.
var openStore = storage.Open

func build(ctx context.Context, cfg *config.Config, logs *logx.Service, log logx.Logger) (_ *App, err error) {
	a := &App{
		log:  log.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
	}
	a.announce.Store(cfg.Report.Announce)
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	var sender transport.Sender
	if token := strings.TrimSpace(cfg.Telegram.Token); token != "" {
		pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
		if err != nil {
			return nil, err
		}
		a.tg, err = telegram.New(telegram.Config{Token: token, PollTimeout: pollTimeout}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		logs.SetSink(a.tg)
		sender, a.notifier = a.tg, a.tg
	} else {
		a.log.Warn("telegram token not set; running in dry-run mode")
		dry := transport.NewLogSender(log)
		sender, a.notifier = dry, dry
	}

	sc, persistent, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if persistent {
		if a.store, err = openStore(sc, log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	} else {
		a.store = storage.NewMemory()
		a.log.Warn("storage disabled; subscribers and gifts are kept in memory only")
	}

	src, err := a.selectSource(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	detCfg, err := mapDetector(cfg)
	if err != nil {
		return nil, err
	}
	det := detector.New(src, detCfg, log)

	filtCfg, err := mapFilter(cfg)
	if err != nil {
		return nil, err
	}
	filt := filter.New(filtCfg)
	renderer := render.New(render.Config{BuyURL: cfg.Render.BuyURL})
	maxSize := cfg.Queue.MaxSize
	if maxSize == 0 {
		maxSize = queue.DefaultMaxSize
	}
	q := queue.New(maxSize)

	window, err := a.rateWindow(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dispCfg, err := mapDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(q, window, sender, filt, a.store, a.bus, dispCfg, log)

	a.engine = engine.New(engine.Deps{
		Detector:   det,
		Filter:     filt,
		Renderer:   renderer,
		Queue:      q,
		Dispatcher: disp,
		Subs:       a.store,
		Gifts:      a.store,
		Bus:        a.bus,
	}, engine.Config{}, log)

	if a.tg != nil {
		a.tg.SetGiftLookup(a.store, renderer)
	}

	repCfg, err := mapReport(cfg)
	if err != nil {
		return nil, err
	}
	a.reporter = report.New(repCfg, a.engine, a.store, a.notifier, log)
	if err := a.reporter.Validate(repCfg); err != nil {
		return nil, err
	}

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, a.engine, log)
	return a, nil
}

// selectSource ranks the live catalog ahead of the replay file.
func (a *App) selectSource(ctx context.Context, cfg *config.Config, log logx.Logger) (feed.Source, error) {
	var ranked []feed.Source
	if cfg.RemoteEnabled() && a.tg != nil {
		rc, err := mapRemote(cfg)
		if err != nil {
			return nil, err
		}
		ranked = append(ranked, feed.NewRemoteCatalog(a.tg, rc, log))
	}
	if p := strings.TrimSpace(cfg.Feed.Replay); p != "" {
		ranked = append(ranked, feed.NewReplayFeed(p))
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	src, err := feed.Select(pctx, ranked...)
	if err != nil {
		return nil, err
	}
	a.log.Info("feed source selected", logx.String("source", src.Name()), logx.Int("candidates", len(ranked)))
	return src, nil
}

// rateWindow prefers the shared Redis window and falls back to memory when
// Redis is unreachable at startup.
func (a *App) rateWindow(ctx context.Context, cfg *config.Config) (ratelimit.Window, error) {
	limit, window, err := mapRateWindow(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Redis == nil {
		return ratelimit.NewMemoryWindow(limit, window), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		a.log.Warn("redis unreachable; using in-process send window", logx.String("addr", cfg.Redis.Addr), logx.Err(err))
		return ratelimit.NewMemoryWindow(limit, window), nil
	}
	a.rdb = rdb
	a.log.Info("shared send window enabled", logx.String("addr", cfg.Redis.Addr))
	return ratelimit.NewRedisWindow(rdb, cfg.Redis.Key, limit, window), nil
}

// Engine exposes the control surface.
func (a *App) Engine() *engine.Engine { return a.engine }

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateLive(cfg, a.reporter)
		})
	}

	if a.tg != nil {
		if err := a.tg.Start(run); err != nil {
			return err
		}
	}
	if err := a.engine.Start(run); err != nil {
		return err
	}
	if err := a.reporter.Start(run); err != nil {
		return err
	}
	if err := a.ops.Start(run); err != nil {
		// Ops is optional; a refused bind must not stop delivery.
		a.log.Error("ops server not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			last := a.cfgm.Get()
			for {
				select {
				case <-c.Done():
					return
				case next, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(c, last, next)
					last = next
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if a.announce.Load() {
		a.notice(run, "🟢 Gift watcher started")
	}
	a.log.Info("app started")
	return nil
}

func validateLive(cfg *config.Config, rep *report.Reporter) error {
	if _, err := mapFilter(cfg); err != nil {
		return err
	}
	if _, _, err := mapRateWindow(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	rc, err := mapReport(cfg)
	if err != nil {
		return err
	}
	if rep != nil {
		return rep.Validate(rc)
	}
	return nil
}

// applyConfig pushes live-reloadable sections into running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if fc, err := mapFilter(next); err != nil {
		a.log.Warn("invalid filter config; keeping previous", logx.Err(err))
	} else {
		a.engine.ApplyFilter(fc)
	}
	if limit, _, err := mapRateWindow(next); err == nil {
		a.engine.SetRateLimit(limit)
	}
	if rc, err := mapReport(next); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	} else if err := a.reporter.Apply(rc); err != nil {
		a.log.Warn("report config rejected", logx.Err(err))
	}
	if oc, err := mapOps(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}
	a.announce.Store(next.Report.Announce)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) notice(ctx context.Context, text string) {
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.reporter.Announce(nctx, text); err != nil {
		a.log.Warn("admin notice failed", logx.Err(err))
	}
}

// Stop unwinds components in reverse start order. Each step has its own
// deadline bounded by ctx so one stuck component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if a.announce.Load() {
		a.notice(ctx, "🔴 Gift watcher stopping ("+string(reason)+")")
	}
	a.sup.Cancel()

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("report", 2*time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	step("engine", 5*time.Second, a.engine.Stop)
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.tg == nil {
			return nil
		}
		return a.tg.Stop(c)
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else {
			err = nil
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}

func (a *App) closeResources() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.rdb = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

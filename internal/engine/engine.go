// Package engine wires detection, filtering, rendering, queueing and dispatch
// into one pipeline and exposes its control surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/patrickmn/go-cache"

	"giftwatch/internal/detector"
	"giftwatch/internal/dispatch"
	"giftwatch/internal/eventbus"
	"giftwatch/internal/filter"
	"giftwatch/internal/metrics"
	"giftwatch/internal/model"
	"giftwatch/internal/queue"
	"giftwatch/internal/render"
	"giftwatch/internal/runtime/supervisor"
	"giftwatch/internal/storage"
	"giftwatch/pkg/logx"
)

var (
	ErrRunning    = errors.New("engine already running")
	ErrNotRunning = errors.New("engine not running")
)

const (
	DefaultSubscriberTTL = 30 * time.Second
	DefaultPruneInterval = 5 * time.Minute
	DefaultListAttempts  = 3
	DefaultListDelay     = 200 * time.Millisecond

	activeKey = "active"
)

type Config struct {
	// SubscriberTTL bounds how stale the fan-out subscriber list may be.
	SubscriberTTL time.Duration
	PruneInterval time.Duration
	// ListAttempts and ListDelay bound the retry of the subscriber listing.
	ListAttempts uint
	ListDelay    time.Duration
}

// Deps are the pipeline components. All are required except Bus.
type Deps struct {
	Detector   *detector.Detector
	Filter     *filter.Engine
	Renderer   *render.Renderer
	Queue      *queue.Queue
	Dispatcher *dispatch.Dispatcher
	Subs       storage.SubscriberStore
	Gifts      storage.GiftStore
	Bus        eventbus.Bus
}

// Statistics is the read-only control surface view.
type Statistics struct {
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`

	QueueDepth       int    `json:"queue_depth"`
	SentTotal        uint64 `json:"sent_total"`
	FailedTotal      uint64 `json:"failed_total"`
	UnreachableTotal uint64 `json:"unreachable_total"`
	RetriedTotal     uint64 `json:"retried_total"`
	EnqueuedTotal    uint64 `json:"enqueued_total"`
	DroppedTotal     uint64 `json:"dropped_total"`
	EventsTotal      uint64 `json:"events_total"`

	RateLimit RateLimitState `json:"rate_limit"`

	Source        string    `json:"source"`
	KnownGifts    int       `json:"known_gifts"`
	LastPollAt    time.Time `json:"last_poll_at,omitempty"`
	LastPollError string    `json:"last_poll_error,omitempty"`

	Loops []supervisor.LoopStats `json:"loops,omitempty"`
}

type RateLimitState struct {
	Used          int           `json:"used"`
	Limit         int           `json:"limit"`
	Window        time.Duration `json:"window"`
	ResetAt       time.Time     `json:"reset_at,omitempty"`
	CooldownUntil time.Time     `json:"cooldown_until,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// EventSummary describes one fan-out.
type EventSummary struct {
	Subscribers int
	Enqueued    int
	Rejected    map[filter.Reason]int
	Dropped     int
	// Failed is set when the subscriber listing failed and nothing was fanned out.
	Failed bool
}

type Engine struct {
	d   Deps
	cfg Config
	log logx.Logger
	now func() time.Time

	subsCache *cache.Cache

	mu        sync.Mutex
	sup       *supervisor.Supervisor
	startedAt time.Time

	events   atomic.Uint64
	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

func New(d Deps, cfg Config, log logx.Logger) *Engine {
	if cfg.SubscriberTTL <= 0 {
		cfg.SubscriberTTL = DefaultSubscriberTTL
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.ListAttempts == 0 {
		cfg.ListAttempts = DefaultListAttempts
	}
	if cfg.ListDelay <= 0 {
		cfg.ListDelay = DefaultListDelay
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	e := &Engine{
		d:         d,
		cfg:       cfg,
		log:       log.With(logx.String("comp", "engine")),
		now:       time.Now,
		subsCache: cache.New(cfg.SubscriberTTL, 2*cfg.SubscriberTTL),
	}
	if d.Dispatcher != nil {
		d.Dispatcher.OnDisabled = func(int64) { e.InvalidateSubscribers() }
	}
	return e
}

// Start seeds the detector from the gift store and launches the polling,
// dispatch and housekeeping loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sup != nil {
		return ErrRunning
	}

	if e.d.Gifts != nil {
		gifts, err := e.d.Gifts.ListGifts(ctx)
		if err != nil {
			return fmt.Errorf("seed known gifts: %w", err)
		}
		e.d.Detector.Seed(gifts)
		e.log.Info("known gifts loaded", logx.Int("gifts", len(gifts)))
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(e.log))
	sup.GoRestart("detector", func(ctx context.Context) error {
		return e.d.Detector.Run(ctx, func(ctx context.Context, ev model.GiftEvent) { e.HandleEvent(ctx, ev) })
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("dispatcher", e.d.Dispatcher.Run, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	sup.Go0("housekeeping", e.housekeeping)

	e.sup = sup
	e.startedAt = e.now()
	e.log.Info("engine started")
	return nil
}

// Stop cancels all loops and waits for them to finish their current unit of
// work, or for ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup == nil {
		return ErrNotRunning
	}
	err := sup.Stop(ctx)
	e.log.Info("engine stopped", logx.Int("queued", e.d.Queue.Len()))
	return err
}

func (e *Engine) housekeeping(ctx context.Context) {
	t := time.NewTicker(e.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			windows := e.d.Filter.Prune(e.now())
			metrics.SetQueueDepth(e.d.Queue.Len())
			e.log.Debug("frequency windows pruned", logx.Int("live", windows))
		}
	}
}

// InvalidateSubscribers drops the cached subscriber list.
func (e *Engine) InvalidateSubscribers() {
	e.subsCache.Delete(activeKey)
}

func (e *Engine) activeSubscribers(ctx context.Context) ([]model.Subscriber, error) {
	if v, ok := e.subsCache.Get(activeKey); ok {
		return v.([]model.Subscriber), nil
	}
	subs, err := retry.DoWithData(
		func() ([]model.Subscriber, error) { return e.d.Subs.ListActive(ctx) },
		retry.Attempts(e.cfg.ListAttempts),
		retry.Delay(e.cfg.ListDelay),
		retry.MaxDelay(8*e.cfg.ListDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			e.log.Warn("list subscribers failed, retrying", logx.Uint64("attempt", uint64(n+1)), logx.Err(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	for i := range subs {
		subs[i] = subs[i].Normalize()
	}
	e.subsCache.Set(activeKey, subs, cache.DefaultExpiration)
	return subs, nil
}

// HandleEvent persists the gift and fans the event out to every active
// subscriber. One subscriber's failure never affects the others.
func (e *Engine) HandleEvent(ctx context.Context, ev model.GiftEvent) EventSummary {
	now := e.now()
	e.events.Add(1)
	e.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeGiftEvent, Time: now, Data: ev})

	// Subscribers are listed before the upsert: when listing fails the gift
	// stays out of the store and the next start announces it again.
	sum := EventSummary{Rejected: map[filter.Reason]int{}}
	subs, err := e.activeSubscribers(ctx)
	if err != nil {
		sum.Failed = true
		e.log.Error("list subscribers failed; event deferred to next start", logx.Int64("gift", ev.Gift.ID), logx.Err(err))
		return sum
	}
	sum.Subscribers = len(subs)

	if e.d.Gifts != nil {
		if err := e.d.Gifts.UpsertGift(ctx, ev.Gift); err != nil {
			e.log.Warn("gift upsert failed", logx.Int64("gift", ev.Gift.ID), logx.Err(err))
		}
	}

	kind, prio := model.Classify(ev)
	var (
		rendered bool
		text     string
		actions  []model.Action
	)
	renderOnce := func() (string, []model.Action) {
		if !rendered {
			text, actions = e.d.Renderer.RenderChange(kind, ev.Gift, ev.Previous)
			rendered = true
		}
		return text, actions
	}

	for _, sub := range subs {
		reason, ok := e.fanOut(sub, ev, kind, prio, now, renderOnce)
		switch {
		case ok:
			sum.Enqueued++
		case reason != filter.Accepted:
			sum.Rejected[reason]++
		default:
			sum.Dropped++
		}
	}
	e.enqueued.Add(uint64(sum.Enqueued))
	e.dropped.Add(uint64(sum.Dropped))
	metrics.SetQueueDepth(e.d.Queue.Len())

	e.log.Info("gift event processed",
		logx.String("event", ev.Kind.String()),
		logx.Int64("gift", ev.Gift.ID),
		logx.String("title", ev.Gift.Title),
		logx.String("kind", string(kind)),
		logx.Int("subscribers", sum.Subscribers),
		logx.Int("enqueued", sum.Enqueued),
		logx.Int("dropped", sum.Dropped))
	return sum
}

// fanOut handles one subscriber. ok is true once the job is enqueued.
// A filter rejection returns its reason; a drop returns Accepted and false.
func (e *Engine) fanOut(sub model.Subscriber, ev model.GiftEvent, kind model.NotificationKind, prio model.Priority, now time.Time, renderOnce func() (string, []model.Action)) (reason filter.Reason, ok bool) {
	var (
		ticket filter.Ticket
		held   bool
	)
	defer func() {
		if r := recover(); r != nil {
			if held {
				e.d.Filter.Release(ticket)
			}
			e.log.Error("fan-out panicked",
				logx.Int64("subscriber", sub.ID),
				logx.Int64("gift", ev.Gift.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			reason, ok = filter.Accepted, false
		}
	}()

	ticket, reason = e.d.Filter.Evaluate(sub, ev.Gift, kind, now)
	if reason == filter.Accepted {
		metrics.RecordFilterDecision("accepted")
	} else {
		metrics.RecordFilterDecision(string(reason))
		return reason, false
	}
	held = true

	text, actions := renderOnce()
	if text == "" {
		e.d.Filter.Release(ticket)
		return filter.Accepted, false
	}
	job := queue.NewJob(sub.ID, kind, prio, text, actions, now)
	job.GiftID = ev.Gift.ID
	job.Ticket = uint64(ticket)
	if err := e.d.Queue.Enqueue(job); err != nil {
		e.d.Filter.Release(ticket)
		e.log.Warn("enqueue failed", logx.Int64("subscriber", sub.ID), logx.Err(err))
		return filter.Accepted, false
	}
	e.d.Filter.Commit(ticket)
	metrics.RecordEnqueued(string(kind))
	e.d.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeJobQueued,
		Time: now,
		Data: eventbus.JobInfo{JobID: job.ID, SubscriberID: sub.ID, GiftID: ev.Gift.ID, Kind: string(kind)},
	})
	return filter.Accepted, true
}

func (e *Engine) Statistics(ctx context.Context) Statistics {
	qs := e.d.Queue.Stats()
	ds := e.d.Dispatcher.Stats()
	det := e.d.Detector.Status()

	e.mu.Lock()
	sup := e.sup
	started := e.startedAt
	e.mu.Unlock()

	st := Statistics{
		Running:          sup != nil,
		StartedAt:        started,
		QueueDepth:       qs.Depth,
		SentTotal:        ds.Sent,
		FailedTotal:      qs.Failed,
		UnreachableTotal: ds.Unreachable,
		RetriedTotal:     ds.Retried,
		EnqueuedTotal:    e.enqueued.Load(),
		DroppedTotal:     e.dropped.Load(),
		EventsTotal:      e.events.Load(),
		Source:           det.Source,
		KnownGifts:       det.KnownGifts,
		LastPollAt:       det.LastPollAt,
		LastPollError:    det.LastError,
	}
	st.RateLimit.CooldownUntil = ds.CooldownUntil
	if rs, err := e.d.Dispatcher.RateState(ctx); err != nil {
		st.RateLimit.Error = err.Error()
	} else {
		st.RateLimit.Used = rs.Used
		st.RateLimit.Limit = rs.Limit
		st.RateLimit.Window = rs.Window
		st.RateLimit.ResetAt = rs.ResetAt
	}
	if sup != nil {
		st.Loops = sup.Snapshot().Loops
	}
	return st
}

// ApplyFilter and SetRateLimit are the hot-reload hooks.
func (e *Engine) ApplyFilter(cfg filter.Config) { e.d.Filter.Apply(cfg) }

func (e *Engine) SetRateLimit(limit int) { e.d.Dispatcher.SetRateLimit(limit) }

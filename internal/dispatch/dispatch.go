// Package dispatch drains the notification queue under the global send window.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"giftwatch/internal/eventbus"
	"giftwatch/internal/filter"
	"giftwatch/internal/metrics"
	"giftwatch/internal/queue"
	"giftwatch/internal/ratelimit"
	"giftwatch/internal/storage"
	"giftwatch/internal/transport"
	"giftwatch/pkg/logx"
)

const (
	DefaultTransientBackoff = 60 * time.Second
	DefaultSendTimeout      = 10 * time.Second
	DefaultDrainInterval    = time.Second
	// Used when the platform asks for a slowdown without saying how long.
	defaultRetryAfter = 5 * time.Second
)

type Config struct {
	TransientBackoff time.Duration
	SendTimeout      time.Duration
	DrainInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = DefaultTransientBackoff
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	return c
}

// Tickets settles frequency-window reservations. Implemented by *filter.Engine.
type Tickets interface {
	Finalize(t filter.Ticket, at time.Time)
	Release(t filter.Ticket)
}

// Outcome is the result of one Step.
type Outcome uint8

const (
	OutcomeIdle        Outcome = iota // nothing due
	OutcomeCooldown                   // global cooldown active
	OutcomeThrottled                  // send window full
	OutcomeSent                       // delivered
	OutcomeRateLimited                // platform slowdown; job rescheduled
	OutcomeUnreachable                // recipient gone; job discarded
	OutcomeRetry                      // transient failure; job rescheduled
	OutcomeFailed                     // attempts exhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeSent:
		return "sent"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeRetry:
		return "transient"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// worked reports whether the step consumed a job.
func (o Outcome) worked() bool { return o >= OutcomeSent }

type Stats struct {
	Sent          uint64    `json:"sent"`
	RateLimited   uint64    `json:"rate_limited"`
	Unreachable   uint64    `json:"unreachable"`
	Retried       uint64    `json:"retried"`
	Failed        uint64    `json:"failed"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Dispatcher sends one job at a time. Step and Run must not be called concurrently.
type Dispatcher struct {
	q       *queue.Queue
	window  ratelimit.Window
	sender  transport.Sender
	tickets Tickets
	subs    storage.SubscriberStore
	bus     eventbus.Bus
	log     logx.Logger
	cfg     Config
	now     func() time.Time

	// OnDisabled is called after a subscriber has been switched off.
	OnDisabled func(subscriberID int64)

	mu            sync.Mutex
	cooldownUntil time.Time

	sent        atomic.Uint64
	rateLimited atomic.Uint64
	unreachable atomic.Uint64
	retried     atomic.Uint64
	failed      atomic.Uint64
}

func New(q *queue.Queue, window ratelimit.Window, sender transport.Sender, tickets Tickets, subs storage.SubscriberStore, bus eventbus.Bus, cfg Config, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		q:       q,
		window:  window,
		sender:  sender,
		tickets: tickets,
		subs:    subs,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatch")),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	cd := d.cooldownUntil
	d.mu.Unlock()
	return Stats{
		Sent:          d.sent.Load(),
		RateLimited:   d.rateLimited.Load(),
		Unreachable:   d.unreachable.Load(),
		Retried:       d.retried.Load(),
		Failed:        d.failed.Load(),
		CooldownUntil: cd,
	}
}

// RateState returns the send window state.
func (d *Dispatcher) RateState(ctx context.Context) (ratelimit.State, error) {
	return d.window.State(ctx, d.now())
}

func (d *Dispatcher) SetRateLimit(limit int) { d.window.SetLimit(limit) }

func (d *Dispatcher) cooldown() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cooldownUntil
}

func (d *Dispatcher) extendCooldown(until time.Time) {
	d.mu.Lock()
	if until.After(d.cooldownUntil) {
		d.cooldownUntil = until
	}
	d.mu.Unlock()
}

// Step performs at most one send attempt.
// The send itself is detached from ctx cancellation and bounded by SendTimeout,
// so a shutdown never abandons a send half way.
func (d *Dispatcher) Step(ctx context.Context, now time.Time) (Outcome, error) {
	if now.Before(d.cooldown()) {
		return OutcomeCooldown, nil
	}
	if !d.q.HasDue(now) {
		return OutcomeIdle, nil
	}
	ok, err := d.window.Reserve(ctx, now)
	if err != nil {
		return OutcomeIdle, err
	}
	if !ok {
		metrics.RecordRateLimitDeferral()
		return OutcomeThrottled, nil
	}
	job := d.q.TakeNext(now)
	if job == nil {
		return OutcomeIdle, nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	ack, sendErr := d.sender.Send(sctx, job.SubscriberID, job.Text, job.Actions)
	cancel()

	class, retryAfter := transport.Classify(sendErr)
	out := d.settle(ctx, job, class, retryAfter, ack, sendErr, now)
	metrics.RecordProcessed(out.String())
	metrics.SetQueueDepth(d.q.Len())
	return out, nil
}

func (d *Dispatcher) settle(ctx context.Context, job *queue.Job, class transport.Class, retryAfter time.Duration, ack transport.Ack, sendErr error, now time.Time) Outcome {
	ticket := filter.Ticket(job.Ticket)
	switch class {
	case transport.ClassNone:
		at := ack.SentAt
		if at.IsZero() {
			at = now
		}
		d.tickets.Finalize(ticket, at)
		d.sent.Add(1)
		metrics.RecordLatency(at.Sub(job.CreatedAt))
		d.publish(eventbus.TypeJobSent, job, "")
		return OutcomeSent

	case transport.ClassRateLimited:
		if retryAfter <= 0 {
			retryAfter = defaultRetryAfter
		}
		d.rateLimited.Add(1)
		d.extendCooldown(now.Add(retryAfter))
		d.log.Warn("send rate limited by platform",
			logx.Int64("subscriber", job.SubscriberID),
			logx.Duration("retry_after", retryAfter))
		if !d.q.Reschedule(job, retryAfter, now) {
			return d.deadLetter(job, sendErr)
		}
		d.publish(eventbus.TypeJobRescheduled, job, "rate_limited")
		return OutcomeRateLimited

	case transport.ClassUnreachable:
		d.q.Discard(job)
		d.tickets.Release(ticket)
		d.unreachable.Add(1)
		d.disable(ctx, job.SubscriberID, sendErr)
		d.publish(eventbus.TypeJobFailed, job, "unreachable")
		return OutcomeUnreachable

	default:
		d.log.Debug("send failed, will retry",
			logx.String("job", job.ID),
			logx.Int("attempt", job.Attempts+1),
			logx.Err(sendErr))
		if !d.q.Reschedule(job, d.cfg.TransientBackoff, now) {
			return d.deadLetter(job, sendErr)
		}
		d.retried.Add(1)
		d.publish(eventbus.TypeJobRescheduled, job, "transient")
		return OutcomeRetry
	}
}

func (d *Dispatcher) deadLetter(job *queue.Job, err error) Outcome {
	d.tickets.Release(filter.Ticket(job.Ticket))
	d.failed.Add(1)
	d.log.Warn("notification failed permanently",
		logx.String("job", job.ID),
		logx.Int64("subscriber", job.SubscriberID),
		logx.Int("attempts", job.Attempts),
		logx.Err(err))
	d.publish(eventbus.TypeJobFailed, job, "exhausted")
	return OutcomeFailed
}

func (d *Dispatcher) disable(ctx context.Context, subscriberID int64, cause error) {
	if d.subs == nil {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	err := retry.Do(
		func() error {
			err := d.subs.DisableNotifications(dctx, subscriberID)
			if errors.Is(err, storage.ErrNotFound) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.Context(dctx),
	)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.log.Error("disable notifications failed", logx.Int64("subscriber", subscriberID), logx.Err(err))
		return
	}
	d.log.Info("subscriber unreachable, notifications disabled",
		logx.Int64("subscriber", subscriberID),
		logx.Err(cause))
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriberOff, Time: d.now(), Data: subscriberID})
	if d.OnDisabled != nil {
		d.OnDisabled(subscriberID)
	}
}

func (d *Dispatcher) publish(typ string, job *queue.Job, reason string) {
	d.bus.Publish(eventbus.Event{
		Type: typ,
		Time: d.now(),
		Data: eventbus.JobInfo{
			JobID:        job.ID,
			SubscriberID: job.SubscriberID,
			GiftID:       job.GiftID,
			Kind:         string(job.Kind),
			Attempts:     job.Attempts,
			Reason:       reason,
		},
	})
}

// Run steps until ctx is done. While jobs keep getting sent it drains without
// pausing; otherwise it waits DrainInterval, or less if a cooldown ends sooner.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started", logx.Duration("drain_interval", d.cfg.DrainInterval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		now := d.now()
		out, err := d.Step(ctx, now)
		if err != nil {
			d.log.Warn("dispatch step failed", logx.Err(err))
		}
		if err == nil && out.worked() {
			continue
		}
		t := time.NewTimer(d.idleWait(out, now))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// idleWait is how long Run sleeps after a step that sent nothing: the drain
// interval, cut short by the end of a cooldown or the next delayed job.
func (d *Dispatcher) idleWait(out Outcome, now time.Time) time.Duration {
	wait := d.cfg.DrainInterval
	var until time.Duration
	switch out {
	case OutcomeCooldown:
		until = d.cooldown().Sub(now)
	case OutcomeIdle:
		if due, ok := d.q.NextDue(); ok {
			until = due.Sub(now)
		}
	}
	if until > 0 && until < wait {
		wait = until
	}
	return wait
}

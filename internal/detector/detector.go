// Package detector turns catalog snapshots into ordered gift events.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"giftwatch/internal/feed"
	"giftwatch/internal/metrics"
	"giftwatch/internal/model"
	"giftwatch/pkg/logx"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultFailureBackoff = 10 * time.Second
	DefaultFetchTimeout   = 15 * time.Second
)

type Config struct {
	PollInterval   time.Duration
	FailureBackoff time.Duration
	FetchTimeout   time.Duration
	// SilentFirstPoll absorbs the first successful snapshot into the table without emitting events.
	SilentFirstPoll bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = DefaultFailureBackoff
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Handler receives events one at a time, in snapshot order.
type Handler func(ctx context.Context, ev model.GiftEvent)

// Status is a point-in-time view for the statistics surface.
type Status struct {
	Source     string    `json:"source"`
	KnownGifts int       `json:"known_gifts"`
	Token      string    `json:"token"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastError  string    `json:"last_error,omitempty"`
	Events     uint64    `json:"events"`
}

// Detector owns the known-gift table. Diff and Poll must be called from one
// goroutine; Status may be called from anywhere.
type Detector struct {
	src feed.Source
	cfg Config
	log logx.Logger
	now func() time.Time

	known map[int64]model.GiftRecord
	token string
	seq   uint64
	fresh bool

	mu     sync.Mutex
	status Status
}

func New(src feed.Source, cfg Config, log logx.Logger) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		src:   src,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "detector")),
		now:   time.Now,
		known: make(map[int64]model.GiftRecord),
		fresh: cfg.SilentFirstPoll,
	}
	d.status.Source = src.Name()
	return d
}

// Seed loads previously persisted records. Seeded gifts are never reported as new.
// A non-empty seed disables the silent first poll.
func (d *Detector) Seed(records []model.GiftRecord) {
	for _, r := range records {
		d.known[r.ID] = r
	}
	if len(records) > 0 {
		d.fresh = false
	}
	d.setStatus(func(s *Status) { s.KnownGifts = len(d.known) })
}

// Diff compares records to the known table and returns events in input order.
// The table is updated as a side effect.
func (d *Detector) Diff(records []model.GiftRecord) []model.GiftEvent {
	var out []model.GiftEvent
	for _, cur := range records {
		prev, ok := d.known[cur.ID]
		if !ok {
			d.known[cur.ID] = cur
			d.seq++
			out = append(out, model.GiftEvent{Kind: model.EventNew, Gift: cur, Seq: d.seq})
			continue
		}
		if !model.Changed(prev, cur) {
			continue
		}
		cur.DiscoveredAt = prev.DiscoveredAt
		d.known[cur.ID] = cur
		d.seq++
		p := prev
		out = append(out, model.GiftEvent{Kind: model.EventUpdated, Gift: cur, Previous: &p, Seq: d.seq})
	}
	return out
}

// Poll fetches one snapshot with a bounded wait and diffs it.
// On error, no events are returned and the known table is untouched.
func (d *Detector) Poll(ctx context.Context) ([]model.GiftEvent, error) {
	fctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	snap, err := d.src.Fetch(fctx, d.token)
	cancel()

	now := d.now()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Join(feed.ErrUnavailable, err)
		}
		// Replay feeds consume a malformed batch, so the token still moves.
		if snap.Token != "" {
			d.token = snap.Token
		}
		d.setStatus(func(s *Status) {
			s.LastPollAt = now
			s.LastError = err.Error()
		})
		metrics.RecordPoll(d.src.Name(), "error")
		return nil, err
	}

	if snap.Token != "" && snap.Token == d.token {
		d.setStatus(func(s *Status) {
			s.LastPollAt = now
			s.LastError = ""
		})
		metrics.RecordPoll(d.src.Name(), "unchanged")
		return nil, nil
	}
	if snap.Skipped > 0 {
		d.log.Warn("malformed feed entries skipped", logx.String("source", d.src.Name()), logx.Int("skipped", snap.Skipped))
	}
	d.token = snap.Token
	events := d.Diff(snap.Records)
	if d.fresh {
		d.fresh = false
		if len(events) > 0 {
			d.log.Info("initial snapshot absorbed", logx.Int("gifts", len(events)))
		}
		events = nil
	}
	d.setStatus(func(s *Status) {
		s.LastPollAt = now
		s.LastError = ""
		s.Token = d.token
		s.KnownGifts = len(d.known)
		s.Events += uint64(len(events))
	})
	metrics.RecordPoll(d.src.Name(), "ok")
	for _, ev := range events {
		metrics.RecordGiftEvent(ev.Kind.String())
	}
	return events, nil
}

// Run polls until ctx is done. Each event is handed to handle before the
// next poll starts.
func (d *Detector) Run(ctx context.Context, handle Handler) error {
	d.log.Info("detector started",
		logx.String("source", d.src.Name()),
		logx.Duration("interval", d.cfg.PollInterval),
		logx.Int("known", len(d.known)))
	for {
		events, err := d.Poll(ctx)
		wait := d.cfg.PollInterval
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = d.cfg.FailureBackoff
			d.log.Warn("feed poll failed", logx.Err(err), logx.Duration("backoff", wait))
		}
		for _, ev := range events {
			if handle != nil {
				handle(ctx, ev)
			}
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (d *Detector) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Detector) setStatus(fn func(*Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

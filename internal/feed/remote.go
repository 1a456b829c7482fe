package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"giftwatch/internal/model"
	"giftwatch/internal/transport"
	"giftwatch/pkg/logx"
)

// CatalogClient returns the raw result object of the Bot API getAvailableGifts method.
type CatalogClient interface {
	AvailableGifts(ctx context.Context) ([]byte, error)
}

type RemoteConfig struct {
	Attempts    uint
	Delay       time.Duration
	MaxDelay    time.Duration
	MinInterval time.Duration
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Delay <= 0 {
		c.Delay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	return c
}

type catalogSticker struct {
	Emoji   string `json:"emoji"`
	SetName string `json:"set_name"`
}

type catalogGift struct {
	ID               string         `json:"id" validate:"required,numeric"`
	Sticker          catalogSticker `json:"sticker"`
	StarCount        int64          `json:"star_count" validate:"gte=0"`
	UpgradeStarCount int64          `json:"upgrade_star_count" validate:"gte=0"`
	TotalCount       *int64         `json:"total_count" validate:"omitempty,gte=0"`
	RemainingCount   *int64         `json:"remaining_count" validate:"omitempty,gte=0"`
	IsPremium        bool           `json:"is_premium"`
}

type catalogPayload struct {
	Gifts []catalogGift `json:"gifts" validate:"dive"`
}

// RemoteCatalog polls the live gift catalog.
type RemoteCatalog struct {
	client   CatalogClient
	cfg      RemoteConfig
	log      logx.Logger
	validate *validator.Validate
	limiter  *rate.Limiter
	now      func() time.Time
}

func NewRemoteCatalog(client CatalogClient, cfg RemoteConfig, log logx.Logger) *RemoteCatalog {
	cfg = cfg.withDefaults()
	return &RemoteCatalog{
		client:   client,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "feed.remote")),
		validate: validator.New(),
		limiter:  rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		now:      time.Now,
	}
}

func (r *RemoteCatalog) Name() string { return "remote" }

// Probe performs one unretried fetch.
func (r *RemoteCatalog) Probe(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("%w: no catalog client", ErrUnavailable)
	}
	_, err := r.fetchOnce(ctx)
	return err
}

func (r *RemoteCatalog) Fetch(ctx context.Context, _ string) (Snapshot, error) {
	if r.client == nil {
		return Snapshot{}, fmt.Errorf("%w: no catalog client", ErrUnavailable)
	}
	var (
		payload catalogPayload
		lastErr error
	)
	err := retry.Do(
		func() error {
			p, err := r.fetchOnce(ctx)
			if err != nil {
				lastErr = err
				if errors.Is(err, ErrMalformed) {
					return retry.Unrecoverable(err)
				}
				if cls, _ := transport.Classify(err); cls == transport.ClassRateLimited {
					return retry.Unrecoverable(err)
				}
				return err
			}
			payload = p
			return nil
		},
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.MaxJitter(r.cfg.Delay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debug("catalog fetch retry", logx.Uint64("attempt", uint64(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if errors.Is(lastErr, ErrMalformed) || errors.Is(lastErr, ErrUnavailable) {
			return Snapshot{}, lastErr
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	}

	now := r.now()
	recs := make([]model.GiftRecord, 0, len(payload.Gifts))
	for _, g := range payload.Gifts {
		rec, err := g.record(now)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		recs = append(recs, rec)
	}
	return Snapshot{Token: catalogToken(recs), Records: recs, FetchedAt: now}, nil
}

func (r *RemoteCatalog) fetchOnce(ctx context.Context) (catalogPayload, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return catalogPayload{}, err
	}
	raw, err := r.client.AvailableGifts(ctx)
	if err != nil {
		return catalogPayload{}, err
	}
	var p catalogPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return catalogPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := r.validate.Struct(p); err != nil {
		return catalogPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

func (g catalogGift) record(now time.Time) (model.GiftRecord, error) {
	id, err := strconv.ParseInt(g.ID, 10, 64)
	if err != nil {
		return model.GiftRecord{}, fmt.Errorf("gift id %q: %w", g.ID, err)
	}
	title := g.Sticker.Emoji
	if title == "" {
		title = "Gift " + g.ID
	}
	rec := model.GiftRecord{
		ID:                    id,
		Title:                 title,
		Price:                 g.StarCount,
		Limited:               g.TotalCount != nil,
		RequiresPremium:       g.IsPremium,
		Upgradable:            g.UpgradeStarCount > 0,
		AvailabilityRemaining: g.RemainingCount,
		AvailabilityTotal:     g.TotalCount,
		DiscoveredAt:          now,
		UpdatedAt:             now,
	}
	rec.SoldOut = rec.Limited && g.RemainingCount != nil && *g.RemainingCount == 0
	return rec, rec.Validate()
}

// catalogToken digests the tracked fields of every record in snapshot order.
func catalogToken(recs []model.GiftRecord) string {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	flag := func(b bool) {
		if b {
			put(1)
		} else {
			put(0)
		}
	}
	opt := func(p *int64) {
		if p == nil {
			put(-1)
			return
		}
		put(*p)
	}
	for _, r := range recs {
		put(r.ID)
		put(r.Price)
		flag(r.SoldOut)
		flag(r.Limited)
		flag(r.RequiresPremium)
		opt(r.AvailabilityRemaining)
		opt(r.AvailabilityTotal)
		_, _ = h.Write([]byte(r.Title))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

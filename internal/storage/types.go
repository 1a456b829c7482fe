package storage

import (
	"context"
	"errors"
	"time"

	"giftwatch/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file and sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DailyStats is one row of the daily summary history.
type DailyStats struct {
	Day                 string `json:"day" db:"day"` // YYYY-MM-DD
	TotalSubscribers    int64  `json:"total_subscribers" db:"total_subscribers"`
	ActiveSubscribers   int64  `json:"active_subscribers" db:"active_subscribers"`
	GiftsFound          int64  `json:"gifts_found" db:"gifts_found"`
	NotificationsSent   int64  `json:"notifications_sent" db:"notifications_sent"`
	NotificationsFailed int64  `json:"notifications_failed" db:"notifications_failed"`
}

// SubscriberStore is the subscriber side used by the notification engine.
type SubscriberStore interface {
	ListActive(ctx context.Context) ([]model.Subscriber, error)
	DisableNotifications(ctx context.Context, id int64) error
}

// GiftStore mirrors the detector's known-gift table.
type GiftStore interface {
	UpsertGift(ctx context.Context, rec model.GiftRecord) error
	GetGift(ctx context.Context, id int64) (model.GiftRecord, bool, error)
	ListGifts(ctx context.Context) ([]model.GiftRecord, error)
}

// Store is the full persistence API.
type Store interface {
	SubscriberStore
	GiftStore

	GetSubscriber(ctx context.Context, id int64) (model.Subscriber, bool, error)
	PutSubscriber(ctx context.Context, sub model.Subscriber) error
	CountSubscribers(ctx context.Context) (total, active int, err error)

	PutDailyStats(ctx context.Context, st DailyStats) error
	ListDailyStats(ctx context.Context, limit int) ([]DailyStats, error)

	Close() error
}

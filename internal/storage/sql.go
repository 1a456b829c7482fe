package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"giftwatch/internal/model"
	"giftwatch/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore serves both SQLite and PostgreSQL. Queries are written with '?'
// placeholders and rebound for the driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
}

type subscriberRow struct {
	ID                     int64  `db:"user_id"`
	Username               string `db:"username"`
	FirstName              string `db:"first_name"`
	Language               string `db:"language"`
	NotificationsEnabled   bool   `db:"notifications_enabled"`
	MinPrice               int64  `db:"min_price"`
	MaxPrice               int64  `db:"max_price"`
	OnlyLimited            bool   `db:"only_limited"`
	ExcludePremiumRequired bool   `db:"exclude_premium_required"`
	Keywords               string `db:"keywords"`
	ExcludedKeywords       string `db:"excluded_keywords"`
	AllowedHours           string `db:"allowed_hours"`
	SubscribedAt           int64  `db:"subscribed_at"`
}

type giftRow struct {
	ID                    int64         `db:"id"`
	Title                 string        `db:"title"`
	Price                 int64         `db:"price"`
	Limited               bool          `db:"limited"`
	SoldOut               bool          `db:"sold_out"`
	RequiresPremium       bool          `db:"requires_premium"`
	Upgradable            bool          `db:"upgradable"`
	AvailabilityRemaining sql.NullInt64 `db:"availability_remaining"`
	AvailabilityTotal     sql.NullInt64 `db:"availability_total"`
	DiscoveredAt          int64         `db:"discovered_at"`
	UpdatedAt             int64         `db:"updated_at"`
}

const (
	subscriberColumns = `user_id, username, first_name, language, notifications_enabled, min_price, max_price,
		only_limited, exclude_premium_required, keywords, excluded_keywords, allowed_hours, subscribed_at`
	giftColumns = `id, title, price, limited, sold_out, requires_premium, upgradable,
		availability_remaining, availability_total, discovered_at, updated_at`
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	return newSQLStore(db, log)
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newSQLStore(db, log)
}

func newSQLStore(db *sqlx.DB, log logx.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

func (s *sqlStore) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	var rows []subscriberRow
	err := s.db.SelectContext(ctx, &rows,
		s.q(`SELECT `+subscriberColumns+` FROM subscribers WHERE notifications_enabled = ? ORDER BY user_id`), true)
	if err != nil {
		return nil, fmt.Errorf("list active subscribers: %w", err)
	}
	out := make([]model.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.subscriber())
	}
	return out, nil
}

func (s *sqlStore) GetSubscriber(ctx context.Context, id int64) (model.Subscriber, bool, error) {
	var r subscriberRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+subscriberColumns+` FROM subscribers WHERE user_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscriber{}, false, nil
	}
	if err != nil {
		return model.Subscriber{}, false, fmt.Errorf("get subscriber %d: %w", id, err)
	}
	return r.subscriber(), true, nil
}

func (s *sqlStore) PutSubscriber(ctx context.Context, sub model.Subscriber) error {
	r := newSubscriberRow(sub)
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO subscribers (`+subscriberColumns+`)
		 VALUES (:user_id, :username, :first_name, :language, :notifications_enabled, :min_price, :max_price,
		         :only_limited, :exclude_premium_required, :keywords, :excluded_keywords, :allowed_hours, :subscribed_at)
		 ON CONFLICT (user_id) DO UPDATE SET
		   username = excluded.username,
		   first_name = excluded.first_name,
		   language = excluded.language,
		   notifications_enabled = excluded.notifications_enabled,
		   min_price = excluded.min_price,
		   max_price = excluded.max_price,
		   only_limited = excluded.only_limited,
		   exclude_premium_required = excluded.exclude_premium_required,
		   keywords = excluded.keywords,
		   excluded_keywords = excluded.excluded_keywords,
		   allowed_hours = excluded.allowed_hours`, r)
	if err != nil {
		return fmt.Errorf("put subscriber %d: %w", sub.ID, err)
	}
	return nil
}

func (s *sqlStore) DisableNotifications(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE subscribers SET notifications_enabled = ? WHERE user_id = ?`), false, id)
	if err != nil {
		return fmt.Errorf("disable subscriber %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CountSubscribers(ctx context.Context) (int, int, error) {
	var c struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}
	err := s.db.GetContext(ctx, &c, s.q(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN notifications_enabled = ? THEN 1 ELSE 0 END), 0) AS active
		 FROM subscribers`), true)
	if err != nil {
		return 0, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return c.Total, c.Active, nil
}

func (s *sqlStore) UpsertGift(ctx context.Context, rec model.GiftRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO gifts (`+giftColumns+`)
		 VALUES (:id, :title, :price, :limited, :sold_out, :requires_premium, :upgradable,
		         :availability_remaining, :availability_total, :discovered_at, :updated_at)
		 ON CONFLICT (id) DO UPDATE SET
		   title = excluded.title,
		   price = excluded.price,
		   limited = excluded.limited,
		   sold_out = excluded.sold_out,
		   requires_premium = excluded.requires_premium,
		   upgradable = excluded.upgradable,
		   availability_remaining = excluded.availability_remaining,
		   availability_total = excluded.availability_total,
		   updated_at = excluded.updated_at`, newGiftRow(rec))
	if err != nil {
		return fmt.Errorf("upsert gift %d: %w", rec.ID, err)
	}
	return nil
}

func (s *sqlStore) GetGift(ctx context.Context, id int64) (model.GiftRecord, bool, error) {
	var r giftRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+giftColumns+` FROM gifts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GiftRecord{}, false, nil
	}
	if err != nil {
		return model.GiftRecord{}, false, fmt.Errorf("get gift %d: %w", id, err)
	}
	return r.record(), true, nil
}

func (s *sqlStore) ListGifts(ctx context.Context) ([]model.GiftRecord, error) {
	var rows []giftRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+giftColumns+` FROM gifts ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list gifts: %w", err)
	}
	out := make([]model.GiftRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *sqlStore) PutDailyStats(ctx context.Context, st DailyStats) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO daily_stats (day, total_subscribers, active_subscribers, gifts_found, notifications_sent, notifications_failed)
		 VALUES (:day, :total_subscribers, :active_subscribers, :gifts_found, :notifications_sent, :notifications_failed)
		 ON CONFLICT (day) DO UPDATE SET
		   total_subscribers = excluded.total_subscribers,
		   active_subscribers = excluded.active_subscribers,
		   gifts_found = excluded.gifts_found,
		   notifications_sent = excluded.notifications_sent,
		   notifications_failed = excluded.notifications_failed`, st)
	if err != nil {
		return fmt.Errorf("put daily stats %s: %w", st.Day, err)
	}
	return nil
}

func (s *sqlStore) ListDailyStats(ctx context.Context, limit int) ([]DailyStats, error) {
	if limit <= 0 {
		limit = 30
	}
	var out []DailyStats
	err := s.db.SelectContext(ctx, &out, s.q(
		`SELECT day, total_subscribers, active_subscribers, gifts_found, notifications_sent, notifications_failed
		 FROM daily_stats ORDER BY day DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	return out, nil
}

func newSubscriberRow(s model.Subscriber) subscriberRow {
	return subscriberRow{
		ID:                     s.ID,
		Username:               s.Username,
		FirstName:              s.FirstName,
		Language:               s.Language,
		NotificationsEnabled:   s.NotificationsEnabled,
		MinPrice:               s.MinPrice,
		MaxPrice:               s.MaxPrice,
		OnlyLimited:            s.OnlyLimited,
		ExcludePremiumRequired: s.ExcludePremiumRequired,
		Keywords:               encodeList(s.Keywords),
		ExcludedKeywords:       encodeList(s.ExcludedKeywords),
		AllowedHours:           encodeList(s.AllowedHours),
		SubscribedAt:           unixMilli(s.SubscribedAt),
	}
}

func (r subscriberRow) subscriber() model.Subscriber {
	s := model.Subscriber{
		ID:                     r.ID,
		Username:               r.Username,
		FirstName:              r.FirstName,
		Language:               r.Language,
		NotificationsEnabled:   r.NotificationsEnabled,
		MinPrice:               r.MinPrice,
		MaxPrice:               r.MaxPrice,
		OnlyLimited:            r.OnlyLimited,
		ExcludePremiumRequired: r.ExcludePremiumRequired,
		SubscribedAt:           fromMilli(r.SubscribedAt),
	}
	decodeList(r.Keywords, &s.Keywords)
	decodeList(r.ExcludedKeywords, &s.ExcludedKeywords)
	decodeList(r.AllowedHours, &s.AllowedHours)
	return s
}

func newGiftRow(g model.GiftRecord) giftRow {
	r := giftRow{
		ID:              g.ID,
		Title:           g.Title,
		Price:           g.Price,
		Limited:         g.Limited,
		SoldOut:         g.SoldOut,
		RequiresPremium: g.RequiresPremium,
		Upgradable:      g.Upgradable,
		DiscoveredAt:    unixMilli(g.DiscoveredAt),
		UpdatedAt:       unixMilli(g.UpdatedAt),
	}
	if g.AvailabilityRemaining != nil {
		r.AvailabilityRemaining = sql.NullInt64{Int64: *g.AvailabilityRemaining, Valid: true}
	}
	if g.AvailabilityTotal != nil {
		r.AvailabilityTotal = sql.NullInt64{Int64: *g.AvailabilityTotal, Valid: true}
	}
	return r
}

func (r giftRow) record() model.GiftRecord {
	g := model.GiftRecord{
		ID:              r.ID,
		Title:           r.Title,
		Price:           r.Price,
		Limited:         r.Limited,
		SoldOut:         r.SoldOut,
		RequiresPremium: r.RequiresPremium,
		Upgradable:      r.Upgradable,
		DiscoveredAt:    fromMilli(r.DiscoveredAt),
		UpdatedAt:       fromMilli(r.UpdatedAt),
	}
	if r.AvailabilityRemaining.Valid {
		g.AvailabilityRemaining = model.Int64(r.AvailabilityRemaining.Int64)
	}
	if r.AvailabilityTotal.Valid {
		g.AvailabilityTotal = model.Int64(r.AvailabilityTotal.Int64)
	}
	return g
}

func encodeList[T any](v []T) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList[T any](s string, out *[]T) {
	if s == "" || s == "[]" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"giftwatch/internal/model"
	"giftwatch/pkg/logx"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "state.json")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "state.db")
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	alice := model.Subscriber{
		ID: 1, Username: "alice", NotificationsEnabled: true, MaxPrice: 1000, OnlyLimited: true,
		Keywords: []string{"star"}, AllowedHours: []int{9, 10}, SubscribedAt: at,
	}
	bob := model.Subscriber{ID: 2, Username: "bob", NotificationsEnabled: true, MaxPrice: 500}
	for _, s := range []model.Subscriber{bob, alice} {
		if err := st.PutSubscriber(ctx, s); err != nil {
			t.Fatalf("PutSubscriber: %v", err)
		}
	}

	active, err := st.ListActive(ctx)
	if err != nil || len(active) != 2 || active[0].ID != 1 {
		t.Fatalf("ListActive = %+v, %v", active, err)
	}
	if got := active[0]; len(got.Keywords) != 1 || got.Keywords[0] != "star" || len(got.AllowedHours) != 2 || !got.SubscribedAt.Equal(at) {
		t.Fatalf("alice = %+v", got)
	}

	if err := st.DisableNotifications(ctx, 2); err != nil {
		t.Fatalf("DisableNotifications: %v", err)
	}
	if err := st.DisableNotifications(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("disable missing = %v", err)
	}
	active, _ = st.ListActive(ctx)
	if len(active) != 1 || active[0].ID != 1 {
		t.Fatalf("ListActive after disable = %+v", active)
	}
	total, on, err := st.CountSubscribers(ctx)
	if err != nil || total != 2 || on != 1 {
		t.Fatalf("CountSubscribers = %d, %d, %v", total, on, err)
	}
	if sub, ok, _ := st.GetSubscriber(ctx, 2); !ok || sub.NotificationsEnabled {
		t.Fatalf("GetSubscriber(2) = %+v, %v", sub, ok)
	}

	g := model.GiftRecord{
		ID: 42, Title: "Golden Star", Price: 500, Limited: true,
		AvailabilityRemaining: model.Int64(10), AvailabilityTotal: model.Int64(100),
		DiscoveredAt: at, UpdatedAt: at,
	}
	if err := st.UpsertGift(ctx, g); err != nil {
		t.Fatalf("UpsertGift: %v", err)
	}
	g2 := g
	g2.AvailabilityRemaining = model.Int64(9)
	g2.DiscoveredAt = at.Add(time.Hour)
	g2.UpdatedAt = at.Add(time.Hour)
	if err := st.UpsertGift(ctx, g2); err != nil {
		t.Fatalf("UpsertGift update: %v", err)
	}
	got, ok, err := st.GetGift(ctx, 42)
	if err != nil || !ok {
		t.Fatalf("GetGift = %v, %v", ok, err)
	}
	if *got.AvailabilityRemaining != 9 || !got.DiscoveredAt.Equal(at) || !got.UpdatedAt.Equal(at.Add(time.Hour)) {
		t.Fatalf("gift after update = %+v", got)
	}
	if err := st.UpsertGift(ctx, model.GiftRecord{ID: 7, Title: "plain", Price: 15, DiscoveredAt: at, UpdatedAt: at}); err != nil {
		t.Fatalf("UpsertGift unlimited: %v", err)
	}
	gifts, err := st.ListGifts(ctx)
	if err != nil || len(gifts) != 2 || gifts[0].ID != 7 || gifts[0].AvailabilityTotal != nil {
		t.Fatalf("ListGifts = %+v, %v", gifts, err)
	}
	if _, ok, _ := st.GetGift(ctx, 1000); ok {
		t.Fatal("GetGift(1000) found")
	}

	for _, d := range []DailyStats{{Day: "2026-05-01", NotificationsSent: 3}, {Day: "2026-05-02", NotificationsSent: 5}} {
		if err := st.PutDailyStats(ctx, d); err != nil {
			t.Fatalf("PutDailyStats: %v", err)
		}
	}
	if err := st.PutDailyStats(ctx, DailyStats{Day: "2026-05-02", NotificationsSent: 6}); err != nil {
		t.Fatalf("PutDailyStats overwrite: %v", err)
	}
	days, err := st.ListDailyStats(ctx, 1)
	if err != nil || len(days) != 1 || days[0].Day != "2026-05-02" || days[0].NotificationsSent != 6 {
		t.Fatalf("ListDailyStats = %+v, %v", days, err)
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			exerciseStore(t, openTest(t, driver))
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("Open(none) = %v, %v", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("Open(bogus) succeeded")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path succeeded")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("postgres driver without dsn succeeded")
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.PutSubscriber(ctx, model.Subscriber{ID: 5, NotificationsEnabled: true})
	_ = st.UpsertGift(ctx, model.GiftRecord{ID: 1, Title: "x", Price: 1})
	_ = st.DisableNotifications(ctx, 5)

	// Simulate a crash: reopen without Close so only the journal is on disk.
	fs := st.(*fileStore)
	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if sub, ok, _ := reopened.GetSubscriber(ctx, 5); !ok || sub.NotificationsEnabled {
		t.Fatalf("subscriber after journal replay = %+v, %v", sub, ok)
	}
	_ = reopened.Close()
	_ = fs.Close()

	// After a clean close the snapshot alone carries the state.
	again, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	defer again.Close()
	if gifts, _ := again.ListGifts(ctx); len(gifts) != 1 {
		t.Fatalf("gifts after snapshot = %+v", gifts)
	}
}

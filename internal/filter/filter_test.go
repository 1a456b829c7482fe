package filter

import (
	"testing"
	"time"

	"giftwatch/internal/model"
)

var noon = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func baseSub() model.Subscriber {
	return model.Subscriber{ID: 1, NotificationsEnabled: true, MinPrice: 0, MaxPrice: 1000}
}

func baseGift() model.GiftRecord {
	return model.GiftRecord{ID: 42, Title: "Golden Star", Price: 500, Limited: true}
}

func TestEvaluateOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sub  func(s *model.Subscriber)
		gift func(g *model.GiftRecord)
		want Reason
	}{
		{name: "accept", want: Accepted},
		{name: "disabled wins over price", sub: func(s *model.Subscriber) { s.NotificationsEnabled = false; s.MaxPrice = 1 }, want: ReasonDisabled},
		{name: "too cheap", sub: func(s *model.Subscriber) { s.MinPrice = 600 }, want: ReasonPrice},
		{name: "too expensive", sub: func(s *model.Subscriber) { s.MaxPrice = 499 }, want: ReasonPrice},
		{name: "only limited", sub: func(s *model.Subscriber) { s.OnlyLimited = true }, gift: func(g *model.GiftRecord) { g.Limited = false }, want: ReasonNotLimited},
		{name: "premium excluded", sub: func(s *model.Subscriber) { s.ExcludePremiumRequired = true }, gift: func(g *model.GiftRecord) { g.RequiresPremium = true }, want: ReasonPremium},
		{name: "keyword miss", sub: func(s *model.Subscriber) { s.Keywords = []string{"rose"} }, want: ReasonKeyword},
		{name: "keyword hit case-insensitive", sub: func(s *model.Subscriber) { s.Keywords = []string{"GOLDEN"} }, want: Accepted},
		{name: "excluded keyword", sub: func(s *model.Subscriber) { s.ExcludedKeywords = []string{"star"} }, want: ReasonExcludedKeyword},
		{name: "outside hours", sub: func(s *model.Subscriber) { s.AllowedHours = []int{8, 9} }, want: ReasonHours},
		{name: "inside hours", sub: func(s *model.Subscriber) { s.AllowedHours = []int{12} }, want: Accepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(Config{})
			sub, gift := baseSub(), baseGift()
			if tt.sub != nil {
				tt.sub(&sub)
			}
			if tt.gift != nil {
				tt.gift(&gift)
			}
			ticket, got := e.Evaluate(sub, gift, model.KindNewGift, noon)
			if got != tt.want {
				t.Fatalf("Evaluate reason = %q, want %q", got, tt.want)
			}
			if (ticket != 0) != (tt.want == Accepted) {
				t.Fatalf("ticket = %d for reason %q", ticket, got)
			}
		})
	}
}

func TestPriceBounds(t *testing.T) {
	t.Parallel()
	e := New(Config{})
	sub := baseSub()
	sub.MinPrice, sub.MaxPrice = 100, 200
	for price, want := range map[int64]bool{50: false, 250: false, 150: true, 100: true, 200: true} {
		g := baseGift()
		g.Price = price
		if got := e.ShouldNotify(sub, g, model.KindNewGift, noon); got != want {
			t.Fatalf("price %d: ShouldNotify = %v, want %v", price, got, want)
		}
	}
}

func TestFrequencyCapLimitedAvailable(t *testing.T) {
	t.Parallel()
	e := New(Config{})
	sub, gift := baseSub(), baseGift()
	now := noon
	for i := 0; i < 3; i++ {
		ticket, r := e.Evaluate(sub, gift, model.KindLimitedAvailable, now)
		if r != Accepted {
			t.Fatalf("event %d rejected: %s", i, r)
		}
		e.Commit(ticket)
		now = now.Add(5 * time.Minute)
	}
	if _, r := e.Evaluate(sub, gift, model.KindLimitedAvailable, now); r != ReasonFrequency {
		t.Fatalf("fourth event reason = %q, want frequency", r)
	}
	// Other kinds have their own window.
	if _, r := e.Evaluate(sub, gift, model.KindNewGift, now); r != Accepted {
		t.Fatalf("new gift reason = %q", r)
	}
	// Once the first entry ages out a slot frees up.
	if _, r := e.Evaluate(sub, gift, model.KindLimitedAvailable, noon.Add(time.Hour+time.Second)); r != Accepted {
		t.Fatalf("after window reason = %q", r)
	}
}

func TestReleaseReturnsQuota(t *testing.T) {
	t.Parallel()
	e := New(Config{Caps: map[model.NotificationKind]int{model.KindSystemAlert: 1}})
	sub, gift := baseSub(), baseGift()
	ticket, r := e.Evaluate(sub, gift, model.KindSystemAlert, noon)
	if r != Accepted {
		t.Fatalf("reason = %q", r)
	}
	if _, r := e.Evaluate(sub, gift, model.KindSystemAlert, noon); r != ReasonFrequency {
		t.Fatalf("provisional entry must count, got %q", r)
	}
	e.Release(ticket)
	if _, r := e.Evaluate(sub, gift, model.KindSystemAlert, noon); r != Accepted {
		t.Fatalf("released quota not returned, got %q", r)
	}
}

func TestFinalizeMovesTimestamp(t *testing.T) {
	t.Parallel()
	e := New(Config{})
	sub, gift := baseSub(), baseGift()
	ticket, _ := e.Evaluate(sub, gift, model.KindGiftUpdate, noon)
	e.Commit(ticket)
	delivered := noon.Add(50 * time.Minute)
	e.Finalize(ticket, delivered)

	// Still counted 30 minutes after the reservation would have expired.
	if n := e.Count(sub.ID, model.KindGiftUpdate, noon.Add(90*time.Minute)); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	if n := e.Count(sub.ID, model.KindGiftUpdate, delivered.Add(time.Hour)); n != 0 {
		t.Fatalf("Count after expiry = %d, want 0", n)
	}
	// Finalize of an unknown ticket is a no-op.
	e.Finalize(ticket, delivered)
}

func TestApplyAndPrune(t *testing.T) {
	t.Parallel()
	e := New(Config{})
	sub, gift := baseSub(), baseGift()
	for i := 0; i < 2; i++ {
		tk, _ := e.Evaluate(sub, gift, model.KindPromotion, noon)
		e.Commit(tk)
	}
	e.Apply(Config{DefaultCap: 2})
	if _, r := e.Evaluate(sub, gift, model.KindPromotion, noon); r != ReasonFrequency {
		t.Fatalf("reason = %q, want frequency after lowering default cap", r)
	}
	if live := e.Prune(noon.Add(2 * time.Hour)); live != 0 {
		t.Fatalf("Prune left %d windows", live)
	}
}

func TestAllowedHoursUseLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+3", 3*3600)
	e := New(Config{Location: loc})
	sub := baseSub()
	sub.AllowedHours = []int{15}
	if !e.ShouldNotify(sub, baseGift(), model.KindNewGift, noon) {
		t.Fatal("12:00 UTC is 15:00 in UTC+3 and should be allowed")
	}
}

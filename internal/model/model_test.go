package model

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rec  GiftRecord
		ok   bool
	}{
		{name: "unlimited", rec: GiftRecord{ID: 1, Price: 15}, ok: true},
		{name: "limited", rec: GiftRecord{ID: 2, AvailabilityRemaining: Int64(10), AvailabilityTotal: Int64(100)}, ok: true},
		{name: "remaining without total", rec: GiftRecord{ID: 3, AvailabilityRemaining: Int64(1)}},
		{name: "remaining above total", rec: GiftRecord{ID: 4, AvailabilityRemaining: Int64(101), AvailabilityTotal: Int64(100)}},
		{name: "negative price", rec: GiftRecord{ID: 5, Price: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("Validate() = %v, want ErrInvalidRecord", err)
			}
		})
	}
}

func TestChangedTracksOnlyTrackedFields(t *testing.T) {
	t.Parallel()
	base := GiftRecord{ID: 1, Title: "Rose", Price: 25, AvailabilityRemaining: Int64(5), AvailabilityTotal: Int64(10)}

	retitled := base
	retitled.Title = "Red Rose"
	retitled.Upgradable = true
	if Changed(base, retitled) {
		t.Fatal("title/flag edit must not count as change")
	}

	sold := base
	sold.SoldOut = true
	if !Changed(base, sold) {
		t.Fatal("sold out flip must count as change")
	}

	fewer := base
	fewer.AvailabilityRemaining = Int64(4)
	if !Changed(base, fewer) {
		t.Fatal("availability change must count")
	}

	cleared := base
	cleared.AvailabilityRemaining = nil
	if !Changed(base, cleared) {
		t.Fatal("availability disappearing must count")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	prev := GiftRecord{ID: 1, Price: 100, Limited: true, SoldOut: true}
	tests := []struct {
		name string
		ev   GiftEvent
		kind NotificationKind
		prio Priority
	}{
		{name: "new", ev: GiftEvent{Kind: EventNew, Gift: prev}, kind: KindNewGift, prio: PriorityHigh},
		{name: "price drop", ev: GiftEvent{Kind: EventUpdated, Previous: &prev, Gift: GiftRecord{ID: 1, Price: 50, Limited: true, SoldOut: true}}, kind: KindPriceDrop, prio: PriorityUrgent},
		{name: "restock", ev: GiftEvent{Kind: EventUpdated, Previous: &prev, Gift: GiftRecord{ID: 1, Price: 100, Limited: true}}, kind: KindLimitedAvailable, prio: PriorityUrgent},
		{name: "sold out", ev: GiftEvent{Kind: EventUpdated, Previous: &GiftRecord{ID: 1, Price: 100}, Gift: GiftRecord{ID: 1, Price: 100, SoldOut: true}}, kind: KindGiftUpdate, prio: PriorityNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, prio := Classify(tt.ev)
			if kind != tt.kind || prio != tt.prio {
				t.Fatalf("Classify = (%s, %s), want (%s, %s)", kind, prio, tt.kind, tt.prio)
			}
		})
	}
}

func TestSubscriberNormalize(t *testing.T) {
	t.Parallel()
	s := Subscriber{
		MinPrice:     300,
		MaxPrice:     100,
		Keywords:     []string{" Star ", "star", ""},
		AllowedHours: []int{9, 9, 24, -1, 18},
	}.Normalize()
	if s.MaxPrice != 300 {
		t.Fatalf("MaxPrice = %d, want 300", s.MaxPrice)
	}
	if !reflect.DeepEqual(s.Keywords, []string{"star"}) {
		t.Fatalf("Keywords = %v", s.Keywords)
	}
	if !reflect.DeepEqual(s.AllowedHours, []int{9, 18}) {
		t.Fatalf("AllowedHours = %v", s.AllowedHours)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()
	if k, ok := ParseKind(" Limited_Available "); !ok || k != KindLimitedAvailable {
		t.Fatalf("ParseKind = %q, %v", k, ok)
	}
	if _, ok := ParseKind("bogus"); ok {
		t.Fatal("ParseKind accepted unknown kind")
	}
}

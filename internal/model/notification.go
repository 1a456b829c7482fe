package model

import "strings"

// NotificationKind selects the template, the frequency cap and the default priority.
type NotificationKind string

const (
	KindNewGift          NotificationKind = "new_gift"
	KindGiftUpdate       NotificationKind = "gift_update"
	KindPriceDrop        NotificationKind = "price_drop"
	KindLimitedAvailable NotificationKind = "limited_available"
	KindSystemAlert      NotificationKind = "system_alert"
	KindPromotion        NotificationKind = "promotion"
)

// ParseKind maps a config key to a kind. Unknown keys return false.
func ParseKind(s string) (NotificationKind, bool) {
	k := NotificationKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindNewGift, KindGiftUpdate, KindPriceDrop, KindLimitedAvailable, KindSystemAlert, KindPromotion:
		return k, true
	}
	return "", false
}

// Priority orders queued jobs; higher values are delivered first.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Classify picks the notification kind and priority for a detector event.
//
//   - new gift: NewGift/High
//   - price went down: PriceDrop/Urgent
//   - limited gift back in stock: LimitedAvailable/Urgent
//   - anything else: GiftUpdate/Normal
func Classify(ev GiftEvent) (NotificationKind, Priority) {
	if ev.Kind == EventNew || ev.Previous == nil {
		return KindNewGift, PriorityHigh
	}
	prev, cur := *ev.Previous, ev.Gift
	switch {
	case cur.Price < prev.Price:
		return KindPriceDrop, PriorityUrgent
	case cur.Limited && prev.SoldOut && !cur.SoldOut:
		return KindLimitedAvailable, PriorityUrgent
	default:
		return KindGiftUpdate, PriorityNormal
	}
}

// Action is one control attached to a rendered notification: either a link or a callback token.
type Action struct {
	Label    string `json:"label"`
	URL      string `json:"url,omitempty"`
	Callback string `json:"callback,omitempty"`
}

package model

import (
	"strings"
	"time"
)

// DefaultMaxPrice is applied to new subscribers that did not choose an upper bound.
const DefaultMaxPrice = 10000

// Subscriber is a recipient and its notification preferences.
type Subscriber struct {
	ID        int64  `json:"id" db:"user_id"`
	Username  string `json:"username,omitempty" db:"username"`
	FirstName string `json:"first_name,omitempty" db:"first_name"`
	Language  string `json:"language,omitempty" db:"language"`

	NotificationsEnabled   bool  `json:"notifications_enabled" db:"notifications_enabled"`
	MinPrice               int64 `json:"min_price" db:"min_price"`
	MaxPrice               int64 `json:"max_price" db:"max_price"`
	OnlyLimited            bool  `json:"only_limited" db:"only_limited"`
	ExcludePremiumRequired bool  `json:"exclude_premium_required" db:"exclude_premium_required"`

	Keywords         []string `json:"keywords,omitempty" db:"-"`
	ExcludedKeywords []string `json:"excluded_keywords,omitempty" db:"-"`
	// Hours of day (0-23) in the filter timezone. Empty means any hour.
	AllowedHours []int `json:"allowed_hours,omitempty" db:"-"`

	SubscribedAt time.Time `json:"subscribed_at" db:"-"`
}

// Normalize lowercases and de-duplicates keyword sets, drops invalid hours,
// and clamps the price range so MinPrice <= MaxPrice.
func (s Subscriber) Normalize() Subscriber {
	s.Keywords = normalizeWords(s.Keywords)
	s.ExcludedKeywords = normalizeWords(s.ExcludedKeywords)
	if len(s.AllowedHours) > 0 {
		seen := map[int]bool{}
		hours := make([]int, 0, len(s.AllowedHours))
		for _, h := range s.AllowedHours {
			if h < 0 || h > 23 || seen[h] {
				continue
			}
			seen[h] = true
			hours = append(hours, h)
		}
		s.AllowedHours = hours
	}
	if s.MinPrice < 0 {
		s.MinPrice = 0
	}
	if s.MaxPrice < s.MinPrice {
		s.MaxPrice = s.MinPrice
	}
	return s
}

func normalizeWords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, w := range in {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRecord = errors.New("invalid gift record")

// GiftRecord is one catalog entry as last observed.
type GiftRecord struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Price           int64  `json:"price"`
	Limited         bool   `json:"limited"`
	SoldOut         bool   `json:"sold_out"`
	RequiresPremium bool   `json:"requires_premium"`
	Upgradable      bool   `json:"upgradable"`

	// Both are nil for unlimited gifts.
	AvailabilityRemaining *int64 `json:"availability_remaining,omitempty"`
	AvailabilityTotal     *int64 `json:"availability_total,omitempty"`

	DiscoveredAt time.Time `json:"discovered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the record invariants.
func (r GiftRecord) Validate() error {
	if r.Price < 0 {
		return fmt.Errorf("%w: gift %d: negative price %d", ErrInvalidRecord, r.ID, r.Price)
	}
	if r.AvailabilityRemaining != nil {
		if r.AvailabilityTotal == nil {
			return fmt.Errorf("%w: gift %d: remaining without total", ErrInvalidRecord, r.ID)
		}
		if *r.AvailabilityRemaining < 0 || *r.AvailabilityRemaining > *r.AvailabilityTotal {
			return fmt.Errorf("%w: gift %d: remaining %d outside [0,%d]", ErrInvalidRecord, r.ID, *r.AvailabilityRemaining, *r.AvailabilityTotal)
		}
	}
	if r.AvailabilityTotal != nil && *r.AvailabilityTotal < 0 {
		return fmt.Errorf("%w: gift %d: negative total", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Changed reports whether a tracked field (sold out, remaining availability, price) differs.
// Title or flag edits alone are not changes.
func Changed(prev, cur GiftRecord) bool {
	return prev.SoldOut != cur.SoldOut ||
		prev.Price != cur.Price ||
		!equalOpt(prev.AvailabilityRemaining, cur.AvailabilityRemaining)
}

func equalOpt(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Int64 returns a pointer to v. Convenience for optional availability fields.
func Int64(v int64) *int64 { return &v }

// EventKind distinguishes first sightings from tracked-field changes.
type EventKind uint8

const (
	EventNew EventKind = iota + 1
	EventUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// GiftEvent is an immutable change notification. Seq is strictly increasing per detector.
type GiftEvent struct {
	Kind     EventKind   `json:"kind"`
	Gift     GiftRecord  `json:"gift"`
	Previous *GiftRecord `json:"previous,omitempty"`
	Seq      uint64      `json:"seq"`
}

package filter

import (
	"time"

	"giftwatch/internal/model"
)

const (
	DefaultWindow = time.Hour
	DefaultCap    = 5
)

// Config controls the frequency cap. Zero values fall back to defaults.
type Config struct {
	// Caps is the max notifications per subscriber and kind inside Window.
	Caps       map[model.NotificationKind]int
	DefaultCap int
	Window     time.Duration
	// Location is used for allowed-hours checks. Nil means UTC.
	Location *time.Location
}

// DefaultCaps returns the stock per-kind caps.
func DefaultCaps() map[model.NotificationKind]int {
	return map[model.NotificationKind]int{
		model.KindNewGift:          10,
		model.KindGiftUpdate:       5,
		model.KindPriceDrop:        5,
		model.KindLimitedAvailable: 3,
		model.KindSystemAlert:      2,
	}
}

func (c Config) withDefaults() Config {
	caps := DefaultCaps()
	for k, v := range c.Caps {
		if v > 0 {
			caps[k] = v
		}
	}
	c.Caps = caps
	if c.DefaultCap <= 0 {
		c.DefaultCap = DefaultCap
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

func (c Config) capFor(kind model.NotificationKind) int {
	if v, ok := c.Caps[kind]; ok {
		return v
	}
	return c.DefaultCap
}

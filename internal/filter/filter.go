package filter

import (
	"slices"
	"strings"
	"sync"
	"time"

	"giftwatch/internal/model"
)

// Reason explains a rejection. The empty Reason means accepted.
type Reason string

const (
	Accepted              Reason = ""
	ReasonDisabled        Reason = "disabled"
	ReasonPrice           Reason = "price"
	ReasonNotLimited      Reason = "not_limited"
	ReasonPremium         Reason = "premium_required"
	ReasonKeyword         Reason = "keyword"
	ReasonExcludedKeyword Reason = "excluded_keyword"
	ReasonHours           Reason = "hours"
	ReasonFrequency       Reason = "frequency"
)

// Ticket identifies a frequency-window reservation. Zero is never issued.
type Ticket uint64

type entryState uint8

const (
	stateProvisional entryState = iota
	stateCommitted
	stateDelivered
)

type windowKey struct {
	subscriber int64
	kind       model.NotificationKind
}

type entry struct {
	ticket Ticket
	at     time.Time
	state  entryState
}

// Engine decides whether a subscriber should get a notification and
// owns the per-(subscriber, kind) frequency windows. All window mutations
// happen under one mutex so concurrent dispatch never double-counts.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	next    Ticket
	windows map[windowKey][]entry
	owners  map[Ticket]windowKey
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		windows: map[windowKey][]entry{},
		owners:  map[Ticket]windowKey{},
	}
}

// Apply swaps caps, window and timezone. Existing entries are kept.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

// ShouldNotify runs every check without reserving quota.
func (e *Engine) ShouldNotify(sub model.Subscriber, rec model.GiftRecord, kind model.NotificationKind, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked(sub, rec, kind, now) == Accepted
}

// Evaluate runs the checks and, on acceptance, records a provisional
// frequency entry. The caller must Commit or Release the ticket.
func (e *Engine) Evaluate(sub model.Subscriber, rec model.GiftRecord, kind model.NotificationKind, now time.Time) (Ticket, Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r := e.checkLocked(sub, rec, kind, now); r != Accepted {
		return 0, r
	}
	e.next++
	t := e.next
	key := windowKey{subscriber: sub.ID, kind: kind}
	e.windows[key] = append(e.windows[key], entry{ticket: t, at: now, state: stateProvisional})
	e.owners[t] = key
	return t, Accepted
}

func (e *Engine) checkLocked(sub model.Subscriber, rec model.GiftRecord, kind model.NotificationKind, now time.Time) Reason {
	if !sub.NotificationsEnabled {
		return ReasonDisabled
	}
	if rec.Price < sub.MinPrice || rec.Price > sub.MaxPrice {
		return ReasonPrice
	}
	if sub.OnlyLimited && !rec.Limited {
		return ReasonNotLimited
	}
	if sub.ExcludePremiumRequired && rec.RequiresPremium {
		return ReasonPremium
	}
	title := strings.ToLower(rec.Title)
	if len(sub.Keywords) > 0 && !containsAny(title, sub.Keywords) {
		return ReasonKeyword
	}
	if len(sub.ExcludedKeywords) > 0 && containsAny(title, sub.ExcludedKeywords) {
		return ReasonExcludedKeyword
	}
	if len(sub.AllowedHours) > 0 && !slices.Contains(sub.AllowedHours, now.In(e.cfg.Location).Hour()) {
		return ReasonHours
	}
	if e.countLocked(windowKey{subscriber: sub.ID, kind: kind}, now) >= e.cfg.capFor(kind) {
		return ReasonFrequency
	}
	return Accepted
}

func containsAny(title string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(title, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// countLocked prunes entries older than the window and returns what is left.
func (e *Engine) countLocked(key windowKey, now time.Time) int {
	entries := e.windows[key]
	if len(entries) == 0 {
		return 0
	}
	cutoff := now.Add(-e.cfg.Window)
	kept := entries[:0]
	for _, en := range entries {
		if en.at.After(cutoff) {
			kept = append(kept, en)
		}
	}
	if len(kept) == 0 {
		delete(e.windows, key)
		return 0
	}
	e.windows[key] = kept
	return len(kept)
}

// Commit marks the reservation as backed by an enqueued job.
func (e *Engine) Commit(t Ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if en := e.findLocked(t); en != nil && en.state == stateProvisional {
		en.state = stateCommitted
	}
}

// Finalize records a successful delivery at the given time and forgets the ticket.
func (e *Engine) Finalize(t Ticket, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.owners[t]
	if !ok {
		return
	}
	delete(e.owners, t)
	if en := e.findInLocked(key, t); en != nil {
		en.at = at
		en.state = stateDelivered
		return
	}
	// Entry aged out while the job waited; the delivery still counts.
	e.windows[key] = append(e.windows[key], entry{ticket: t, at: at, state: stateDelivered})
}

// Release gives the quota back (render or enqueue failed, job dead-lettered).
func (e *Engine) Release(t Ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.owners[t]
	if !ok {
		return
	}
	delete(e.owners, t)
	entries := e.windows[key]
	for i := range entries {
		if entries[i].ticket == t {
			e.windows[key] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(e.windows[key]) == 0 {
		delete(e.windows, key)
	}
}

func (e *Engine) findLocked(t Ticket) *entry {
	key, ok := e.owners[t]
	if !ok {
		return nil
	}
	return e.findInLocked(key, t)
}

func (e *Engine) findInLocked(key windowKey, t Ticket) *entry {
	entries := e.windows[key]
	for i := range entries {
		if entries[i].ticket == t {
			return &entries[i]
		}
	}
	return nil
}

// Count returns the live entries for a subscriber and kind.
func (e *Engine) Count(subscriberID int64, kind model.NotificationKind, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.countLocked(windowKey{subscriber: subscriberID, kind: kind}, now)
}

// Prune drops expired entries for every key. Returns the number of live windows.
func (e *Engine) Prune(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.windows {
		e.countLocked(key, now)
	}
	return len(e.windows)
}

// Package ratelimit implements the global sliding send window.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Minute
)

// State describes the window at a point in time.
type State struct {
	Used   int           `json:"used"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
	// ResetAt is when the oldest counted send ages out. Zero when empty.
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Window is a sliding-window counter. Reserve checks and records in one step.
type Window interface {
	Reserve(ctx context.Context, now time.Time) (bool, error)
	State(ctx context.Context, now time.Time) (State, error)
	SetLimit(limit int)
}

// MemoryWindow keeps timestamps in process memory.
type MemoryWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
}

func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryWindow{limit: limit, window: window}
}

func (w *MemoryWindow) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

func (w *MemoryWindow) Reserve(_ context.Context, now time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if len(w.sent) >= w.limit {
		return false, nil
	}
	w.sent = append(w.sent, now)
	return true, nil
}

func (w *MemoryWindow) State(_ context.Context, now time.Time) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	st := State{Used: len(w.sent), Limit: w.limit, Window: w.window}
	if len(w.sent) > 0 {
		st.ResetAt = w.sent[0].Add(w.window)
	}
	return st, nil
}

func (w *MemoryWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.sent) && !w.sent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.sent = append(w.sent[:0], w.sent[i:]...)
	}
}

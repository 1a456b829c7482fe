package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"giftwatch/internal/model"
)

// memState holds the tables. Callers hold mu.
type memState struct {
	subs  map[int64]model.Subscriber
	gifts map[int64]model.GiftRecord
	stats map[string]DailyStats
}

func newMemState() memState {
	return memState{
		subs:  map[int64]model.Subscriber{},
		gifts: map[int64]model.GiftRecord{},
		stats: map[string]DailyStats{},
	}
}

func (m *memState) putSubscriber(sub model.Subscriber) {
	m.subs[sub.ID] = cloneSubscriber(sub)
}

func (m *memState) disable(id int64) bool {
	sub, ok := m.subs[id]
	if !ok {
		return false
	}
	sub.NotificationsEnabled = false
	m.subs[id] = sub
	return true
}

// upsertGift keeps the first DiscoveredAt.
func (m *memState) upsertGift(rec model.GiftRecord) {
	if prev, ok := m.gifts[rec.ID]; ok && !prev.DiscoveredAt.IsZero() {
		rec.DiscoveredAt = prev.DiscoveredAt
	}
	m.gifts[rec.ID] = rec
}

func (m *memState) listActive() []model.Subscriber {
	out := make([]model.Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if s.NotificationsEnabled {
			out = append(out, cloneSubscriber(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memState) listGifts() []model.GiftRecord {
	out := make([]model.GiftRecord, 0, len(m.gifts))
	for _, g := range m.gifts {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memState) listStats(limit int) []DailyStats {
	out := make([]DailyStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day > out[j].Day })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memState) counts() (total, active int) {
	for _, s := range m.subs {
		total++
		if s.NotificationsEnabled {
			active++
		}
	}
	return total, active
}

func cloneSubscriber(s model.Subscriber) model.Subscriber {
	s.Keywords = slices.Clone(s.Keywords)
	s.ExcludedKeywords = slices.Clone(s.ExcludedKeywords)
	s.AllowedHours = slices.Clone(s.AllowedHours)
	return s
}

// memStore is the "memory" driver.
type memStore struct {
	mu sync.RWMutex
	st memState
}

func NewMemory() Store {
	return &memStore{st: newMemState()}
}

func (s *memStore) ListActive(context.Context) ([]model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listActive(), nil
}

func (s *memStore) GetSubscriber(_ context.Context, id int64) (model.Subscriber, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.st.subs[id]
	return cloneSubscriber(sub), ok, nil
}

func (s *memStore) PutSubscriber(_ context.Context, sub model.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.putSubscriber(sub)
	return nil
}

func (s *memStore) DisableNotifications(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.st.disable(id) {
		return ErrNotFound
	}
	return nil
}

func (s *memStore) CountSubscribers(context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, a := s.st.counts()
	return t, a, nil
}

func (s *memStore) UpsertGift(_ context.Context, rec model.GiftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.upsertGift(rec)
	return nil
}

func (s *memStore) GetGift(_ context.Context, id int64) (model.GiftRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.st.gifts[id]
	return g, ok, nil
}

func (s *memStore) ListGifts(context.Context) ([]model.GiftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listGifts(), nil
}

func (s *memStore) PutDailyStats(_ context.Context, st DailyStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.stats[st.Day] = st
	return nil
}

func (s *memStore) ListDailyStats(_ context.Context, limit int) ([]DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listStats(limit), nil
}

func (s *memStore) Close() error { return nil }

package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"giftwatch/internal/model"
	"giftwatch/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore keeps all tables in memory and persists them as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// The journal is compacted into the snapshot every fileCompactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex
	st memState

	snapshotPath string
	journal      *os.File
	writes       int
}

type fileSnapshot struct {
	Subscribers []model.Subscriber `json:"subscribers"`
	Gifts       []model.GiftRecord `json:"gifts"`
	Stats       []DailyStats       `json:"stats"`
}

type journalRecord struct {
	Op    string            `json:"op"`
	Sub   *model.Subscriber `json:"sub,omitempty"`
	Gift  *model.GiftRecord `json:"gift,omitempty"`
	Stats *DailyStats       `json:"stats,omitempty"`
	ID    int64             `json:"id,omitempty"`
}

const (
	opPutSubscriber = "sub"
	opDisable       = "disable"
	opUpsertGift    = "gift"
	opPutStats      = "stats"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newMemState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store loaded",
		logx.Int("subscribers", len(st.subs)),
		logx.Int("gifts", len(st.gifts)),
		logx.Int("journal", n))

	return &fileStore{
		log:          log,
		st:           st,
		snapshotPath: snapPath,
		journal:      jf,
		writes:       n,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) ListActive(context.Context) ([]model.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listActive(), nil
}

func (s *fileStore) GetSubscriber(_ context.Context, id int64) (model.Subscriber, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.st.subs[id]
	return cloneSubscriber(sub), ok, nil
}

func (s *fileStore) PutSubscriber(_ context.Context, sub model.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPutSubscriber, Sub: &sub}); err != nil {
		return err
	}
	s.st.putSubscriber(sub)
	return nil
}

func (s *fileStore) DisableNotifications(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.subs[id]; !ok {
		return ErrNotFound
	}
	if err := s.appendLocked(journalRecord{Op: opDisable, ID: id}); err != nil {
		return err
	}
	s.st.disable(id)
	return nil
}

func (s *fileStore) CountSubscribers(context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, a := s.st.counts()
	return t, a, nil
}

func (s *fileStore) UpsertGift(_ context.Context, rec model.GiftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opUpsertGift, Gift: &rec}); err != nil {
		return err
	}
	s.st.upsertGift(rec)
	return nil
}

func (s *fileStore) GetGift(_ context.Context, id int64) (model.GiftRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.st.gifts[id]
	return g, ok, nil
}

func (s *fileStore) ListGifts(context.Context) ([]model.GiftRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listGifts(), nil
}

func (s *fileStore) PutDailyStats(_ context.Context, st DailyStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opPutStats, Stats: &st}); err != nil {
		return err
	}
	s.st.stats[st.Day] = st
	return nil
}

func (s *fileStore) ListDailyStats(_ context.Context, limit int) ([]DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listStats(limit), nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Subscribers: make([]model.Subscriber, 0, len(s.st.subs)),
		Gifts:       s.st.listGifts(),
		Stats:       s.st.listStats(0),
	}
	for _, sub := range s.st.subs {
		snap.Subscribers = append(snap.Subscribers, sub)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.writes = 0
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, st *memState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, sub := range snap.Subscribers {
		st.putSubscriber(sub)
	}
	for _, g := range snap.Gifts {
		st.gifts[g.ID] = g
	}
	for _, d := range snap.Stats {
		st.stats[d.Day] = d
	}
	return nil
}

// replayJournal applies journal records in order and returns how many were applied.
// Undecodable lines (a torn final write) are skipped.
func replayJournal(path string, st *memState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opPutSubscriber:
			if r.Sub != nil {
				st.putSubscriber(*r.Sub)
			}
		case opDisable:
			st.disable(r.ID)
		case opUpsertGift:
			if r.Gift != nil {
				st.upsertGift(*r.Gift)
			}
		case opPutStats:
			if r.Stats != nil {
				st.stats[r.Stats.Day] = *r.Stats
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}

package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"giftwatch/internal/model"
)

const defaultReplayTitle = "unknown"

type replayGift struct {
	ID                  int64   `json:"id" validate:"required,gt=0"`
	Title               *string `json:"title"`
	Stars               int64   `json:"stars" validate:"gte=0"`
	Limited             *bool   `json:"limited"`
	SoldOut             bool    `json:"sold_out"`
	RequirePremium      bool    `json:"require_premium"`
	CanUpgrade          bool    `json:"can_upgrade"`
	AvailabilityRemains *int64  `json:"availability_remains" validate:"omitempty,gte=0"`
	AvailabilityTotal   *int64  `json:"availability_total" validate:"omitempty,gte=0"`
}

type replayLine struct {
	Event string      `json:"event" validate:"required,oneof=new updated"`
	Gift  *replayGift `json:"gift" validate:"required"`
}

// ReplayFeed reads newline-delimited JSON gift events from a file.
// It remembers the byte offset of the last consumed line, so each Fetch only
// sees lines appended since the previous one. A trailing partial line is left
// for the next Fetch.
type ReplayFeed struct {
	path     string
	validate *validator.Validate
	now      func() time.Time

	mu     sync.Mutex
	offset int64
}

func NewReplayFeed(path string) *ReplayFeed {
	return &ReplayFeed{
		path:     path,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (f *ReplayFeed) Name() string { return "replay:" + f.path }

// Offset returns the byte offset of the next unread line.
func (f *ReplayFeed) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

func (f *ReplayFeed) Probe(_ context.Context) error {
	st, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnavailable, f.path)
	}
	return nil
}

// Fetch returns the records of all complete lines appended since the last call.
// The token is the resulting byte offset. Malformed lines are skipped and
// counted; a batch with no usable line fails with ErrMalformed.
func (f *ReplayFeed) Fetch(ctx context.Context, _ string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("%w: %s does not exist", ErrUnavailable, f.path)
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer file.Close()

	st, err := file.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if st.Size() < f.offset {
		// Truncated or replaced; start over.
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := f.now()
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return Snapshot{Token: f.tokenLocked(), FetchedAt: now}, nil
	}
	batch := data[:end+1]
	f.offset += int64(len(batch))
	token := f.tokenLocked()

	records, skipped, err := f.decodeBatch(batch, now)
	if len(records) == 0 && err != nil {
		return Snapshot{Token: token, FetchedAt: now, Skipped: skipped}, err
	}
	return Snapshot{Token: token, Records: records, FetchedAt: now, Skipped: skipped}, nil
}

func (f *ReplayFeed) tokenLocked() string {
	return strconv.FormatInt(f.offset, 10)
}

// decodeBatch returns the valid records, the number of bad lines and the
// first decode error.
func (f *ReplayFeed) decodeBatch(batch []byte, now time.Time) ([]model.GiftRecord, int, error) {
	var (
		out     []model.GiftRecord
		skipped int
		first   error
	)
	for n, raw := range bytes.Split(batch, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		rec, err := f.decodeLine(line, now)
		if err != nil {
			skipped++
			if first == nil {
				first = fmt.Errorf("%w: line %d: %v", ErrMalformed, n+1, err)
			}
			continue
		}
		out = append(out, rec)
	}
	return out, skipped, first
}

func (f *ReplayFeed) decodeLine(line []byte, now time.Time) (model.GiftRecord, error) {
	var l replayLine
	if err := json.Unmarshal(line, &l); err != nil {
		return model.GiftRecord{}, err
	}
	if err := f.validate.Struct(l); err != nil {
		return model.GiftRecord{}, err
	}
	g := l.Gift
	rec := model.GiftRecord{
		ID:                    g.ID,
		Title:                 defaultReplayTitle,
		Price:                 g.Stars,
		Limited:               true,
		SoldOut:               g.SoldOut,
		RequiresPremium:       g.RequirePremium,
		Upgradable:            g.CanUpgrade,
		AvailabilityRemaining: g.AvailabilityRemains,
		AvailabilityTotal:     g.AvailabilityTotal,
		DiscoveredAt:          now,
		UpdatedAt:             now,
	}
	if g.Title != nil && *g.Title != "" {
		rec.Title = *g.Title
	}
	if g.Limited != nil {
		rec.Limited = *g.Limited
	}
	if err := rec.Validate(); err != nil {
		return model.GiftRecord{}, err
	}
	return rec, nil
}

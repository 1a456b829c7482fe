package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the pipeline.
const (
	TypeGiftEvent      = "gift.event"      // Data: model.GiftEvent
	TypeJobQueued      = "notify.queued"   // Data: JobInfo
	TypeJobSent        = "notify.sent"     // Data: JobInfo
	TypeJobRescheduled = "notify.retry"    // Data: JobInfo
	TypeJobFailed      = "notify.failed"   // Data: JobInfo
	TypeSubscriberOff  = "subscriber.off"  // Data: int64 subscriber id
	TypePollFailed     = "feed.poll_error" // Data: string
)

// JobInfo is the compact payload for notify.* events.
type JobInfo struct {
	JobID        string `json:"job_id"`
	SubscriberID int64  `json:"subscriber_id"`
	GiftID       int64  `json:"gift_id"`
	Kind         string `json:"kind"`
	Attempts     int    `json:"attempts"`
	Reason       string `json:"reason,omitempty"`
}

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Delivery happens under the read lock so Unsubscribe can't close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// DefaultMaxSize is the bound used when none is configured.
const DefaultMaxSize = 10000

var (
	ErrQueueFull  = errors.New("notification queue full")
	ErrInvalidJob = errors.New("invalid notification job")
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth       int    `json:"depth"`
	Ready       int    `json:"ready"`
	Delayed     int    `json:"delayed"`
	Enqueued    uint64 `json:"enqueued"`
	Rescheduled uint64 `json:"rescheduled"`
	Failed      uint64 `json:"failed"`
	Discarded   uint64 `json:"discarded"`
}

// Queue is a strict priority queue with delayed scheduling.
// Due jobs are ordered by priority, then createdAt; lower priorities may starve.
// Safe for use by the fan-out and dispatch loops concurrently.
type Queue struct {
	mu      sync.Mutex
	maxSize int
	seq     uint64

	ready   readyHeap
	delayed delayHeap

	enqueued    uint64
	rescheduled uint64
	failed      uint64
	discarded   uint64
}

// New returns an empty queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue adds a job. It is picked up once ScheduledAt is due.
func (q *Queue) Enqueue(j *Job) error {
	if j == nil || j.ID == "" {
		return ErrInvalidJob
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.Attempts >= j.MaxAttempts {
		return ErrInvalidJob
	}
	if j.ScheduledAt.Before(j.CreatedAt) {
		j.ScheduledAt = j.CreatedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxSize > 0 && q.lenLocked() >= q.maxSize {
		return ErrQueueFull
	}
	q.pushLocked(j)
	q.enqueued++
	return nil
}

func (q *Queue) pushLocked(j *Job) {
	q.seq++
	j.seq = q.seq
	heap.Push(&q.delayed, j)
}

// HasDue reports whether TakeNext(now) would return a job.
func (q *Queue) HasDue(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(now)
	return q.ready.Len() > 0
}

func (q *Queue) promoteLocked(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].ScheduledAt.After(now) {
		heap.Push(&q.ready, heap.Pop(&q.delayed))
	}
}

// TakeNext removes and returns the highest-priority due job, or nil.
// The caller owns the job until it calls Reschedule or Discard, or drops it on success.
func (q *Queue) TakeNext(now time.Time) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked(now)
	if q.ready.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.ready).(*Job)
}

// Reschedule records a failed attempt. The job returns to the queue with
// scheduledAt = now+delay if attempts remain; otherwise it is counted as
// permanently failed and false is returned.
func (q *Queue) Reschedule(j *Job, delay time.Duration, now time.Time) bool {
	if j == nil {
		return false
	}
	if delay < 0 {
		delay = 0
	}
	j.Attempts++
	j.ScheduledAt = now.Add(delay)
	if j.ScheduledAt.Before(j.CreatedAt) {
		j.ScheduledAt = j.CreatedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if j.Attempts >= j.MaxAttempts {
		q.failed++
		return false
	}
	q.pushLocked(j)
	q.rescheduled++
	return true
}

// Discard records a job dropped without retry (e.g. unreachable recipient).
func (q *Queue) Discard(j *Job) {
	if j == nil {
		return
	}
	q.mu.Lock()
	q.discarded++
	q.mu.Unlock()
}

// NextDue returns the earliest scheduledAt among queued jobs.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.Len() > 0 {
		return q.ready[0].ScheduledAt, true
	}
	if q.delayed.Len() > 0 {
		return q.delayed[0].ScheduledAt, true
	}
	return time.Time{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *Queue) lenLocked() int { return q.ready.Len() + q.delayed.Len() }

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:       q.lenLocked(),
		Ready:       q.ready.Len(),
		Delayed:     q.delayed.Len(),
		Enqueued:    q.enqueued,
		Rescheduled: q.rescheduled,
		Failed:      q.failed,
		Discarded:   q.discarded,
	}
}

package queue

import (
	"errors"
	"testing"
	"time"

	"giftwatch/internal/model"
)

func job(id string, prio model.Priority, created time.Time) *Job {
	j := NewJob(1, model.KindNewGift, prio, "t", nil, created)
	j.ID = id
	return j
}

func TestTakeNextPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	q := New(0)
	for _, j := range []*Job{
		job("A", model.PriorityNormal, t0),
		job("B", model.PriorityUrgent, t1),
		job("C", model.PriorityNormal, t0),
	} {
		if err := q.Enqueue(j); err != nil {
			t.Fatalf("Enqueue(%s): %v", j.ID, err)
		}
	}

	now := t1
	var got []string
	for j := q.TakeNext(now); j != nil; j = q.TakeNext(now) {
		got = append(got, j.ID)
	}
	if len(got) != 3 || got[0] != "B" || got[1] != "A" || got[2] != "C" {
		t.Fatalf("order = %v, want [B A C]", got)
	}
}

func TestTakeNextSkipsNotYetDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := New(0)
	later := job("later", model.PriorityUrgent, now)
	later.ScheduledAt = now.Add(time.Minute)
	_ = q.Enqueue(later)
	_ = q.Enqueue(job("low", model.PriorityLow, now))

	if j := q.TakeNext(now); j == nil || j.ID != "low" {
		t.Fatalf("TakeNext = %v, want low", j)
	}
	if j := q.TakeNext(now); j != nil {
		t.Fatalf("TakeNext = %s, want nil before due", j.ID)
	}
	if j := q.TakeNext(now.Add(time.Minute)); j == nil || j.ID != "later" {
		t.Fatalf("TakeNext = %v, want later", j)
	}
}

func TestRescheduleExhaustion(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := New(0)
	_ = q.Enqueue(job("x", model.PriorityHigh, now))

	requeued := 0
	for i := 0; i < 10; i++ {
		j := q.TakeNext(now)
		if j == nil {
			break
		}
		if q.Reschedule(j, time.Minute, now) {
			requeued++
		}
		now = now.Add(time.Minute)
	}
	if requeued != 2 {
		t.Fatalf("requeued = %d, want 2", requeued)
	}
	if j := q.TakeNext(now.Add(time.Hour)); j != nil {
		t.Fatalf("exhausted job returned again: %s", j.ID)
	}
	st := q.Stats()
	if st.Failed != 1 || st.Depth != 0 || st.Rescheduled != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRescheduleSetsScheduledAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := New(0)
	_ = q.Enqueue(job("x", model.PriorityNormal, now))
	j := q.TakeNext(now)
	if !q.Reschedule(j, 30*time.Second, now) {
		t.Fatal("Reschedule returned false on first failure")
	}
	if j.Attempts != 1 || !j.ScheduledAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("job = attempts %d scheduled %v", j.Attempts, j.ScheduledAt)
	}
	if due, ok := q.NextDue(); !ok || !due.Equal(j.ScheduledAt) {
		t.Fatalf("NextDue = %v, %v", due, ok)
	}
}

func TestEnqueueBounds(t *testing.T) {
	t.Parallel()
	now := time.Now()
	q := New(1)
	if err := q.Enqueue(job("a", model.PriorityLow, now)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(job("b", model.PriorityLow, now)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if err := q.Enqueue(&Job{}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("err = %v, want ErrInvalidJob", err)
	}
}

func TestNewJobDefaults(t *testing.T) {
	t.Parallel()
	now := time.Now()
	j := NewJob(7, model.KindPriceDrop, model.PriorityUrgent, "hi", nil, now)
	if j.ID == "" || j.MaxAttempts != DefaultMaxAttempts || !j.ScheduledAt.Equal(now) || j.Attempts != 0 {
		t.Fatalf("unexpected job %+v", j)
	}
}

func TestHasDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q := New(0)
	if q.HasDue(now) {
		t.Fatal("empty queue has due job")
	}
	j := job("x", model.PriorityNormal, now)
	j.ScheduledAt = now.Add(time.Second)
	_ = q.Enqueue(j)
	if q.HasDue(now) {
		t.Fatal("future job reported due")
	}
	if !q.HasDue(now.Add(time.Second)) {
		t.Fatal("due job not reported")
	}
	if got := q.TakeNext(now.Add(time.Second)); got == nil || got.ID != "x" {
		t.Fatalf("TakeNext = %v", got)
	}
}

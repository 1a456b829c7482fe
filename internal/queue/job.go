package queue

import (
	"time"

	"github.com/google/uuid"

	"giftwatch/internal/model"
)

// DefaultMaxAttempts bounds delivery attempts per job.
const DefaultMaxAttempts = 3

// Job is one scheduled notification for one subscriber.
type Job struct {
	ID           string
	SubscriberID int64
	GiftID       int64
	Kind         model.NotificationKind
	Priority     model.Priority
	Text         string
	Actions      []model.Action

	CreatedAt   time.Time
	ScheduledAt time.Time
	Attempts    int
	MaxAttempts int

	// Ticket is the frequency-window reservation held by this job.
	Ticket uint64

	seq   uint64
	index int
}

// NewJob builds a job ready for immediate delivery.
func NewJob(subscriberID int64, kind model.NotificationKind, prio model.Priority, text string, actions []model.Action, now time.Time) *Job {
	return &Job{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		Kind:         kind,
		Priority:     prio,
		Text:         text,
		Actions:      actions,
		CreatedAt:    now,
		ScheduledAt:  now,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

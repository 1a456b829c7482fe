package transport

import (
	"context"
	"time"

	"giftwatch/internal/model"
)

// Ack confirms a delivered message.
type Ack struct {
	MessageID int
	SentAt    time.Time
}

// Sender is the single send primitive the dispatcher needs.
// Errors should be classifiable with Classify.
type Sender interface {
	Send(ctx context.Context, subscriberID int64, text string, actions []model.Action) (Ack, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, subscriberID int64, text string, actions []model.Action) (Ack, error)

func (f SenderFunc) Send(ctx context.Context, subscriberID int64, text string, actions []model.Action) (Ack, error) {
	return f(ctx, subscriberID, text, actions)
}

// Notifier delivers plain operator messages (reports, startup/shutdown notices).
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

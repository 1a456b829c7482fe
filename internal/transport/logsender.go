package transport

import (
	"context"
	"sync/atomic"
	"time"

	"giftwatch/internal/model"
	"giftwatch/pkg/logx"
)

// LogSender is a dry-run Sender and Notifier that only logs what it would send.
type LogSender struct {
	log  logx.Logger
	next atomic.Int64
}

func NewLogSender(log logx.Logger) *LogSender {
	return &LogSender{log: log.With(logx.String("comp", "dryrun"))}
}

func (s *LogSender) Send(ctx context.Context, subscriberID int64, text string, actions []model.Action) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	id := s.next.Add(1)
	s.log.Info("dry-run send",
		logx.Int64("subscriber_id", subscriberID),
		logx.Int("actions", len(actions)),
		logx.String("text", text))
	return Ack{MessageID: int(id), SentAt: time.Now()}, nil
}

func (s *LogSender) Notify(ctx context.Context, chatID int64, text string) error {
	_, err := s.Send(ctx, chatID, text, nil)
	return err
}

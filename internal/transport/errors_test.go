package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"giftwatch/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	base := errors.New("boom")
	tests := []struct {
		name  string
		err   error
		class Class
		after time.Duration
	}{
		{name: "nil", err: nil, class: ClassNone},
		{name: "rate limited", err: RateLimited(base, 7*time.Second), class: ClassRateLimited, after: 7 * time.Second},
		{name: "wrapped rate limited", err: fmt.Errorf("send: %w", RateLimited(base, time.Second)), class: ClassRateLimited, after: time.Second},
		{name: "unreachable", err: Unreachable(base), class: ClassUnreachable},
		{name: "bare unreachable", err: ErrUnreachable, class: ClassUnreachable},
		{name: "timeout", err: context.DeadlineExceeded, class: ClassTransient},
		{name: "other", err: base, class: ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class, after := Classify(tt.err)
			if class != tt.class || after != tt.after {
				t.Fatalf("Classify = (%s, %s), want (%s, %s)", class, after, tt.class, tt.after)
			}
		})
	}
}

func TestUnreachableKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("bot was blocked by the user")
	err := Unreachable(cause)
	if !errors.Is(err, cause) {
		t.Fatal("cause lost")
	}
}

func TestLogSenderAcks(t *testing.T) {
	t.Parallel()
	s := NewLogSender(logx.Nop())
	a1, err := s.Send(context.Background(), 1, "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	a2, _ := s.Send(context.Background(), 1, "hi", nil)
	if a2.MessageID <= a1.MessageID {
		t.Fatalf("message ids not increasing: %d then %d", a1.MessageID, a2.MessageID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Notify(ctx, 1, "x"); err == nil {
		t.Fatal("expected context error")
	}
}

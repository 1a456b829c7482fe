package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnreachable marks a recipient that blocked the bot or can no longer be messaged.
var ErrUnreachable = errors.New("recipient unreachable")

// Class is the dispatcher-facing outcome of a send error.
type Class uint8

const (
	ClassNone Class = iota
	ClassRateLimited
	ClassUnreachable
	ClassTransient
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassRateLimited:
		return "rate_limited"
	case ClassUnreachable:
		return "unreachable"
	default:
		return "transient"
	}
}

// RateLimited wraps err with a mandatory wait imposed by the platform.
//
//	return transport.RateLimited(err, 30*time.Second)
func RateLimited(err error, retryAfter time.Duration) error {
	if err == nil {
		err = errors.New("rate limited")
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &RateLimitedError{Err: err, RetryAfter: retryAfter}
}

// RateLimitedError carries the platform's retry-after hint.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// Unreachable wraps err so Classify reports ClassUnreachable.
func Unreachable(err error) error {
	if err == nil {
		return ErrUnreachable
	}
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

// Classify maps a send error to a dispatcher outcome.
// Anything not explicitly rate-limited or unreachable is transient.
func Classify(err error) (Class, time.Duration) {
	if err == nil {
		return ClassNone, 0
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited, rl.RetryAfter
	}
	if errors.Is(err, ErrUnreachable) {
		return ClassUnreachable, 0
	}
	return ClassTransient, 0
}

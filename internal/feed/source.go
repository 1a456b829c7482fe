// Package feed provides catalog snapshot sources.
//
// A Source returns the full (or incremental) set of gift records visible
// since the given change token. An unchanged token means nothing changed.
package feed

import (
	"context"
	"errors"
	"time"

	"giftwatch/internal/model"
)

var (
	// ErrUnavailable marks a source that could not be reached. Callers back off and retry.
	ErrUnavailable = errors.New("feed unavailable")
	// ErrMalformed marks a payload that could not be decoded or failed validation.
	ErrMalformed = errors.New("feed payload malformed")
	// ErrNoSource is returned by Select when no ranked source is usable.
	ErrNoSource = errors.New("no usable feed source")
)

// Snapshot is one poll result.
type Snapshot struct {
	Token     string
	Records   []model.GiftRecord
	FetchedAt time.Time
	// Skipped counts malformed entries dropped from an otherwise usable payload.
	Skipped int
}

type Source interface {
	Name() string
	Fetch(ctx context.Context, token string) (Snapshot, error)
}

// Prober is implemented by sources that can cheaply check their availability.
type Prober interface {
	Probe(ctx context.Context) error
}

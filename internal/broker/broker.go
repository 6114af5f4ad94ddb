// Package broker defines the Adapter capability the chore engine consumes
// and provides implementations backed by Alpaca and by an in-memory
// simulator.
package broker

import (
	"context"
	"errors"

	"chorelink/internal/domain"
)

var (
	// ErrNotConnected is returned by calls made while the adapter is down.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrUnknownChore is returned when the broker has no chore with the id.
	ErrUnknownChore = errors.New("broker: unknown chore")
	// ErrChoreClosed is returned when amending a chore in a terminal state.
	ErrChoreClosed = errors.New("broker: chore closed")
)

// Adapter abstracts a broker connection: request/response calls plus a
// push-event stream. Calls are not assumed safe for concurrent use; the
// engine serialises them.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "alpaca", "simulator").
	Name() string

	// Connect establishes the session. It is a no-op when already connected.
	Connect(ctx context.Context) error

	// Disconnect tears the session down.
	Disconnect() error

	// IsConnected reports the current connection flag.
	IsConnected() bool

	// SubmitChore sends a new chore and returns the broker's snapshot of it.
	SubmitChore(ctx context.Context, spec domain.ChoreSpec) (domain.Barter, error)

	// AmendChore changes price and/or quantity in place. Zero leaves the
	// field unchanged. The returned barter may carry a new id.
	AmendChore(ctx context.Context, id string, px float64, qty int64) (domain.Barter, error)

	// CancelChore requests cancellation and returns the resulting snapshot.
	CancelChore(ctx context.Context, id string) (domain.Barter, error)

	// QueryOpenChores forces a refresh of the broker's open chore set.
	QueryOpenChores(ctx context.Context) ([]domain.Barter, error)

	// QueryAllBarters returns every chore the broker knows for the session,
	// open or closed.
	QueryAllBarters(ctx context.Context) ([]domain.Barter, error)

	// Events is the push-event stream. It stays open for the adapter's
	// lifetime. Adapters send with the channel's buffer as back-pressure;
	// Engine.Run drains it into an unbounded queue without taking locks, so
	// a send never waits on a handler holding the chore cache.
	Events() <-chan domain.BrokerEvent
}

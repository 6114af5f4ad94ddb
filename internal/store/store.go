// Package store defines storage interfaces for the chore ledger, the
// snapshot fold and the managed basket, with SQLite, Parquet and bbolt
// implementations.
package store

import (
	"context"
	"errors"
	"time"

	"chorelink/internal/domain"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// LedgerStore persists the append-only chore and fill ledgers and keeps the
// per-chore snapshot folded from them.
type LedgerStore interface {
	// CreateChoreLedger appends a chore event and folds it into the snapshot.
	CreateChoreLedger(ctx context.Context, entry domain.ChoreLedger) error

	// CreateFillLedger appends an execution and folds it into the snapshot.
	CreateFillLedger(ctx context.Context, entry domain.FillLedger) error

	// PatchChoreSnapshot overwrites the set fields of one snapshot.
	PatchChoreSnapshot(ctx context.Context, patch domain.ChoreSnapshotPatch) error

	// ListChoreSnapshots returns every persisted snapshot.
	ListChoreSnapshots(ctx context.Context) ([]domain.ChoreSnapshot, error)

	// GetChoreSnapshot returns one snapshot or ErrNotFound.
	GetChoreSnapshot(ctx context.Context, choreID string) (domain.ChoreSnapshot, error)
}

// LedgerReader reads ledger entries by event time, for archiving.
type LedgerReader interface {
	// ChoreLedgerBetween returns chore events with start <= time < end.
	ChoreLedgerBetween(ctx context.Context, start, end time.Time) ([]domain.ChoreLedger, error)

	// FillLedgerBetween returns fills with start <= time < end.
	FillLedgerBetween(ctx context.Context, start, end time.Time) ([]domain.FillLedger, error)
}

// BasketStore persists managed chores and the kill-switch flag so both
// survive a restart.
type BasketStore interface {
	// SaveChore inserts or replaces a managed chore keyed by its logical id.
	SaveChore(ctx context.Context, c domain.Chore) error

	// DeleteChore removes a managed chore. Missing keys are not an error.
	DeleteChore(ctx context.Context, ref string) error

	// ListChores returns every managed chore ordered by logical id.
	ListChores(ctx context.Context) ([]domain.Chore, error)

	// SetKillSwitch records whether the kill switch is active.
	SetKillSwitch(ctx context.Context, active bool) error

	// KillSwitch returns the recorded kill-switch flag.
	KillSwitch(ctx context.Context) (bool, error)
}

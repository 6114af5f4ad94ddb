// Package ledger fans every chore, fill and snapshot write out from the
// engine: the store first, then Kafka and the operator feed.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
	"chorelink/internal/store"
)

// Kind tags an Envelope.
type Kind string

const (
	KindChore Kind = "chore"
	KindFill  Kind = "fill"
	KindPatch Kind = "patch"
)

// Envelope is the published form of one ledger write.
type Envelope struct {
	Kind  Kind                       `json:"kind"`
	At    time.Time                  `json:"at"`
	Chore *domain.ChoreLedger        `json:"chore,omitempty"`
	Fill  *domain.FillLedger         `json:"fill,omitempty"`
	Patch *domain.ChoreSnapshotPatch `json:"patch,omitempty"`
}

// ChoreID is the id the envelope concerns; it keys the Kafka partition.
func (e Envelope) ChoreID() string {
	switch {
	case e.Chore != nil:
		return e.Chore.Chore.ChoreID
	case e.Fill != nil:
		return e.Fill.ChoreID
	case e.Patch != nil:
		return e.Patch.ChoreID
	}
	return ""
}

// Publisher ships envelopes downstream.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Broadcaster pushes a serialised envelope to live listeners.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Recorder implements the engine callbacks. The store write is the only
// one whose failure is reported back; downstream fan-out is best effort.
type Recorder struct {
	store store.LedgerStore
	pub   Publisher
	feed  Broadcaster
	log   *slog.Logger
	now   func() time.Time
}

// NewRecorder creates a Recorder. pub and feed may be nil.
func NewRecorder(s store.LedgerStore, pub Publisher, feed Broadcaster, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		store: s,
		pub:   pub,
		feed:  feed,
		log:   log.With("component", "ledger"),
		now:   time.Now,
	}
}

// Callbacks wires the recorder into an engine.
func (r *Recorder) Callbacks() engine.Callbacks {
	return engine.Callbacks{
		CreateChoreLedger:  r.CreateChoreLedger,
		CreateFillLedger:   r.CreateFillLedger,
		PatchChoreSnapshot: r.PatchChoreSnapshot,
	}
}

// CreateChoreLedger persists a chore event, then fans it out.
func (r *Recorder) CreateChoreLedger(ctx context.Context, e domain.ChoreLedger) error {
	if err := r.store.CreateChoreLedger(ctx, e); err != nil {
		return err
	}
	r.fanOut(ctx, Envelope{Kind: KindChore, Chore: &e})
	return nil
}

// CreateFillLedger persists a fill, then fans it out.
func (r *Recorder) CreateFillLedger(ctx context.Context, f domain.FillLedger) error {
	if err := r.store.CreateFillLedger(ctx, f); err != nil {
		return err
	}
	r.fanOut(ctx, Envelope{Kind: KindFill, Fill: &f})
	return nil
}

// PatchChoreSnapshot applies a snapshot correction, then fans it out.
func (r *Recorder) PatchChoreSnapshot(ctx context.Context, p domain.ChoreSnapshotPatch) error {
	if err := r.store.PatchChoreSnapshot(ctx, p); err != nil {
		return err
	}
	r.fanOut(ctx, Envelope{Kind: KindPatch, Patch: &p})
	return nil
}

func (r *Recorder) fanOut(ctx context.Context, env Envelope) {
	env.At = r.now()
	if r.pub != nil {
		if err := r.pub.Publish(ctx, env); err != nil {
			r.log.Error("publish failed", "kind", env.Kind, "choreID", env.ChoreID(), "error", err)
		}
	}
	if r.feed != nil {
		msg, err := json.Marshal(env)
		if err != nil {
			r.log.Error("encode envelope failed", "kind", env.Kind, "choreID", env.ChoreID(), "error", err)
			return
		}
		r.feed.Broadcast(msg)
	}
}

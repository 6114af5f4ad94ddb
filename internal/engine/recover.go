package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chorelink/internal/bridge"
	"chorelink/internal/chorecache"
	"chorelink/internal/domain"
)

const maxRecoverBackoff = 30 * time.Second

// errRecoverFailed is returned when the reconciliation pass after a
// reconnect did not complete.
var errRecoverFailed = errors.New("engine: reconciliation after reconnect failed")

// Recover realigns the engine after the broker link dropped. Fills and
// status changes the event stream missed are ledgered for every cached
// chore from the broker's current view, then, when Options.Snapshots is
// set, a reconciliation pass runs against fresh snapshots. The engine is
// live again only once both succeed. Recover is a no-op when no disconnect
// has been seen.
func (e *Engine) Recover(ctx context.Context) error {
	e.recoverMu.Lock()
	defer e.recoverMu.Unlock()
	if !e.stale.Load() {
		return nil
	}
	log := e.log.With("op", "recover")
	e.setPhase(PhaseReconciling)

	if err := e.connect(ctx); err != nil {
		return err
	}
	barters, err := bridge.Call(ctx, e.loop, e.opts.RequestTimeout, e.adapter.QueryAllBarters)
	if err != nil {
		log.Error("recover aborted: barter query failed", "error", err)
		return fmt.Errorf("querying barters: %w", err)
	}

	caughtUp := 0
	for _, b := range barters {
		e.cache.Do(func(tx *chorecache.Tx) {
			entry, ok := tx.Get(b.ID)
			if !ok {
				return
			}
			err := guard(func() error {
				if e.catchUp(ctx, tx, entry, b) {
					caughtUp++
				}
				return nil
			})
			if err != nil {
				log.Error("catch-up failed", "choreID", b.ID, "status", b.Status, "error", err)
			}
		})
	}

	if e.opts.Snapshots != nil {
		snaps, err := e.opts.Snapshots(ctx)
		if err != nil {
			log.Error("recover aborted: listing snapshots failed", "error", err)
			return fmt.Errorf("listing snapshots: %w", err)
		}
		if _, ok := e.Reconcile(ctx, snaps, e.cb); !ok {
			return errRecoverFailed
		}
	} else {
		e.setPhase(PhaseLive)
	}

	e.stale.Store(false)
	log.Info("broker link recovered", "brokerChores", len(barters), "caughtUp", caughtUp)
	return nil
}

// catchUp ledgers what the broker reports for a cached chore beyond what
// has already been appended: one fill for the missing quantity, then the
// status events. It reports whether anything was appended. Callers hold the
// cache lock.
func (e *Engine) catchUp(ctx context.Context, tx *chorecache.Tx, entry *chorecache.Entry, b domain.Barter) bool {
	cum, logged := entry.CumFilled, entry.LoggedEvent
	entry.Barter = b

	if missing := b.Filled - entry.CumFilled; missing > 0 && b.Filled <= b.TotalQty {
		px := b.AvgFillPx
		if v := (b.AvgFillPx*float64(b.Filled) - entry.FillNotional) / float64(missing); v > 0 {
			px = v
		}
		if e.ensureAcked(ctx, entry) {
			e.appendFill(ctx, entry, b, "", b.Side, px, missing, b.UpdatedAt)
		}
	}
	e.applyStatus(ctx, tx, entry, b)
	return entry.CumFilled != cum || entry.LoggedEvent != logged
}

// recoverLoop retries Recover with backoff until it succeeds or ctx is
// done. Only one loop runs at a time.
func (e *Engine) recoverLoop(ctx context.Context) {
	if !e.recovering.CompareAndSwap(false, true) {
		return
	}
	defer e.recovering.Store(false)

	delay := e.opts.RecoverBackoff
	for attempt := 1; e.stale.Load(); attempt++ {
		err := e.Recover(ctx)
		if err == nil {
			return
		}
		e.log.Warn("recovery failed, retrying", "attempt", attempt, "in", delay, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRecoverBackoff)
	}
}

package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"chorelink/internal/chorecache"
	"chorelink/internal/domain"
)

// ErrorClass is the severity bucket of a broker error code.
type ErrorClass int

const (
	ErrorInfo ErrorClass = iota
	ErrorWarning
	ErrorHard
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorInfo:
		return "info"
	case ErrorWarning:
		return "warning"
	}
	return "hard"
}

// infoCodes are connectivity and data-farm notices that carry no chore
// meaning.
var infoCodes = map[int]bool{
	202: true, 399: true, 2104: true, 2106: true, 2107: true, 2108: true, 2119: true, 2158: true,
}

// ClassifyError buckets a broker error code.
func ClassifyError(code int) ErrorClass {
	if infoCodes[code] {
		return ErrorInfo
	}
	if code >= 2100 && code < 2200 {
		return ErrorWarning
	}
	return ErrorHard
}

// OnStatusUpdate records a broker status change. While reconciling only the
// cache is updated.
func (e *Engine) OnStatusUpdate(ctx context.Context, b domain.Barter) {
	e.cache.Do(func(tx *chorecache.Tx) {
		if _, done := e.closed[b.ID]; done {
			e.log.Debug("status for closed chore ignored", "choreID", b.ID, "status", b.Status)
			return
		}
		entry, ok := tx.Get(b.ID)
		if !ok {
			entry = &chorecache.Entry{}
			tx.Put(b.ID, entry)
		}
		entry.Barter = b
		if e.phase == PhaseReconciling {
			return
		}
		e.applyStatus(ctx, tx, entry, b)
	})
}

// applyStatus appends the ledger entries b's status implies and closes the
// chore once terminal. Callers hold the cache lock.
func (e *Engine) applyStatus(ctx context.Context, tx *chorecache.Tx, entry *chorecache.Entry, b domain.Barter) {
	ev, res := domain.EventForStatus(b.Status)
	switch res {
	case domain.Unmapped:
		e.log.Error("unmapped broker status", "choreID", b.ID, "status", b.Status)
		return
	case domain.Suppressed:
		// Fills are ledgered by executions; a chore seen for the first
		// time already filled still gets its NEW and ACK.
		e.ensureAcked(ctx, entry)
	case domain.Mapped:
		switch {
		case ev == domain.EventNew:
			e.ensureNew(ctx, entry)
		case ev == domain.EventAck:
			e.ensureAcked(ctx, entry)
		case entry.LoggedEvent == ev || entry.LoggedEvent.IsTerminal():
			// duplicate
		default:
			if e.ensureAcked(ctx, entry) {
				e.appendChore(ctx, entry, ev)
			}
		}
	}

	if b.Status.IsTerminal() {
		e.closeChore(tx, b.ID, entry)
	}
}

// OnExecution records a fill. The cumulative quantity is the broker's
// filled total carried on the barter.
func (e *Engine) OnExecution(ctx context.Context, b domain.Barter, fill domain.FillDetail) {
	e.cache.Do(func(tx *chorecache.Tx) {
		var entry *chorecache.Entry
		if last, done := e.closed[b.ID]; done {
			// Executions may trail the terminal status update.
			entry = &last
			defer func() { e.closed[b.ID] = *entry }()
		} else {
			var ok bool
			if entry, ok = tx.Get(b.ID); !ok {
				entry = &chorecache.Entry{}
				tx.Put(b.ID, entry)
			}
			entry.Barter = b
		}
		if e.phase == PhaseReconciling {
			return
		}

		log := e.log.With("choreID", b.ID, "symbol", b.Symbol())
		side, res := domain.MapFillSide(fill.Side)
		if res != domain.Mapped {
			log.Error("unmapped fill side, fill dropped", "side", fill.Side, "qty", fill.Qty, "px", fill.Px)
			return
		}
		cum := b.Filled
		if cum == entry.CumFilled {
			log.Debug("fill already ledgered", "cum", cum, "execID", fill.ExecID)
			return
		}
		if cum < entry.CumFilled {
			log.Error("cumulative fill went backwards, fill dropped", "cum", cum, "previous", entry.CumFilled)
			return
		}
		if cum > b.TotalQty || fill.Qty > b.TotalQty-entry.CumFilled {
			log.Error("over-fill, fill dropped", "cum", cum, "fillQty", fill.Qty, "qty", b.TotalQty, "previous", entry.CumFilled)
			return
		}
		if !e.ensureAcked(ctx, entry) {
			return
		}
		e.appendFill(ctx, entry, b, fill.ExecID, side, fill.Px, fill.Qty, fill.Time)
	})
}

// appendFill writes one fill ledger entry bringing the chore's cumulative
// filled quantity to b.Filled. Callers hold the cache lock.
func (e *Engine) appendFill(ctx context.Context, entry *chorecache.Entry, b domain.Barter, fillID string, side domain.Side, px float64, qty int64, at time.Time) bool {
	if e.cb.CreateFillLedger == nil {
		e.log.Error("no fill ledger callback", "choreID", b.ID)
		return false
	}
	if fillID == "" {
		fillID = uuid.NewString()
	}
	if at.IsZero() {
		at = e.opts.Now()
	}
	fl := domain.FillLedger{
		ChoreID:      b.ID,
		FillID:       fillID,
		Px:           px,
		Qty:          qty,
		Notional:     px * float64(qty),
		Symbol:       b.Symbol(),
		Side:         side,
		Account:      b.Account,
		FillTime:     at,
		CumFilledQty: b.Filled,
	}
	if err := e.cb.CreateFillLedger(ctx, fl); err != nil {
		e.log.Error("create fill ledger failed", "choreID", b.ID, "fillID", fillID, "error", err)
		return false
	}
	entry.CumFilled = b.Filled
	entry.FillNotional += fl.Notional
	return true
}

// OnError handles a broker error. Only hard errors naming a cached chore
// reach the ledger.
func (e *Engine) OnError(ctx context.Context, be domain.BrokerError) {
	class := ClassifyError(be.Code)
	log := e.log.With("requestID", be.RequestID, "code", be.Code, "msg", be.Message, "class", class.String())
	switch class {
	case ErrorInfo:
		log.Info("broker notice")
		return
	case ErrorWarning:
		log.Warn("broker warning")
		return
	}

	e.cache.Do(func(tx *chorecache.Tx) {
		entry, ok := tx.Get(be.RequestID)
		if !ok {
			log.Warn("broker error for unknown request")
			return
		}
		if e.phase == PhaseReconciling {
			log.Error("broker error during reconciliation")
			return
		}
		log.Error("broker rejected chore", "symbol", entry.Barter.Symbol())
		entry.Barter.Text = append(entry.Barter.Text, errorText(be))
		if e.ensureNew(ctx, entry) && !entry.LoggedEvent.IsTerminal() {
			e.appendChore(ctx, entry, domain.EventBrkRej)
		}
		e.closeChore(tx, be.RequestID, entry)
	})
}

// OnDisconnected drops the adapter session and puts the engine back into
// the reconciling phase. The cache is kept; Recover realigns it with the
// broker once the link is back.
func (e *Engine) OnDisconnected(reason string) {
	e.log.Warn("broker disconnected", "reason", reason, "inFlight", e.cache.Len())
	e.stale.Store(true)
	if err := e.adapter.Disconnect(); err != nil {
		e.log.Error("adapter disconnect failed", "error", err)
	}
	e.setPhase(PhaseReconciling)
}

// ensureNew appends NEW if the chore has no ledger yet. Callers hold the
// cache lock.
func (e *Engine) ensureNew(ctx context.Context, entry *chorecache.Entry) bool {
	if entry.LedgerStarted {
		return true
	}
	return e.appendChore(ctx, entry, domain.EventNew)
}

// ensureAcked appends NEW and ACK as needed. Callers hold the cache lock.
func (e *Engine) ensureAcked(ctx context.Context, entry *chorecache.Entry) bool {
	if !e.ensureNew(ctx, entry) {
		return false
	}
	if entry.Acked || entry.LoggedEvent.IsTerminal() {
		return true
	}
	return e.appendChore(ctx, entry, domain.EventAck)
}

func (e *Engine) appendChore(ctx context.Context, entry *chorecache.Entry, ev domain.ChoreEventType) bool {
	return e.appendWith(ctx, e.cb, entry, ev)
}

// appendWith writes one chore ledger entry and advances the entry's
// bookkeeping on success.
func (e *Engine) appendWith(ctx context.Context, cb Callbacks, entry *chorecache.Entry, ev domain.ChoreEventType) bool {
	rec := domain.ChoreLedger{
		Chore:     entry.Barter.Brief(),
		EventTime: e.opts.Now(),
		Event:     ev,
	}
	if cb.CreateChoreLedger == nil {
		e.log.Error("no chore ledger callback", "choreID", entry.Barter.ID, "event", ev)
		return false
	}
	if err := cb.CreateChoreLedger(ctx, rec); err != nil {
		e.log.Error("create chore ledger failed", "choreID", entry.Barter.ID, "event", ev, "error", err)
		return false
	}
	e.log.Debug("chore ledger", "choreID", entry.Barter.ID, "event", ev, slog.Int64("qty", entry.Barter.TotalQty))
	switch ev {
	case domain.EventNew:
		entry.LedgerStarted = true
	case domain.EventAck:
		entry.Acked = true
	}
	entry.LoggedEvent = ev
	return true
}

func errorText(be domain.BrokerError) string {
	return "broker error " + strconv.Itoa(be.Code) + ": " + be.Message
}

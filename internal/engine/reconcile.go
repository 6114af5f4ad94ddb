package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"chorelink/internal/bridge"
	"chorelink/internal/chorecache"
	"chorelink/internal/domain"
)

const (
	pxTolerance       = 1e-4
	notionalTolerance = 1e-2
)

// Report summarises one reconciliation pass.
type Report struct {
	BrokerChores     int `json:"broker_chores"`
	StoreChores      int `json:"store_chores"`
	NewChores        int `json:"new_chores"`
	LedgerEntries    int `json:"ledger_entries"`
	FillEntries      int `json:"fill_entries"`
	Discrepancies    int `json:"discrepancies"`
	Patches          int `json:"patches"`
	StoreOnlyCancels int `json:"store_only_cancels"`
	Errors           int `json:"errors"`
}

// Reconcile aligns the cache and the persisted snapshots with the broker's
// chore set, writing corrections through cb. Live ledger writes are
// suppressed for the duration of the pass. It reports false when the pass
// could not run or panicked; the caller should retry.
func (e *Engine) Reconcile(ctx context.Context, snapshots []domain.ChoreSnapshot, cb Callbacks) (rep Report, ok bool) {
	log := e.log.With("op", "reconcile")
	if !cb.complete() {
		log.Error("reconcile aborted: missing ledger callback")
		return rep, false
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("reconcile panicked", "panic", r)
			ok = false
		}
	}()

	e.setPhase(PhaseReconciling)

	if err := e.connect(ctx); err != nil {
		log.Error("reconcile aborted: broker unavailable", "error", err)
		return rep, false
	}
	// The open query forces the broker to refresh; push events land
	// asynchronously so the full query waits for them to settle.
	if _, err := bridge.Call(ctx, e.loop, e.opts.RequestTimeout, e.adapter.QueryOpenChores); err != nil {
		log.Error("reconcile aborted: open chore query failed", "error", err)
		return rep, false
	}
	if e.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return rep, false
		case <-time.After(e.opts.SettleDelay):
		}
	}
	barters, err := bridge.Call(ctx, e.loop, e.opts.RequestTimeout, e.adapter.QueryAllBarters)
	if err != nil {
		log.Error("reconcile aborted: barter query failed", "error", err)
		return rep, false
	}

	brokerByID := make(map[string]domain.Barter, len(barters))
	for _, b := range barters {
		brokerByID[b.ID] = b
	}
	storeByID := make(map[string]domain.ChoreSnapshot, len(snapshots))
	for _, s := range snapshots {
		storeByID[s.Chore.ChoreID] = s
	}
	rep.BrokerChores = len(brokerByID)
	rep.StoreChores = len(storeByID)

	for _, id := range sortedKeys(brokerByID) {
		b := brokerByID[id]
		e.cache.Do(func(tx *chorecache.Tx) {
			if _, done := e.closed[id]; done && b.Status.IsTerminal() {
				// Already closed through the ledger in this process.
				return
			}
			err := guard(func() error {
				if snap, found := storeByID[id]; found {
					return e.reconcileBoth(ctx, tx, cb, b, snap, &rep)
				}
				return e.reconcileBrokerOnly(ctx, tx, cb, b, &rep)
			})
			if err != nil {
				rep.Errors++
				log.Error("reconcile chore failed", "choreID", id, "status", b.Status, "error", err)
			}
		})
	}

	for _, id := range sortedKeys(storeByID) {
		if _, found := brokerByID[id]; found {
			continue
		}
		snap := storeByID[id]
		e.cache.Do(func(tx *chorecache.Tx) {
			err := guard(func() error { return e.reconcileStoreOnly(ctx, tx, cb, snap, &rep) })
			if err != nil {
				rep.Errors++
				log.Error("reconcile store-only chore failed", "choreID", id, "status", snap.Status, "error", err)
			}
		})
	}

	e.setPhase(PhaseLive)
	log.Info("reconcile complete",
		"brokerChores", rep.BrokerChores,
		"storeChores", rep.StoreChores,
		"newChores", rep.NewChores,
		"ledgerEntries", rep.LedgerEntries,
		"fillEntries", rep.FillEntries,
		"discrepancies", rep.Discrepancies,
		"patches", rep.Patches,
		"storeOnlyCancels", rep.StoreOnlyCancels,
		"errors", rep.Errors,
	)
	return rep, true
}

// reconcileBrokerOnly synthesises the ledger history implied by the
// broker's current status: NEW, ACK, a fill if any, then the terminal event.
func (e *Engine) reconcileBrokerOnly(ctx context.Context, tx *chorecache.Tx, cb Callbacks, b domain.Barter, rep *Report) error {
	entry := &chorecache.Entry{Barter: b}
	tx.Put(b.ID, entry)
	rep.NewChores++

	write := func(ev domain.ChoreEventType) error {
		if !e.appendWith(ctx, cb, entry, ev) {
			return fmt.Errorf("append %s", ev)
		}
		rep.LedgerEntries++
		return nil
	}
	if err := write(domain.EventNew); err != nil {
		return err
	}

	var terminal domain.ChoreEventType
	switch b.Status {
	case domain.BrokerPendingSubmit:
		return nil
	case domain.BrokerPreSubmitted, domain.BrokerSubmitted, domain.BrokerFilled:
	case domain.BrokerPendingCancel:
		terminal = domain.EventCxl
	case domain.BrokerCancelled, domain.BrokerApiCancelled:
		terminal = domain.EventCxlAck
	case domain.BrokerInactive:
		terminal = domain.EventLapse
	default:
		e.log.Warn("unhandled broker status, treated as ACK", "choreID", b.ID, "status", b.Status)
	}
	if err := write(domain.EventAck); err != nil {
		return err
	}

	if b.Filled > 0 {
		at := b.UpdatedAt
		if at.IsZero() {
			at = e.opts.Now()
		}
		fl := domain.FillLedger{
			ChoreID:      b.ID,
			FillID:       uuid.NewString(),
			Px:           b.AvgFillPx,
			Qty:          b.Filled,
			Notional:     b.AvgFillPx * float64(b.Filled),
			Symbol:       b.Symbol(),
			Side:         b.Side,
			Account:      b.Account,
			FillTime:     at,
			CumFilledQty: b.Filled,
		}
		if err := cb.CreateFillLedger(ctx, fl); err != nil {
			return fmt.Errorf("append synthetic fill: %w", err)
		}
		entry.CumFilled = b.Filled
		entry.FillNotional = fl.Notional
		rep.FillEntries++
	}

	if terminal != "" {
		return write(terminal)
	}
	return nil
}

// reconcileStoreOnly closes a persisted chore the broker no longer knows.
// Chores already terminal in the store are left alone.
func (e *Engine) reconcileStoreOnly(ctx context.Context, tx *chorecache.Tx, cb Callbacks, snap domain.ChoreSnapshot, rep *Report) error {
	if !snap.Status.IsActive() {
		return nil
	}
	id := snap.Chore.ChoreID
	entry := &chorecache.Entry{
		Barter:        barterFromSnapshot(snap),
		LedgerStarted: true,
		Acked:         snap.Status != domain.StatusUnack,
		CumFilled:     snap.FilledQty,
		FillNotional:  snap.FillNotional,
	}
	if !e.appendWith(ctx, cb, entry, domain.EventCxlAck) {
		return fmt.Errorf("append %s", domain.EventCxlAck)
	}
	rep.LedgerEntries++
	rep.StoreOnlyCancels++
	tx.Remove(id)
	e.closed[id] = *entry
	return nil
}

// reconcileBoth patches the persisted snapshot with the broker's values
// where they differ, and refreshes the cache either way.
func (e *Engine) reconcileBoth(ctx context.Context, tx *chorecache.Tx, cb Callbacks, b domain.Barter, snap domain.ChoreSnapshot, rep *Report) error {
	tx.Put(b.ID, &chorecache.Entry{
		Barter:        b,
		LedgerStarted: true,
		Acked:         b.Status != domain.BrokerPendingSubmit,
		LoggedEvent:   lastEventFor(b.Status),
		CumFilled:     b.Filled,
		FillNotional:  b.AvgFillPx * float64(b.Filled),
	})

	patch, n := diffSnapshot(snap, b)
	if n == 0 {
		return nil
	}
	rep.Discrepancies += n
	patch.LastUpdateTime = e.opts.Now()
	e.log.Info("snapshot discrepancy", "choreID", b.ID, "fields", n, "brokerStatus", b.Status, "storeStatus", snap.Status)
	if err := cb.PatchChoreSnapshot(ctx, patch); err != nil {
		return fmt.Errorf("patch snapshot: %w", err)
	}
	rep.Patches++
	return nil
}

// diffSnapshot returns the patch that makes snap agree with the broker and
// the number of fields that differ.
func diffSnapshot(snap domain.ChoreSnapshot, b domain.Barter) (domain.ChoreSnapshotPatch, int) {
	p := domain.ChoreSnapshotPatch{ChoreID: b.ID}
	n := 0

	if st, res := domain.ChoreStatusFor(b.Status); res == domain.Mapped && st != snap.Status {
		p.Status = &st
		n++
	}
	if b.Filled != snap.FilledQty {
		v := b.Filled
		p.FilledQty = &v
		n++
	}
	if !near(b.AvgFillPx, snap.AvgFillPx, pxTolerance) {
		v := b.AvgFillPx
		p.AvgFillPx = &v
		n++
	}
	if b.TotalQty != snap.Chore.Qty {
		v := b.TotalQty
		p.Qty = &v
		n++
	}
	if !near(b.LimitPx, snap.Chore.Px, pxTolerance) {
		v := b.LimitPx
		p.Px = &v
		n++
	}

	cxlQty := b.CxlQty()
	if cxlQty != snap.CxlQty {
		p.CxlQty = &cxlQty
		n++
	}
	cxlNotional := float64(cxlQty) * b.LimitPx
	if !near(cxlNotional, snap.CxlNotional, notionalTolerance) {
		p.CxlNotional = &cxlNotional
		n++
	}
	var avgCxl float64
	if cxlQty > 0 {
		avgCxl = b.LimitPx
	}
	if !near(avgCxl, snap.AvgCxlPx, pxTolerance) {
		p.AvgCxlPx = &avgCxl
		n++
	}

	// Fill notional is derived from whichever operands are being patched.
	filled, avg := snap.FilledQty, snap.AvgFillPx
	if p.FilledQty != nil {
		filled = *p.FilledQty
	}
	if p.AvgFillPx != nil {
		avg = *p.AvgFillPx
	}
	fillNotional := float64(filled) * avg
	if !near(fillNotional, snap.FillNotional, notionalTolerance) {
		p.FillNotional = &fillNotional
		n++
	}
	return p, n
}

// lastEventFor is the status-change event a broker status implies has
// already been ledgered.
func lastEventFor(s domain.BrokerStatus) domain.ChoreEventType {
	if s == domain.BrokerFilled {
		return domain.EventAck
	}
	ev, _ := domain.EventForStatus(s)
	return ev
}

func barterFromSnapshot(s domain.ChoreSnapshot) domain.Barter {
	return domain.Barter{
		ID:        s.Chore.ChoreID,
		Security:  s.Chore.Security,
		Side:      s.Chore.Side,
		Account:   s.Chore.Account,
		Exchange:  s.Chore.Exchange,
		LimitPx:   s.Chore.Px,
		TotalQty:  s.Chore.Qty,
		Filled:    s.FilledQty,
		AvgFillPx: s.AvgFillPx,
		Text:      s.Chore.Text,
		UpdatedAt: s.LastUpdateTime,
	}
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

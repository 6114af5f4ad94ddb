package engine

import (
	"context"
	"strings"

	"chorelink/internal/bridge"
	"chorelink/internal/chorecache"
	"chorelink/internal/domain"
)

// NewChoreRequest is a placement request. Px of zero places a market chore.
type NewChoreRequest struct {
	ClientRef string             `json:"client_ref,omitempty"`
	Security  domain.SecurityRef `json:"security"`
	Side      domain.Side        `json:"side"`
	Px        float64            `json:"px"`
	Qty       int64              `json:"qty"`
	Account   string             `json:"account"`
	Exchange  string             `json:"exchange"`
	Text      []string           `json:"text,omitempty"`
}

// Spec converts the request to what an adapter submits.
func (r NewChoreRequest) Spec() domain.ChoreSpec {
	return domain.ChoreSpec{
		ClientRef: r.ClientRef,
		Security:  r.Security,
		Side:      r.Side,
		Px:        r.Px,
		Qty:       r.Qty,
		Account:   r.Account,
		Exchange:  r.Exchange,
		Text:      r.Text,
	}
}

// ChoreStatus is the placement surface's view of one chore.
type ChoreStatus struct {
	ChoreID   string                 `json:"chore_id"`
	Status    domain.ChoreStatusType `json:"status"`
	Text      string                 `json:"text,omitempty"`
	FilledQty int64                  `json:"filled_qty"`
	Px        float64                `json:"px"`
	Qty       int64                  `json:"qty"`
}

// PlaceNewChore submits a chore. It returns the broker chore id on success
// or the failure reason.
func (e *Engine) PlaceNewChore(ctx context.Context, req NewChoreRequest) (bool, string) {
	log := e.log.With("op", "place", "symbol", req.Security.SystemID, "side", req.Side, "qty", req.Qty, "px", req.Px)
	if e.killed.Load() {
		log.Warn("placement refused", "error", ErrKillSwitch)
		return false, ErrKillSwitch.Error()
	}
	spec := req.Spec()
	if err := e.risk.CheckChore(spec); err != nil {
		log.Warn("placement refused", "error", err)
		return false, err.Error()
	}
	if err := e.ensureConnected(ctx); err != nil {
		return false, err.Error()
	}

	var (
		b   domain.Barter
		err error
	)
	e.cache.Do(func(tx *chorecache.Tx) {
		b, err = bridge.Call(ctx, e.loop, e.opts.RequestTimeout, func(ctx context.Context) (domain.Barter, error) {
			return e.adapter.SubmitChore(ctx, spec)
		})
		if err != nil {
			return
		}
		entry, ok := tx.Get(b.ID)
		if !ok {
			entry = &chorecache.Entry{Barter: b}
			tx.Put(b.ID, entry)
		}
		if e.phase == PhaseLive {
			e.ensureNew(ctx, entry)
		}
	})
	if err != nil {
		log.Error("submit failed", "error", err)
		return false, err.Error()
	}
	log.Info("chore placed", "choreID", b.ID, "status", b.Status)
	return true, b.ID
}

// ReplaceChore amends px and/or qty (nil leaves a field unchanged) and
// returns the id the chore carries afterwards, which differs from id when
// the broker replaces rather than amends.
func (e *Engine) ReplaceChore(ctx context.Context, id string, px *float64, qty *int64) (string, bool) {
	log := e.log.With("op", "amend", "choreID", id)
	if e.killed.Load() {
		log.Warn("amend refused", "error", ErrKillSwitch)
		return "", false
	}
	var newPx float64
	var newQty int64
	if px != nil {
		newPx = *px
	}
	if qty != nil {
		newQty = *qty
	}
	if newPx <= 0 && newQty <= 0 {
		log.Warn("amend without changes")
		return "", false
	}
	if err := e.ensureConnected(ctx); err != nil {
		return "", false
	}

	newID := ""
	e.cache.Do(func(tx *chorecache.Tx) {
		entry, ok := tx.Get(id)
		if !ok || entry.Barter.Status.IsTerminal() {
			log.Warn("amend of chore that is not open")
			return
		}
		check := domain.ChoreSpec{Side: entry.Barter.Side, Px: entry.Barter.LimitPx, Qty: entry.Barter.TotalQty}
		if newPx > 0 {
			check.Px = newPx
		}
		if newQty > 0 {
			check.Qty = newQty
		}
		if err := e.risk.CheckChore(check); err != nil {
			log.Warn("amend refused", "error", err)
			return
		}

		b, err := bridge.Call(ctx, e.loop, e.opts.RequestTimeout, func(ctx context.Context) (domain.Barter, error) {
			return e.adapter.AmendChore(ctx, id, newPx, newQty)
		})
		if err != nil {
			log.Error("amend failed", "error", err)
			return
		}
		newID = b.ID
		if b.ID != id {
			// Replaced under a new id; the old one closes through its own
			// status events.
			ne, ok := tx.Get(b.ID)
			if !ok {
				ne = &chorecache.Entry{Barter: b}
				tx.Put(b.ID, ne)
			}
			if e.phase == PhaseLive {
				e.ensureNew(ctx, ne)
			}
			return
		}

		patch := domain.ChoreSnapshotPatch{ChoreID: id, LastUpdateTime: e.opts.Now()}
		if b.LimitPx != entry.Barter.LimitPx {
			v := b.LimitPx
			patch.Px = &v
		}
		if b.TotalQty != entry.Barter.TotalQty {
			v := b.TotalQty
			patch.Qty = &v
		}
		entry.Barter = b
		if !patch.Empty() && e.phase == PhaseLive && e.cb.PatchChoreSnapshot != nil {
			if err := e.cb.PatchChoreSnapshot(ctx, patch); err != nil {
				log.Error("patch after amend failed", "error", err)
			}
		}
	})
	if newID == "" {
		return "", false
	}
	log.Info("chore amended", "newChoreID", newID, "px", newPx, "qty", newQty)
	return newID, true
}

// PlaceAmendChore amends a chore in place.
func (e *Engine) PlaceAmendChore(ctx context.Context, id string, px *float64, qty *int64) bool {
	_, ok := e.ReplaceChore(ctx, id, px, qty)
	return ok
}

// PlaceCancelChore requests cancellation. Cancels are allowed while the
// kill switch is active.
func (e *Engine) PlaceCancelChore(ctx context.Context, id string) bool {
	log := e.log.With("op", "cancel", "choreID", id)
	if err := e.ensureConnected(ctx); err != nil {
		return false
	}
	ok := false
	e.cache.Do(func(tx *chorecache.Tx) {
		entry, found := tx.Get(id)
		if !found || entry.Barter.Status.IsTerminal() {
			log.Warn("cancel of chore that is not open")
			return
		}
		b, err := bridge.Call(ctx, e.loop, e.opts.RequestTimeout, func(ctx context.Context) (domain.Barter, error) {
			return e.adapter.CancelChore(ctx, id)
		})
		if err != nil {
			log.Error("cancel failed", "error", err)
			return
		}
		// The ledger follows the status events; the cache reflects the
		// broker's answer now.
		entry.Barter = b
		ok = true
	})
	return ok
}

// IsChoreOpen reports whether id is in flight and not terminal.
func (e *Engine) IsChoreOpen(id string) bool {
	st, ok := e.GetChoreStatus(id)
	return ok && !st.Status.IsTerminal()
}

// GetChoreStatus returns the live status of id, falling back to the final
// state of a chore that has already closed.
func (e *Engine) GetChoreStatus(id string) (ChoreStatus, bool) {
	var (
		entry chorecache.Entry
		found bool
	)
	e.cache.Do(func(tx *chorecache.Tx) {
		if en, ok := tx.Get(id); ok {
			entry, found = *en, true
			return
		}
		entry, found = e.closed[id]
	})
	if !found {
		return ChoreStatus{}, false
	}
	b := entry.Barter
	st, res := domain.ChoreStatusFor(b.Status)
	switch {
	case entry.LoggedEvent.IsTerminal():
		// Closed by a ledger event, possibly ahead of the broker status.
		st = domain.StatusDOD
	case res != domain.Mapped:
		st = domain.StatusUnack
	}
	text := b.WhyHeld
	if len(b.Text) > 0 {
		text = strings.TrimSpace(text + " " + strings.Join(b.Text, "; "))
	}
	return ChoreStatus{
		ChoreID:   b.ID,
		Status:    st,
		Text:      text,
		FilledQty: b.Filled,
		Px:        b.LimitPx,
		Qty:       b.TotalQty,
	}, true
}

// OpenChoreIDs returns the ids of cached chores that are not terminal.
func (e *Engine) OpenChoreIDs() []string {
	var ids []string
	e.cache.Do(func(tx *chorecache.Tx) {
		for _, id := range tx.IDs() {
			if en, _ := tx.Get(id); !en.Barter.Status.IsTerminal() {
				ids = append(ids, id)
			}
		}
	})
	return ids
}

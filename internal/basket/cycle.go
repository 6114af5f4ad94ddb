package basket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
)

// cycleSymbol runs one pass over a symbol's chores and reports whether the
// next cycle should run at the fast cadence. Callers hold mu.
func (m *Manager) cycleSymbol(ctx context.Context, sym string) (fast bool) {
	log := m.log.With("symbol", sym)
	m.chores[sym] = m.dedupe(log, m.chores[sym])
	list := m.chores[sym]

	for _, c := range list {
		if !c.PendingCxl {
			continue
		}
		switch {
		case c.SubmitState == domain.SubmitPending || c.SubmitState == domain.SubmitRetry:
			log.Info("chore cancelled before submission", "ref", c.Ref)
			c.SubmitState = domain.SubmitNA
		case !c.CxlIssued && c.SubmitState == domain.SubmitDone && c.ID != "":
			m.guard(log, c, func() {
				if m.placer.PlaceCancelChore(ctx, c.ID) {
					c.CxlIssued = true
					m.persist(ctx, c)
				}
			})
		}
	}

	if !m.md.Ready(sym) {
		m.handleUnready(ctx, log, sym)
		fast = true
	} else {
		delete(m.unready, sym)
		book, _ := m.md.Book(sym)
		m.processReady(ctx, log, list, book)
	}

	kept := list[:0]
	for _, c := range list {
		if c.SubmitState == domain.SubmitNA {
			m.forget(ctx, c)
			delete(m.lastWarned, c.LogicalID())
			continue
		}
		kept = append(kept, c)
	}
	m.chores[sym] = kept
	return fast
}

// processReady advances each chore once the symbol has a usable book.
func (m *Manager) processReady(ctx context.Context, log *slog.Logger, list []*domain.Chore, book domain.TopOfBook) {
	for _, c := range list {
		switch c.SubmitState {
		case domain.SubmitDone:
			m.guard(log, c, func() { m.processSent(ctx, c, book) })
		case domain.SubmitRetry:
			if c.SubmitRetries >= m.cfg.MaxSubmitRetries {
				log.Error("submit retries exhausted, chore dropped", "ref", c.Ref, "retries", c.SubmitRetries, "text", c.Text)
				c.SubmitState = domain.SubmitNA
				continue
			}
			c.SubmitState = domain.SubmitPending
			fallthrough
		case domain.SubmitPending:
			m.guard(log, c, func() { m.processPending(ctx, c, book) })
		}
	}
}

// dedupe keeps the most recently added chore per logical id.
func (m *Manager) dedupe(log *slog.Logger, list []*domain.Chore) []*domain.Chore {
	latest := make(map[string]*domain.Chore, len(list))
	for _, c := range list {
		if cur, ok := latest[c.LogicalID()]; !ok || !c.AddedAt.Before(cur.AddedAt) {
			latest[c.LogicalID()] = c
		}
	}
	if len(latest) == len(list) {
		return list
	}
	out := make([]*domain.Chore, 0, len(latest))
	for _, c := range list {
		if latest[c.LogicalID()] == c {
			out = append(out, c)
			continue
		}
		log.Warn("duplicate chore dropped", "ref", c.LogicalID(), "choreID", c.ID, "addedAt", c.AddedAt)
	}
	return out
}

func (m *Manager) handleUnready(ctx context.Context, log *slog.Logger, sym string) {
	now := m.now()
	since, ok := m.unready[sym]
	if !ok {
		m.unready[sym] = now
		return
	}
	if now.Sub(since) <= m.cfg.StaleAfter {
		return
	}
	if m.resubs[sym] >= m.cfg.MaxResubscribe {
		log.Warn("market data unready, resubscribe budget spent", "since", since, "resubscribes", m.resubs[sym])
		return
	}
	m.resubs[sym]++
	m.unready[sym] = now
	log.Warn("market data unready, resubscribing", "since", since, "attempt", m.resubs[sym])
	if err := m.md.Resubscribe(ctx, sym); err != nil {
		log.Error("resubscribe failed", "error", err)
	}
}

// processSent handles a chore the broker already holds.
func (m *Manager) processSent(ctx context.Context, c *domain.Chore, book domain.TopOfBook) {
	if !c.PendingCxl && (c.HasPendingAmend() || c.MarketTracking) {
		m.triggerAmend(ctx, c, book)
		return
	}
	st, ok := m.placer.GetChoreStatus(c.ID)
	switch {
	case !ok || st.Status.IsTerminal():
		m.log.Info("chore closed", "ref", c.Ref, "choreID", c.ID, "status", st.Status, "filled", st.FilledQty)
		c.SubmitState = domain.SubmitNA
	case st.Status != domain.StatusUnack && !c.PendingCxl:
		// Acknowledged and resting; nothing left to manage.
		c.SubmitState = domain.SubmitNA
	}
}

// processPending prices and submits a chore not yet sent.
func (m *Manager) processPending(ctx context.Context, c *domain.Chore, book domain.TopOfBook) {
	log := m.log.With("ref", c.Ref, "symbol", c.Symbol())
	if c.HasPendingAmend() {
		// Nothing is live yet, so the amendment simply rewrites the chore.
		if c.PendingAmendPx > 0 {
			c.Px = c.PendingAmendPx
			c.MarketTracking = false
		}
		if c.PendingAmendQty > 0 {
			c.Qty = c.PendingAmendQty
		}
		c.ClearPendingAmend()
	}
	if m.placer.KillSwitchActive() {
		log.Debug("submission held by kill switch")
		return
	}

	if c.Px == 0 || c.MarketTracking {
		c.MarketTracking = true
		px, ok := GenerateAlgoMarketChorePrice(m.cfg.Control, c.Side, book, 0)
		if !ok {
			m.hold(log, c, "no usable market price")
			return
		}
		c.Px = px
	} else if !m.cfg.Control.InBand(c.Px, book) {
		m.hold(log, c, "price outside breach band")
		return
	}
	m.submit(ctx, log, c)
}

func (m *Manager) submit(ctx context.Context, log *slog.Logger, c *domain.Chore) {
	ok, idOrErr := m.placer.PlaceNewChore(ctx, requestFor(c))
	if !ok {
		c.SubmitRetries++
		c.SubmitState = domain.SubmitRetry
		c.AddText(idOrErr)
		log.Warn("submit failed", "px", c.Px, "qty", c.Qty, "retries", c.SubmitRetries, "reason", idOrErr)
		m.persist(ctx, c)
		return
	}
	c.ID = idOrErr
	c.SubmitState = domain.SubmitDone
	c.DeferredSince = time.Time{}
	delete(m.lastWarned, c.LogicalID())
	log.Info("chore submitted", "choreID", c.ID, "px", c.Px, "qty", c.Qty, "marketTracking", c.MarketTracking)
	m.persist(ctx, c)
}

// hold leaves c pending, warning at most once per DeferWarnEvery once it
// has waited longer than that.
func (m *Manager) hold(log *slog.Logger, c *domain.Chore, why string) {
	now := m.now()
	if c.DeferredSince.IsZero() {
		c.DeferredSince = now
		return
	}
	if now.Sub(c.DeferredSince) <= m.cfg.DeferWarnEvery {
		return
	}
	if last, ok := m.lastWarned[c.LogicalID()]; ok && now.Sub(last) < m.cfg.DeferWarnEvery {
		return
	}
	m.lastWarned[c.LogicalID()] = now
	log.Warn("chore deferred", "reason", why, "px", c.Px, "since", c.DeferredSince)
}

// triggerAmend moves a sent chore to its queued or regenerated price.
func (m *Manager) triggerAmend(ctx context.Context, c *domain.Chore, book domain.TopOfBook) {
	log := m.log.With("ref", c.Ref, "choreID", c.ID, "symbol", c.Symbol())
	st, ok := m.placer.GetChoreStatus(c.ID)
	if !ok || st.Status.IsTerminal() {
		log.Info("chore closed before amend", "status", st.Status)
		c.SubmitState = domain.SubmitNA
		return
	}
	if st.Status == domain.StatusUnack {
		log.Debug("amend deferred until acknowledged")
		return
	}

	var newPx float64
	if c.MarketTracking {
		if px, ok := GenerateAlgoMarketChorePrice(m.cfg.Control, c.Side, book, st.Px); ok {
			newPx = px
		}
	}
	if c.PendingAmendPx != 0 {
		newPx = c.PendingAmendPx
	}
	newQty := c.PendingAmendQty
	if newPx == 0 && newQty == 0 {
		return
	}

	if m.cfg.SoftAmend {
		m.softAmend(ctx, log, c, newPx, newQty)
		return
	}

	var pxp *float64
	var qtyp *int64
	if newPx > 0 {
		pxp = &newPx
	}
	if newQty > 0 {
		qtyp = &newQty
	}
	id, ok := m.placer.ReplaceChore(ctx, c.ID, pxp, qtyp)
	if !ok {
		log.Warn("amend failed, retrying next cycle", "px", newPx, "qty", newQty)
		return
	}
	c.ID = id
	if newPx > 0 {
		c.Px = newPx
	}
	if newQty > 0 {
		c.Qty = newQty
	}
	c.ClearPendingAmend()
	log.Info("chore amended", "px", c.Px, "qty", c.Qty, "newChoreID", id)
	m.persist(ctx, c)
}

// softAmend cancels c, waits for the broker to confirm, and resubmits the
// unfilled remainder at the new price.
func (m *Manager) softAmend(ctx context.Context, log *slog.Logger, c *domain.Chore, newPx float64, newQty int64) {
	if !m.placer.PlaceCancelChore(ctx, c.ID) {
		log.Warn("soft amend cancel failed, retrying next cycle")
		return
	}
	var (
		st        engine.ChoreStatus
		found     bool
		confirmed bool
	)
	for i := 0; i < m.cfg.SoftAmendRetries; i++ {
		st, found = m.placer.GetChoreStatus(c.ID)
		if !found || st.Status.IsTerminal() {
			confirmed = true
			break
		}
		if err := m.sleep(ctx, m.cfg.SoftAmendSleep); err != nil {
			return
		}
	}
	if !confirmed {
		log.Error("soft amend cancel never confirmed, chore abandoned",
			"retries", m.cfg.SoftAmendRetries, "status", st.Status)
		c.SubmitState = domain.SubmitNA
		return
	}

	total := c.Qty
	if newQty > 0 {
		total = newQty
	}
	remaining := total - st.FilledQty
	if remaining <= 0 {
		log.Info("nothing left after soft amend cancel", "filled", st.FilledQty)
		c.SubmitState = domain.SubmitNA
		return
	}
	if newPx > 0 {
		c.Px = newPx
	}
	c.Qty = remaining
	c.ClearPendingAmend()
	c.AddText(fmt.Sprintf("soft amend of %s", c.ID))
	c.ID = ""
	m.submit(ctx, log, c)
}

// guard runs fn, logging a panic instead of letting it abort the cycle.
func (m *Manager) guard(log *slog.Logger, c *domain.Chore, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("chore processing panicked", "ref", c.Ref, "choreID", c.ID, "state", c.SubmitState, "panic", r)
		}
	}()
	fn()
}

func requestFor(c *domain.Chore) engine.NewChoreRequest {
	return engine.NewChoreRequest{
		ClientRef: c.Ref,
		Security:  c.Security,
		Side:      c.Side,
		Px:        c.Px,
		Qty:       c.Qty,
		Account:   c.Account,
		Exchange:  c.Exchange,
		Text:      c.Text,
	}
}

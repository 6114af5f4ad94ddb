package engine

import (
	"fmt"

	"chorelink/internal/domain"
)

// RiskManager enforces pre-trade limits on individual chores. A nil
// RiskManager only rejects malformed chores.
type RiskManager struct {
	maxQty      int64
	maxNotional float64
}

// NewRiskManager creates a RiskManager. Zero disables a limit.
//
//   - maxQty: largest quantity a single chore may carry.
//   - maxNotional: largest px × qty a single limit chore may carry.
func NewRiskManager(maxQty int64, maxNotional float64) *RiskManager {
	return &RiskManager{
		maxQty:      maxQty,
		maxNotional: maxNotional,
	}
}

// CheckChore evaluates whether spec complies with the configured limits.
func (rm *RiskManager) CheckChore(spec domain.ChoreSpec) error {
	if spec.Qty <= 0 {
		return fmt.Errorf("risk: qty %d must be positive", spec.Qty)
	}
	if spec.Px < 0 {
		return fmt.Errorf("risk: px %v must not be negative", spec.Px)
	}
	switch spec.Side {
	case domain.SideBuy, domain.SideSell, domain.SideShortSell:
	default:
		return fmt.Errorf("risk: unknown side %q", spec.Side)
	}
	if rm == nil {
		return nil
	}
	if rm.maxQty > 0 && spec.Qty > rm.maxQty {
		return fmt.Errorf("risk: qty %d exceeds limit %d", spec.Qty, rm.maxQty)
	}
	if n := spec.Px * float64(spec.Qty); rm.maxNotional > 0 && n > rm.maxNotional {
		return fmt.Errorf("risk: notional %.2f exceeds limit %.2f", n, rm.maxNotional)
	}
	return nil
}

// OrderControl is the breach policy: a chore must not rest more than the
// threshold beyond the touch. The threshold is the larger of BreachPct of
// the touch price and BreachTicks tick sizes.
type OrderControl struct {
	BreachPct   float64
	BreachTicks int
}

// Threshold returns the breach distance at the given touch price.
func (oc OrderControl) Threshold(touch, tick float64) float64 {
	return max(oc.BreachPct*touch, float64(oc.BreachTicks)*tick)
}

// BreachPx is the most aggressive price allowed for side: ask plus the
// threshold for a buy, bid minus the threshold for a sell.
func (oc OrderControl) BreachPx(side domain.Side, book domain.TopOfBook) (float64, bool) {
	if !book.Valid() {
		return 0, false
	}
	if side.IsBuy() {
		return book.Ask + oc.Threshold(book.Ask, book.TickSize), true
	}
	return book.Bid - oc.Threshold(book.Bid, book.TickSize), true
}

// Band returns the low/high price band a chore must sit within.
func (oc OrderControl) Band(book domain.TopOfBook) (low, high float64, ok bool) {
	if !book.Valid() {
		return 0, 0, false
	}
	low = book.Bid - oc.Threshold(book.Bid, book.TickSize)
	high = book.Ask + oc.Threshold(book.Ask, book.TickSize)
	return low, high, true
}

// InBand reports whether px sits within the breach band of book.
func (oc OrderControl) InBand(px float64, book domain.TopOfBook) bool {
	low, high, ok := oc.Band(book)
	return ok && px >= low && px <= high
}

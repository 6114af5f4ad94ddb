package basket

import (
	"math"

	"github.com/shopspring/decimal"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
)

const (
	// trackingOffsetTicks is how far inside the breach price a
	// market-tracking chore rests.
	trackingOffsetTicks = 100
	// maxSpreadFrac above which the book is treated as bad data.
	maxSpreadFrac = 0.01
	// noiseFrac of the tick threshold below which a price move is ignored.
	noiseFrac = 0.25
)

// GenerateAlgoMarketChorePrice returns the market-tracking price for side
// against book, or false when the existing price should be kept: the book
// is unusable, the spread is wider than 1% of the aggressive side, or the
// new price is within noise of existing. existing of zero means no price
// has been posted yet.
func GenerateAlgoMarketChorePrice(oc engine.OrderControl, side domain.Side, book domain.TopOfBook, existing float64) (float64, bool) {
	if !book.Valid() || book.TickSize <= 0 {
		return 0, false
	}
	aggressive := book.Bid
	if side.IsBuy() {
		aggressive = book.Ask
	}
	if book.Ask-book.Bid > maxSpreadFrac*aggressive {
		return 0, false
	}
	breach, ok := oc.BreachPx(side, book)
	if !ok {
		return 0, false
	}
	tickThreshold := trackingOffsetTicks * book.TickSize
	px := breach + tickThreshold
	if side.IsBuy() {
		px = breach - tickThreshold
	}
	if px <= 0 {
		return 0, false
	}
	if existing > 0 && math.Abs(px-existing) < noiseFrac*tickThreshold {
		return 0, false
	}
	return decimal.NewFromFloat(px).Round(3).InexactFloat64(), true
}

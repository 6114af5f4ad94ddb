package domain

import "time"

// BrokerStatus is the broker-neutral vocabulary adapters translate their
// native order states into.
type BrokerStatus string

const (
	BrokerPendingSubmit BrokerStatus = "PendingSubmit"
	BrokerPreSubmitted  BrokerStatus = "PreSubmitted"
	BrokerSubmitted     BrokerStatus = "Submitted"
	BrokerPendingCancel BrokerStatus = "PendingCancel"
	BrokerApiCancelled  BrokerStatus = "ApiCancelled"
	BrokerCancelled     BrokerStatus = "Cancelled"
	BrokerFilled        BrokerStatus = "Filled"
	BrokerInactive      BrokerStatus = "Inactive"
)

// IsTerminal reports whether the broker will not change the chore again.
func (s BrokerStatus) IsTerminal() bool {
	switch s {
	case BrokerApiCancelled, BrokerCancelled, BrokerFilled, BrokerInactive:
		return true
	}
	return false
}

// Barter is the broker-side view of a submitted chore plus its status.
type Barter struct {
	ID        string       `json:"id"`
	Security  SecurityRef  `json:"security"`
	Side      Side         `json:"side"`
	Account   string       `json:"account"`
	Exchange  string       `json:"exchange"`
	LimitPx   float64      `json:"limit_px"`
	TotalQty  int64        `json:"total_qty"`
	Status    BrokerStatus `json:"status"`
	Filled    int64        `json:"filled"`
	Remaining int64        `json:"remaining"`
	AvgFillPx float64      `json:"avg_fill_px"`
	WhyHeld   string       `json:"why_held,omitempty"`
	Text      []string     `json:"text,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Symbol returns the security's system id.
func (b Barter) Symbol() string { return b.Security.SystemID }

// CxlQty is the quantity the broker no longer works and did not fill.
func (b Barter) CxlQty() int64 {
	return max(0, b.TotalQty-b.Remaining-b.Filled)
}

// Brief renders the barter as the chore snapshot carried by ledger entries.
func (b Barter) Brief() ChoreBrief {
	return ChoreBrief{
		ChoreID:  b.ID,
		Security: b.Security,
		Side:     b.Side,
		Px:       b.LimitPx,
		Qty:      b.TotalQty,
		Notional: b.LimitPx * float64(b.TotalQty),
		Account:  b.Account,
		Exchange: b.Exchange,
		Text:     b.Text,
	}
}

// FillDetail is an execution as reported by the broker. Side is kept in the
// broker's own vocabulary until the engine maps it.
type FillDetail struct {
	ExecID string
	Side   string
	Px     float64
	Qty    int64
	Time   time.Time
}

// TopOfBook is the best bid/ask of a symbol plus its static tick size.
type TopOfBook struct {
	Symbol    string
	Bid       float64
	Ask       float64
	BidSize   int64
	AskSize   int64
	TickSize  float64
	UpdatedAt time.Time
}

// Valid reports whether both sides are quoted and not crossed.
func (t TopOfBook) Valid() bool {
	return t.Bid > 0 && t.Ask > 0 && t.Ask >= t.Bid
}

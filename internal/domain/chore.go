// Package domain defines the chore (order) lifecycle types shared by the
// broker adapters, the engine, the basket manager and the stores.
package domain

import (
	"strings"
	"time"
)

// Side is the direction of a chore.
type Side string

const (
	SideBuy       Side = "buy"
	SideSell      Side = "sell"
	SideShortSell Side = "sell_short"
)

// IsBuy reports whether the side adds to a position.
func (s Side) IsBuy() bool { return s == SideBuy }

// InstrumentType classifies the security a chore trades.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQT"
	InstrumentETF    InstrumentType = "ETF"
	InstrumentBond   InstrumentType = "CB"
)

// SecurityRef identifies a security by system id, id source and
// instrument type.
type SecurityRef struct {
	SystemID string         `json:"sec_id"`
	Source   string         `json:"sec_id_source"`
	InstType InstrumentType `json:"inst_type"`
}

// ChoreSubmitState tracks whether a managed chore has been sent to the
// broker. RETRY and PENDING may alternate; every other move is forward only.
type ChoreSubmitState string

const (
	SubmitPending ChoreSubmitState = "PENDING"
	SubmitDone    ChoreSubmitState = "DONE"
	SubmitRetry   ChoreSubmitState = "RETRY"
	SubmitNA      ChoreSubmitState = "NA"
)

// ChoreStatusType is the broker-observed lifecycle of a chore.
type ChoreStatusType string

const (
	StatusUnack            ChoreStatusType = "OE_UNACK"
	StatusAcked            ChoreStatusType = "OE_ACKED"
	StatusCxlUnack         ChoreStatusType = "OE_CXL_UNACK"
	StatusAmendUpUnacked   ChoreStatusType = "OE_AMD_UP_UNACKED"
	StatusAmendDownUnacked ChoreStatusType = "OE_AMD_DN_UNACKED"
	StatusDOD              ChoreStatusType = "OE_DOD"
	StatusFilled           ChoreStatusType = "OE_FILLED"
)

// IsTerminal reports whether no further lifecycle transition is possible.
func (s ChoreStatusType) IsTerminal() bool {
	return s == StatusDOD || s == StatusFilled
}

// IsActive reports whether the chore may still be live at the broker.
func (s ChoreStatusType) IsActive() bool {
	switch s {
	case StatusUnack, StatusAcked, StatusCxlUnack, StatusAmendUpUnacked, StatusAmendDownUnacked:
		return true
	}
	return false
}

// Chore is a single order intent owned by the basket manager until it
// reaches a terminal state.
type Chore struct {
	// Ref is the basket-assigned logical id; ID is assigned by the broker.
	Ref      string      `json:"ref"`
	ID       string      `json:"chore_id,omitempty"`
	Security SecurityRef `json:"security"`
	Side     Side        `json:"side"`
	// Px of zero means the price is generated from the book.
	Px          float64          `json:"px,omitempty"`
	Qty         int64            `json:"qty"`
	Account     string           `json:"account"`
	Exchange    string           `json:"exchange"`
	SubmitState ChoreSubmitState `json:"submit_state"`
	Text        []string         `json:"text,omitempty"`

	PendingAmendQty int64   `json:"pending_amend_qty,omitempty"`
	PendingAmendPx  float64 `json:"pending_amend_px,omitempty"`
	PendingCxl      bool    `json:"pending_cxl,omitempty"`

	Algo           string `json:"algo,omitempty"`
	MarketTracking bool   `json:"market_tracking,omitempty"`

	AddedAt       time.Time `json:"added_at"`
	DeferredSince time.Time `json:"deferred_since,omitempty"`
	SubmitRetries int       `json:"submit_retries,omitempty"`
	CxlIssued     bool      `json:"cxl_issued,omitempty"`
}

// Symbol returns the security's system id.
func (c *Chore) Symbol() string { return c.Security.SystemID }

// Notional is Px × Qty.
func (c *Chore) Notional() float64 { return c.Px * float64(c.Qty) }

// HasPendingAmend reports whether a price or quantity change is queued.
func (c *Chore) HasPendingAmend() bool {
	return c.PendingAmendQty != 0 || c.PendingAmendPx != 0
}

// ClearPendingAmend drops any queued amendment.
func (c *Chore) ClearPendingAmend() {
	c.PendingAmendQty = 0
	c.PendingAmendPx = 0
}

// AddText appends a free-text annotation.
func (c *Chore) AddText(s string) {
	if s = strings.TrimSpace(s); s != "" {
		c.Text = append(c.Text, s)
	}
}

// LogicalID is the key used to detect duplicate chore objects.
func (c *Chore) LogicalID() string {
	if c.Ref != "" {
		return c.Ref
	}
	return c.ID
}

// ChoreSpec is what a broker adapter needs to submit a chore.
type ChoreSpec struct {
	ClientRef string
	Security  SecurityRef
	Side      Side
	Px        float64 // zero submits a market chore
	Qty       int64
	Account   string
	Exchange  string
	Text      []string
}

// IsMarket reports whether the spec carries no limit price.
func (s ChoreSpec) IsMarket() bool { return s.Px == 0 }

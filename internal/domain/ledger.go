package domain

import "time"

// ChoreEventType is the append-only ledger vocabulary.
type ChoreEventType string

const (
	EventNew    ChoreEventType = "OE_NEW"
	EventAck    ChoreEventType = "OE_ACK"
	EventCxl    ChoreEventType = "OE_CXL"
	EventCxlAck ChoreEventType = "OE_CXL_ACK"
	EventLapse  ChoreEventType = "OE_LAPSE"
	EventBrkRej ChoreEventType = "OE_BRK_REJ"
)

// IsTerminal reports whether the event closes the chore.
func (e ChoreEventType) IsTerminal() bool {
	return e == EventCxlAck || e == EventLapse || e == EventBrkRej
}

// ChoreBrief is the chore as it looked when a ledger entry was written.
type ChoreBrief struct {
	ChoreID  string      `json:"chore_id"`
	Security SecurityRef `json:"security"`
	Side     Side        `json:"side"`
	Px       float64     `json:"px"`
	Qty      int64       `json:"qty"`
	Notional float64     `json:"notional"`
	Account  string      `json:"account"`
	Exchange string      `json:"exchange"`
	Text     []string    `json:"text,omitempty"`
}

// ChoreLedger is one immutable chore event.
type ChoreLedger struct {
	ID        int64          `json:"id,omitempty"`
	Chore     ChoreBrief     `json:"chore"`
	EventTime time.Time      `json:"event_time"`
	Event     ChoreEventType `json:"event"`
}

// FillLedger is one immutable execution report.
type FillLedger struct {
	ID           int64     `json:"id,omitempty"`
	ChoreID      string    `json:"chore_id"`
	FillID       string    `json:"fill_id"`
	Px           float64   `json:"px"`
	Qty          int64     `json:"qty"`
	Notional     float64   `json:"notional"`
	Symbol       string    `json:"symbol"`
	Side         Side      `json:"side"`
	Account      string    `json:"account"`
	FillTime     time.Time `json:"fill_time"`
	CumFilledQty int64     `json:"cum_filled_qty"`
}

// ChoreSnapshot is the persisted fold of a chore's ledger.
type ChoreSnapshot struct {
	Chore             ChoreBrief      `json:"chore"`
	Status            ChoreStatusType `json:"status"`
	FilledQty         int64           `json:"filled_qty"`
	AvgFillPx         float64         `json:"avg_fill_px"`
	FillNotional      float64         `json:"fill_notional"`
	LastUpdateFillQty int64           `json:"last_update_fill_qty"`
	LastUpdateFillPx  float64         `json:"last_update_fill_px"`
	CxlQty            int64           `json:"cxl_qty"`
	AvgCxlPx          float64         `json:"avg_cxl_px"`
	CxlNotional       float64         `json:"cxl_notional"`
	CreateTime        time.Time       `json:"create_time"`
	LastUpdateTime    time.Time       `json:"last_update_time"`
}

// ChoreSnapshotPatch carries only the snapshot fields that changed.
type ChoreSnapshotPatch struct {
	ChoreID        string           `json:"chore_id"`
	Status         *ChoreStatusType `json:"status,omitempty"`
	FilledQty      *int64           `json:"filled_qty,omitempty"`
	AvgFillPx      *float64         `json:"avg_fill_px,omitempty"`
	FillNotional   *float64         `json:"fill_notional,omitempty"`
	Qty            *int64           `json:"qty,omitempty"`
	Px             *float64         `json:"px,omitempty"`
	CxlQty         *int64           `json:"cxl_qty,omitempty"`
	CxlNotional    *float64         `json:"cxl_notional,omitempty"`
	AvgCxlPx       *float64         `json:"avg_cxl_px,omitempty"`
	LastUpdateTime time.Time        `json:"last_update_time"`
}

// Empty reports whether the patch changes nothing.
func (p ChoreSnapshotPatch) Empty() bool {
	return p.Status == nil && p.FilledQty == nil && p.AvgFillPx == nil &&
		p.FillNotional == nil && p.Qty == nil && p.Px == nil &&
		p.CxlQty == nil && p.CxlNotional == nil && p.AvgCxlPx == nil
}

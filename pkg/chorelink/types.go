package chorelink

// PlaceRequest describes a chore for direct placement or for the managed
// basket. A zero Px in the basket asks for a market-tracking price.
type PlaceRequest struct {
	Ref      string   `json:"ref,omitempty"`
	Symbol   string   `json:"symbol"`
	Source   string   `json:"sec_id_source,omitempty"`
	InstType string   `json:"inst_type,omitempty"`
	Side     string   `json:"side"`
	Px       float64  `json:"px"`
	Qty      int64    `json:"qty"`
	Account  string   `json:"account,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Text     []string `json:"text,omitempty"`
}

// AmendRequest changes price and/or quantity. Nil fields are left as is.
type AmendRequest struct {
	Px  *float64 `json:"px,omitempty"`
	Qty *int64   `json:"qty,omitempty"`
}

// PlaceResponse carries the broker chore id.
type PlaceResponse struct {
	ChoreID string `json:"chore_id"`
}

// BasketResponse carries the basket's logical id for an added chore.
type BasketResponse struct {
	Ref string `json:"ref"`
}

// ChoreStatus is the engine's view of one chore.
type ChoreStatus struct {
	ChoreID   string  `json:"chore_id"`
	Status    string  `json:"status"`
	Text      string  `json:"text,omitempty"`
	FilledQty int64   `json:"filled_qty"`
	Px        float64 `json:"px"`
	Qty       int64   `json:"qty"`
}

// BasketChore is a chore held by the basket manager.
type BasketChore struct {
	Ref            string   `json:"ref"`
	ChoreID        string   `json:"chore_id,omitempty"`
	Symbol         string   `json:"symbol"`
	Side           string   `json:"side"`
	Px             float64  `json:"px"`
	Qty            int64    `json:"qty"`
	SubmitState    string   `json:"submit_state"`
	MarketTracking bool     `json:"market_tracking,omitempty"`
	PendingCxl     bool     `json:"pending_cxl,omitempty"`
	Text           []string `json:"text,omitempty"`
}

// OpenChores lists chore ids the engine still considers live.
type OpenChores struct {
	IDs []string `json:"ids"`
}

// BatchCancelRequest names the chores to cancel; empty cancels every open
// chore.
type BatchCancelRequest struct {
	IDs []string `json:"ids,omitempty"`
}

// BatchCancelResult counts the outcome of a mass cancel.
type BatchCancelResult struct {
	Requested int `json:"requested"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// State is the trader's processing phase and kill-switch flag.
type State struct {
	Phase  string `json:"phase"`
	Killed bool   `json:"killed"`
}

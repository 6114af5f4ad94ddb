package domain

// BrokerEvent is a push event produced by a broker adapter. The concrete
// variants are StatusUpdate, Execution, BrokerError and Disconnected.
type BrokerEvent interface {
	brokerEvent()
}

// StatusUpdate reports a change in a chore's broker status.
type StatusUpdate struct {
	Barter Barter
}

// Execution reports a fill against a chore. Barter is the status snapshot
// at the time of the fill.
type Execution struct {
	Barter Barter
	Fill   FillDetail
}

// BrokerError reports an error the broker associated with a request id.
// The id may be a chore id or an unrelated request (e.g. market data).
type BrokerError struct {
	RequestID string
	Code      int
	Message   string
	Symbol    string
}

// Disconnected reports that the broker connection dropped.
type Disconnected struct {
	Reason string
}

func (StatusUpdate) brokerEvent() {}
func (Execution) brokerEvent()    {}
func (BrokerError) brokerEvent()  {}
func (Disconnected) brokerEvent() {}

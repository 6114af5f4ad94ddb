package domain

import "strings"

// MapResult tells whether a vocabulary mapping produced a value, was
// deliberately suppressed, or fell outside the known vocabulary.
type MapResult int

const (
	Unmapped MapResult = iota
	Mapped
	Suppressed
)

func (r MapResult) String() string {
	switch r {
	case Mapped:
		return "mapped"
	case Suppressed:
		return "suppressed"
	}
	return "unmapped"
}

// EventForStatus maps a broker status to the ledger event a status change
// produces. Filled is Suppressed: fills are reported only through
// executions.
func EventForStatus(s BrokerStatus) (ChoreEventType, MapResult) {
	switch s {
	case BrokerPendingSubmit:
		return EventNew, Mapped
	case BrokerPreSubmitted, BrokerSubmitted:
		return EventAck, Mapped
	case BrokerPendingCancel:
		return EventCxl, Mapped
	case BrokerApiCancelled, BrokerCancelled:
		return EventCxlAck, Mapped
	case BrokerInactive:
		return EventLapse, Mapped
	case BrokerFilled:
		return "", Suppressed
	}
	return "", Unmapped
}

// ChoreStatusFor maps a broker status to the persisted lifecycle status.
func ChoreStatusFor(s BrokerStatus) (ChoreStatusType, MapResult) {
	switch s {
	case BrokerPendingSubmit:
		return StatusUnack, Mapped
	case BrokerPreSubmitted, BrokerSubmitted:
		return StatusAcked, Mapped
	case BrokerPendingCancel:
		return StatusCxlUnack, Mapped
	case BrokerApiCancelled, BrokerCancelled, BrokerInactive:
		return StatusDOD, Mapped
	case BrokerFilled:
		return StatusFilled, Mapped
	}
	return "", Unmapped
}

// MapFillSide translates a broker-native execution side. There is no
// default: an unknown side is Unmapped.
func MapFillSide(native string) (Side, MapResult) {
	switch strings.ToUpper(strings.TrimSpace(native)) {
	case "BOT", "BUY", "B":
		return SideBuy, Mapped
	case "SLD", "SELL", "S":
		return SideSell, Mapped
	case "SSHORT", "SELL_SHORT", "SS":
		return SideShortSell, Mapped
	}
	return "", Unmapped
}

// StatusForEvent is the status a snapshot folds to after a ledger event.
func StatusForEvent(e ChoreEventType) (ChoreStatusType, MapResult) {
	switch e {
	case EventNew:
		return StatusUnack, Mapped
	case EventAck:
		return StatusAcked, Mapped
	case EventCxl:
		return StatusCxlUnack, Mapped
	case EventCxlAck, EventLapse, EventBrkRej:
		return StatusDOD, Mapped
	}
	return "", Unmapped
}

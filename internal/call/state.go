package call

// State is the single authoritative call status exposed to the UI.
type State int

const (
	StateConnecting State = iota
	StateOngoing
	StateEnded
	StateRejected
	StateUnanswered
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOngoing:
		return "ongoing"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateUnanswered:
		return "unanswered"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s != StateConnecting && s != StateOngoing
}

// canTransition encodes the state machine: Connecting reaches Ongoing or any
// of the alternate terminals; Ongoing only reaches Ended.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StateConnecting:
		return to == StateOngoing || to == StateRejected || to == StateUnanswered || to == StateError
	case StateOngoing:
		return to == StateEnded
	}
	return false
}

// Direction distinguishes who dialed.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

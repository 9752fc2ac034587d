package tracking

// State is the delivery pipeline state.
type State int

const (
	Idle State = iota
	Reading
	ResolvingCell
	Sending
	Deleting
	WaitingRetry
	WaitingNetwork
)

var stateNames = [...]string{
	Idle:           "IDLE",
	Reading:        "READING",
	ResolvingCell:  "RESOLVING_CELL",
	Sending:        "SENDING",
	Deleting:       "DELETING",
	WaitingRetry:   "WAITING_RETRY",
	WaitingNetwork: "WAITING_NETWORK",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText lets State appear by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

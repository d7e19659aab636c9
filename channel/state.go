package channel

// State is the connection state of a Channel
type State int

const (
	// Disconnected is the initial and final state; a dropped connection returns here
	// before the next reconnect attempt.
	Disconnected State = iota
	// Connecting means a dial is in progress
	Connecting
	// Connected means the socket is open and writable
	Connected
)

var allStates = []State{Disconnected, Connecting, Connected}

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

package mqtt

// State is the broker connection state.
type State int32

const (
	// Disconnected means no session is established. This is the
	// initial state and the state after Stop.
	Disconnected State = iota
	// Connecting means a connection attempt is in progress or autopaho
	// is retrying after a failure.
	Connecting
	// Connected means the broker accepted the session and publishes
	// can be delivered.
	Connected
)

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

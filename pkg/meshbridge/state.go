package meshbridge

// ConnectionState describes the lifecycle of a transport channel. It advances
// monotonically from Disconnected to Ready and resets to Disconnected on any
// failure.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateReady means the configuration handshake finished, not merely that
	// the physical link came up.
	StateReady
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

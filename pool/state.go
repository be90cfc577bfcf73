package pool

// State is the lifecycle state of a managed server process.
type State int

const (
	// StateStopped means no process exists for the descriptor.
	StateStopped State = iota
	// StateStarting means the process is spawned and the MCP handshake is in
	// flight.
	StateStarting
	// StateReady means the handshake completed; the process receives
	// dispatched calls and its tools are registered.
	StateReady
	// StateUnhealthy means a health probe failed; the process's tools are
	// removed and one grace probe decides between ready and restarting.
	StateUnhealthy
	// StateRestarting means the process is being torn down and will be
	// respawned after a backoff delay.
	StateRestarting
	// StateFatal means the restart budget is exhausted; the descriptor stays
	// down until an operator reset.
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateRestarting:
		return "restarting"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

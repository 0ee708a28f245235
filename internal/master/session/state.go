package session

// State of one node connection. Transitions only move forward:
// Connecting → Welcomed → Active → Closed.
type State int32

const (
	StateConnecting State = iota
	StateWelcomed
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWelcomed:
		return "welcomed"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

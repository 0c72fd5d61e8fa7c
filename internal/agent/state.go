package agent

import "fmt"

// State is the terminal connection state as seen by the agent.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the link is up (or coming back) but streamed
	// quotes cannot be trusted until every stream is re-subscribed.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDegraded:
		return "DEGRADED"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

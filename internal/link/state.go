package link

import "fmt"

// State is the role a Manager is currently playing.
type State int32

const (
	// StateNone means the manager is idle: nothing listens, nothing is connected.
	StateNone State = iota
	// StateListen means an inbound listener is running.
	StateListen
	// StateConnecting means an outbound dial is in flight.
	StateConnecting
	// StateConnected means exactly one stream is established.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateListen:
		return "listen"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

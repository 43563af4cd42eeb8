package holepunch

import (
	"fmt"
	"net"
	"time"
)

// State is the connection state of an Engine.
type State int

const (
	Idle State = iota
	Testing
	Punching
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Testing:
		return "Testing"
	case Punching:
		return "Punching"
	case Connected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is delivered to subscribers on every transition.
type StateChange struct {
	From State
	To   State
	Peer *net.UDPAddr
	At   time.Time
}

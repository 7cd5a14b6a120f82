package node

import "fmt"

// ConnState represents the state of a peer connection
type ConnState int

const (
	// StateIdle is the initial state of a connection record
	StateIdle ConnState = iota
	// StateConnecting indicates an outbound transport connect in progress
	StateConnecting
	// StateConnected indicates the transport is up and capability exchange
	// is in progress
	StateConnected
	// StateUp indicates capabilities were exchanged and the peer is usable
	StateUp
	// StateClosing indicates a disconnect-peer exchange is in progress
	StateClosing
	// StateClosed is terminal
	StateClosed
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateUp:
		return "UP"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsActive returns true if application messages may be sent in this state
func (s ConnState) IsActive() bool {
	return s == StateUp
}

// IsLive returns true for every state but Closed
func (s ConnState) IsLive() bool {
	return s != StateClosed
}

package node

import (
	"fmt"
	"time"
)

// ErrInvalidSetting represents a settings validation error
type ErrInvalidSetting struct {
	Field  string
	Reason string
}

func (e ErrInvalidSetting) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Reason)
}

// ErrStaleConnection indicates the connection key no longer designates a
// live connection.
type ErrStaleConnection struct {
	Key ConnectionKey
}

func (e ErrStaleConnection) Error() string {
	return fmt.Sprintf("connection %s is stale", e.Key)
}

// ErrNotRoutable indicates no eligible connection exists for a request.
type ErrNotRoutable struct {
	Reason string
}

func (e ErrNotRoutable) Error() string {
	return fmt.Sprintf("not routable: %s", e.Reason)
}

// ErrNotARequest indicates a message without the request flag was passed
// where a request is required.
type ErrNotARequest struct {
	CommandCode uint32
}

func (e ErrNotARequest) Error() string {
	return fmt.Sprintf("command %d is not a request", e.CommandCode)
}

// ErrNotAnAnswer indicates a request was passed where an answer is required.
type ErrNotAnAnswer struct {
	CommandCode uint32
}

func (e ErrNotAnAnswer) Error() string {
	return fmt.Sprintf("command %d is not an answer", e.CommandCode)
}

// ErrNotProxiable indicates a forwarded request lacks the proxiable flag.
type ErrNotProxiable struct {
	CommandCode uint32
}

func (e ErrNotProxiable) Error() string {
	return fmt.Sprintf("command %d is not proxiable", e.CommandCode)
}

// ErrLoopDetected indicates a forwarded request already passed through this
// node.
type ErrLoopDetected struct {
	HostID string
}

func (e ErrLoopDetected) Error() string {
	return fmt.Sprintf("routing loop detected: %s already in Route-Record", e.HostID)
}

// ErrUnsupportedURI indicates a peer URI that cannot be parsed or used.
type ErrUnsupportedURI struct {
	URI    string
	Reason string
}

func (e ErrUnsupportedURI) Error() string {
	return fmt.Sprintf("unsupported peer URI %q: %s", e.URI, e.Reason)
}

// ErrNodeStopped indicates the node is not running or is draining.
type ErrNodeStopped struct{}

func (e ErrNodeStopped) Error() string {
	return "node is stopped"
}

// ErrNoAnswer indicates a request ended without an answer, because its
// deadline passed or its connection closed.
type ErrNoAnswer struct {
	CommandCode uint32
	Timeout     time.Duration
}

func (e ErrNoAnswer) Error() string {
	return fmt.Sprintf("no answer to command %d within %s", e.CommandCode, e.Timeout)
}

package node

import (
	"math/rand/v2"
	"net"
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/pkg/logger"
)

// transport is what a driver provides for one established connection.
type transport interface {
	// send writes complete encoded messages, blocking until done.
	send(msgs [][]byte) error
	// close shuts the transport; reset aborts instead of closing gracefully.
	close(reset bool) error
	// readLoop reads until the transport fails and posts events to l.
	readLoop(l *loop, c *Connection)
	localAddr() net.Addr
	remoteAddr() net.Addr
	// localAddresses are advertised as Host-IP-Address.
	localAddresses() []net.IP
	// authInfo is handed to Validator.Authenticate.
	authInfo() any
	protocol() TransportProtocol
}

// Connection is one peer connection. All fields except in are guarded by
// Node.mu; in is only touched by the owning driver loop.
type Connection struct {
	key        ConnectionKey
	drv        driver
	t          transport
	state      ConnState
	inbound    bool
	target     *Peer // outbound destination
	persistent bool
	peer       *Peer // negotiated, set when Up
	announced  bool  // listener was told the connection is up

	in          inputBuffer
	out         outputBuffer
	writeSignal chan struct{}
	done        chan struct{}
	flushClose  bool

	hopByHop    uint32
	peerStateID uint32

	lastActivity     time.Time
	lastAppActivity  time.Time
	watchdogPending  bool
	watchdogDeadline time.Time
	ceaDeadline      time.Time
	closingDeadline  time.Time
	dprSent          bool

	log logger.Logger
}

func newConnection(drv driver, inbound bool) *Connection {
	key := newConnectionKey()
	now := time.Now()
	return &Connection{
		key:             key,
		drv:             drv,
		inbound:         inbound,
		state:           StateIdle,
		writeSignal:     make(chan struct{}, 1),
		done:            make(chan struct{}),
		hopByHop:        rand.Uint32(),
		lastActivity:    now,
		lastAppActivity: now,
		log:             logger.WithFields("conn", key.String(), "transport", drv.protocol().String(), "inbound", inbound),
	}
}

// Key returns the connection key.
func (c *Connection) Key() ConnectionKey {
	return c.key
}

func (c *Connection) nextHopByHop() uint32 {
	c.hopByHop++
	return c.hopByHop
}

// hostID is the peer identity learned so far: the negotiated one once Up,
// the configured target for outbound connections before that.
func (c *Connection) hostID() string {
	if c.peer != nil {
		return c.peer.Host
	}
	if c.target != nil {
		return c.target.Host
	}
	return ""
}

// queue appends an encoded message to the output and wakes the writer.
func (c *Connection) queue(b []byte) {
	c.out.push(b)
	c.signal()
}

func (c *Connection) signal() {
	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// isBaseCommand reports the commands handled by the connection itself.
func isBaseCommand(code uint32) bool {
	switch code {
	case diam.CommandCapabilitiesExchange, diam.CommandDeviceWatchdog, diam.CommandDisconnectPeer:
		return true
	}
	return false
}

// headerInfo reads command code and request flag from an encoded message.
func headerInfo(b []byte) (uint32, bool) {
	if len(b) < diam.HeaderLength {
		return 0, false
	}
	code := uint32(b[5])<<16 | uint32(b[6])<<8 | uint32(b[7])
	return code, b[4]&diam.FlagRequest != 0
}

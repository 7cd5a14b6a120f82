// Package node implements a Diameter peer: connection state machine,
// transport drivers, capability and watchdog exchanges, and request/answer
// correlation with relay forwarding.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/pkg/logger"
	"github.com/hsdfat8/diam-node/pkg/metrics"
	"github.com/hsdfat8/diam-node/pkg/pcap"
)

// MessageDispatcher receives every message not consumed by the base
// protocol. The peer is read-only.
type MessageDispatcher interface {
	HandleMessage(msg *diam.Message, key ConnectionKey, peer *Peer)
}

// ConnectionListener is told when a connection comes up and when an up
// connection goes away.
type ConnectionListener interface {
	HandleConnection(key ConnectionKey, peer *Peer, up bool)
}

// correlator is the request bookkeeping layered on a Node. Methods are
// called with Node.mu held.
type correlator interface {
	nextDeadlineLocked() time.Time
	expireLocked(now time.Time)
	connectionClosedLocked(c *Connection)
}

// Node owns the connection table and the transport drivers.
type Node struct {
	settings   *Settings
	validator  Validator
	dispatcher MessageDispatcher
	listener   ConnectionListener
	correlator correlator
	log        logger.Logger

	mu           sync.Mutex
	deferred     []func()
	state        *nodeState
	conns        map[ConnectionKey]*Connection
	persistent   map[string]*Peer
	drivers      map[TransportProtocol]driver
	started      bool
	draining     bool
	stopDeadline time.Time
	upSignal     chan struct{}

	trace    *pcap.Writer
	sent     *metrics.MessageTypeMetrics
	received *metrics.MessageTypeMetrics

	group       errgroup.Group
	releaseOnce sync.Once
	releaseErr  error
}

// NewNode creates a node. A nil validator means DefaultValidator; a nil
// dispatcher answers every application request with 3001.
func NewNode(settings *Settings, validator Validator, dispatcher MessageDispatcher, listener ConnectionListener) (*Node, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		validator = DefaultValidator{}
	}
	return &Node{
		settings:   settings,
		validator:  validator,
		dispatcher: dispatcher,
		listener:   listener,
		log:        logger.WithFields("node", settings.HostID),
		state:      newNodeState(time.Now()),
		conns:      make(map[ConnectionKey]*Connection),
		persistent: make(map[string]*Peer),
		drivers:    make(map[TransportProtocol]driver),
		upSignal:   make(chan struct{}),
		sent:       metrics.NewMessageTypeMetrics(),
		received:   metrics.NewMessageTypeMetrics(),
	}, nil
}

// later queues f to run once the lock is released. Callers hold n.mu.
func (n *Node) later(f func()) {
	n.deferred = append(n.deferred, f)
}

// unlock releases n.mu and runs the work queued with later, in order.
func (n *Node) unlock() {
	fns := n.deferred
	n.deferred = nil
	n.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// Settings returns the node settings. They must not be modified.
func (n *Node) Settings() *Settings {
	return n.settings
}

// Start binds the enabled transports and starts their loops.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.unlock()
	if n.started {
		return fmt.Errorf("node %s already started", n.settings.HostID)
	}

	metrics.RegisterMetrics()

	if n.settings.TraceFile != "" {
		w, err := pcap.Create(n.settings.TraceFile)
		if err != nil {
			return err
		}
		n.trace = w
	}

	var drivers []driver
	if n.settings.UseTCP {
		drivers = append(drivers, newTCPDriver(n))
	}
	if n.settings.UseSCTP {
		drivers = append(drivers, newSCTPDriver(n))
	}
	for i, d := range drivers {
		if err := d.listen(); err != nil {
			for _, started := range drivers[:i] {
				started.stopAccepting()
			}
			if n.trace != nil {
				n.trace.Close()
				n.trace = nil
			}
			return fmt.Errorf("failed to start %s driver: %w", d.protocol(), err)
		}
		if addr := d.listenAddr(); addr != nil {
			n.log.Infow("Listening", "transport", d.protocol().String(), "address", addr.String())
		}
	}
	for _, d := range drivers {
		n.drivers[d.protocol()] = d
		n.group.Go(d.eventLoop().run)
	}
	n.started = true
	n.log.Infow("Node started", "realm", n.settings.Realm, "state_id", n.state.stateID)
	return nil
}

// InitiateStop starts draining: listeners close, up connections are sent a
// DPR and the others closed. Loops exit once no connection remains or the
// deadline passes, at which point remaining connections are closed.
func (n *Node) InitiateStop(deadline time.Time) {
	n.mu.Lock()
	defer n.unlock()
	if !n.started || n.draining {
		return
	}
	n.draining = true
	n.stopDeadline = deadline
	n.log.Infow("Stopping node", "deadline", deadline)

	now := time.Now()
	for _, c := range n.conns {
		switch c.state {
		case StateUp:
			n.sendDPRLocked(c, diam.DisconnectCauseRebooting, now)
		case StateClosing:
		default:
			n.closeLocked(c, "node stopping", false, nil)
		}
	}
	for _, d := range n.drivers {
		d.eventLoop().wakeup()
	}
}

// Wait blocks until every driver loop has exited, then releases the
// remaining resources.
func (n *Node) Wait() error {
	err := n.group.Wait()
	n.releaseOnce.Do(func() {
		n.mu.Lock()
		var errs error
		for _, d := range n.drivers {
			errs = multierr.Append(errs, d.stopAccepting())
		}
		if n.trace != nil {
			errs = multierr.Append(errs, n.trace.Close())
		}
		n.unlock()
		n.releaseErr = errs
	})
	return multierr.Append(err, n.releaseErr)
}

// Stop drains for at most grace and waits for the loops to exit.
func (n *Node) Stop(grace time.Duration) error {
	n.InitiateStop(time.Now().Add(grace))
	return n.Wait()
}

// InitiateConnection starts an outbound connection to p. It returns false
// when a connection to the same host already exists, the transport is not
// enabled or the node is not running. A persistent peer is recorded for the
// reconnection policy; the node itself never reconnects.
func (n *Node) InitiateConnection(p *Peer, persistent bool) bool {
	n.mu.Lock()
	defer n.unlock()
	if !n.started || n.draining {
		return false
	}
	if persistent {
		n.persistent[hostKey(p.Host)] = p.Clone()
	}
	for _, c := range n.conns {
		if sameHost(c.hostID(), p.Host) {
			return false
		}
	}
	drv, ok := n.drivers[p.Transport]
	if !ok {
		n.log.Warnw("Cannot connect, transport not enabled", "peer", p.String())
		return false
	}

	c := newConnection(drv, false)
	c.target = p.Clone()
	c.persistent = persistent
	n.conns[c.key] = c
	n.setStateLocked(c, StateConnecting)
	c.log.Infow("Connecting", "peer", p.String())

	target := p.Clone()
	n.later(func() { drv.connect(c, target) })
	return true
}

// PersistentPeers returns the peers marked persistent.
func (n *Node) PersistentPeers() []*Peer {
	n.mu.Lock()
	defer n.unlock()
	peers := make([]*Peer, 0, len(n.persistent))
	for _, p := range n.persistent {
		peers = append(peers, p.Clone())
	}
	return peers
}

// FindConnection returns the key of the up connection to p.
func (n *Node) FindConnection(p *Peer) (ConnectionKey, bool) {
	n.mu.Lock()
	defer n.unlock()
	if c := n.findUpLocked(p.Host, nil); c != nil {
		return c.key, true
	}
	return 0, false
}

// IsConnectionKeyValid reports whether key designates a live connection.
func (n *Node) IsConnectionKeyValid(key ConnectionKey) bool {
	n.mu.Lock()
	defer n.unlock()
	_, ok := n.conns[key]
	return ok
}

// ConnectionKeyToPeer returns the negotiated peer of an up connection.
func (n *Node) ConnectionKeyToPeer(key ConnectionKey) (*Peer, bool) {
	n.mu.Lock()
	defer n.unlock()
	c, ok := n.conns[key]
	if !ok || c.peer == nil {
		return nil, false
	}
	return c.peer.Clone(), true
}

// SendMessage queues msg on the connection. Requests need an up
// connection; answers may also go out while it is closing.
func (n *Node) SendMessage(msg *diam.Message, key ConnectionKey) error {
	n.mu.Lock()
	defer n.unlock()
	c, err := n.sendableLocked(key, msg.IsRequest())
	if err != nil {
		return err
	}
	n.sendLocked(c, msg)
	return nil
}

// CloseConnection closes the connection at once, discarding queued output.
func (n *Node) CloseConnection(key ConnectionKey) {
	n.mu.Lock()
	defer n.unlock()
	if c, ok := n.conns[key]; ok {
		n.closeLocked(c, "closed by application", false, nil)
	}
}

// WaitForConnection blocks until at least one connection is up.
func (n *Node) WaitForConnection(ctx context.Context) error {
	for {
		n.mu.Lock()
		for _, c := range n.conns {
			if c.state == StateUp {
				n.unlock()
				return nil
			}
		}
		ch := n.upSignal
		n.unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// NextEndToEndIdentifier returns a fresh end-to-end identifier.
func (n *Node) NextEndToEndIdentifier() uint32 {
	n.mu.Lock()
	defer n.unlock()
	return n.state.nextEndToEnd()
}

// MakeNewSessionID returns "<host>;<high>;<low>[;<optional>]".
func (n *Node) MakeNewSessionID(optional ...string) string {
	n.mu.Lock()
	id := n.settings.HostID + ";" + n.state.nextSessionSuffix()
	n.unlock()
	for _, o := range optional {
		if o != "" {
			id += ";" + o
		}
	}
	return id
}

// StateID is the Origin-State-Id advertised by this node.
func (n *Node) StateID() uint32 {
	n.mu.Lock()
	defer n.unlock()
	return n.state.stateID
}

// ListenAddr returns the bound address of a transport, or nil.
func (n *Node) ListenAddr(p TransportProtocol) net.Addr {
	n.mu.Lock()
	defer n.unlock()
	if d, ok := n.drivers[p]; ok {
		return d.listenAddr()
	}
	return nil
}

// Stats is a snapshot of the node.
type Stats struct {
	Connections      map[ConnState]int
	MessagesSent     map[uint32]uint64
	MessagesReceived map[uint32]uint64
}

// Stats returns connection counts per state and message counts per command.
func (n *Node) Stats() Stats {
	n.mu.Lock()
	counts := make(map[ConnState]int)
	for _, c := range n.conns {
		counts[c.state]++
	}
	n.unlock()
	return Stats{
		Connections:      counts,
		MessagesSent:     n.sent.GetAll(),
		MessagesReceived: n.received.GetAll(),
	}
}

// MessageMetrics returns the per-command counters of each direction.
func (n *Node) MessageMetrics() (sent, received *metrics.MessageTypeMetrics) {
	return n.sent, n.received
}

func (n *Node) sendableLocked(key ConnectionKey, request bool) (*Connection, error) {
	c, ok := n.conns[key]
	if !ok {
		return nil, ErrStaleConnection{Key: key}
	}
	if c.state.IsActive() || (c.state == StateClosing && !request) {
		return c, nil
	}
	return nil, ErrStaleConnection{Key: key}
}

// sendLocked encodes msg and queues it on c. Encoding copies the message.
func (n *Node) sendLocked(c *Connection, msg *diam.Message) {
	if !isBaseCommand(msg.CommandCode) {
		c.lastAppActivity = time.Now()
	}
	c.queue(msg.Encode())
}

func (n *Node) setStateLocked(c *Connection, s ConnState) {
	old := c.state
	if old == s {
		return
	}
	c.state = s
	c.log.Debugw("State transition", "old_state", old.String(), "new_state", s.String())
	metrics.RecordTransition(c.drv.protocol().String(), s.String())
}

func (n *Node) findUpLocked(host string, except *Connection) *Connection {
	for _, c := range n.conns {
		if c != except && c.state == StateUp && sameHost(c.peer.Host, host) {
			return c
		}
	}
	return nil
}

// loopFinishedLocked reports whether l may exit: the node is draining and
// none of the loop's connections remain.
func (n *Node) loopFinishedLocked(l *loop) bool {
	if !n.draining {
		return false
	}
	for _, c := range n.conns {
		if c.drv == l.drv {
			return false
		}
	}
	return true
}

// registerInboundConnection adds an accepted transport to the table and
// arms the CER deadline.
func (n *Node) registerInboundConnection(drv driver, t transport) {
	n.mu.Lock()
	defer n.unlock()
	if n.draining {
		n.later(func() { t.close(false) })
		return
	}
	c := newConnection(drv, true)
	c.t = t
	n.conns[c.key] = c
	n.setStateLocked(c, StateConnected)
	c.ceaDeadline = time.Now().Add(n.settings.CEATimeout)
	n.noteDeadlineLocked(c.ceaDeadline)
	n.startIOLocked(c)
	c.log.Infow("Accepted connection", "remote", t.remoteAddr().String())
}

func (n *Node) handleConnected(c *Connection, t transport) {
	n.mu.Lock()
	defer n.unlock()
	if c.state != StateConnecting {
		n.later(func() { t.close(false) })
		return
	}
	c.t = t
	n.setStateLocked(c, StateConnected)
	c.ceaDeadline = time.Now().Add(n.settings.CEATimeout)
	n.noteDeadlineLocked(c.ceaDeadline)
	n.startIOLocked(c)
	n.sendLocked(c, n.capabilitiesRequestLocked(c))
	c.log.Infow("Transport connected, sent CER", "remote", t.remoteAddr().String())
}

func (n *Node) handleConnectFailed(c *Connection, err error) {
	n.mu.Lock()
	defer n.unlock()
	if c.state != StateConnecting {
		return
	}
	c.log.Warnw("Connect failed", "peer", c.target.String(), "error", err)
	n.closeLocked(c, "connect failed", false, nil)
}

func (n *Node) handleTransportClosed(c *Connection, err error) {
	n.mu.Lock()
	defer n.unlock()
	if c.state == StateClosed {
		return
	}
	reason := "transport closed"
	if err != nil {
		reason = fmt.Sprintf("transport closed: %v", err)
	}
	n.closeLocked(c, reason, false, nil)
}

// startIOLocked starts the reader and the writer of c's transport.
func (n *Node) startIOLocked(c *Connection) {
	t, l := c.t, c.drv.eventLoop()
	n.later(func() {
		go n.writeLoop(c, t)
		go t.readLoop(l, c)
	})
}

// closeLocked moves c to Closed and removes it from the table. Queued
// output is discarded; when final is set it is written as the last bytes
// before the transport is shut. Pending requests bound to c fail at once.
func (n *Node) closeLocked(c *Connection, reason string, reset bool, final []byte) {
	if c.state == StateClosed {
		return
	}
	n.setStateLocked(c, StateClosed)
	c.log.Infow("Connection closed", "peer", c.hostID(), "reason", reason, "reset", reset)
	delete(n.conns, c.key)

	c.out.reset()
	if final != nil && c.t != nil {
		c.flushClose = true
		c.queue(final)
	} else {
		close(c.done)
		if t := c.t; t != nil {
			n.later(func() { t.close(reset) })
		}
	}

	if n.correlator != nil {
		n.correlator.connectionClosedLocked(c)
	}
	if c.announced && n.listener != nil {
		key, peer := c.key, c.peer
		n.later(func() { n.listener.HandleConnection(key, peer, false) })
	}
	if n.draining {
		for _, d := range n.drivers {
			d.eventLoop().wakeup()
		}
	}
}

// writeLoop drains c's output queue into the transport until c is closed.
func (n *Node) writeLoop(c *Connection, t transport) {
	for {
		select {
		case <-c.writeSignal:
		case <-c.done:
			return
		}

		n.mu.Lock()
		msgs := c.out.take()
		final := c.flushClose
		n.unlock()

		if len(msgs) > 0 {
			if err := t.send(msgs); err != nil {
				c.log.Warnw("Write failed", "error", err)
				t.close(true)
				return
			}
			for _, b := range msgs {
				code, request := headerInfo(b)
				n.sent.Increment(code)
				metrics.RecordMessage("out", code, request)
			}
		}
		if final {
			t.close(false)
			return
		}
	}
}

// feed appends stream bytes to c's input buffer and processes every
// complete message in it.
func (n *Node) feed(c *Connection, data []byte) {
	if !n.isOpen(c) {
		return
	}
	c.in.append(data)
	for {
		buf := c.in.bytes()
		size := diam.PeekMessageSize(buf, 0)
		if size == 0 && len(buf) < 4 {
			return
		}
		if int(size) > n.settings.MaxMessageSize {
			n.garbage(c, buf)
			return
		}
		msg, status := diam.DecodeMessage(buf, 0, int(size))
		switch status {
		case diam.DecodeNotEnough:
			return
		case diam.DecodeGarbage:
			n.garbage(c, buf[:min(len(buf), int(size))])
			return
		}
		n.traceMessage(c.t, buf[:size], false, 0)
		c.in.consume(int(size))
		if !n.processMessage(c, msg) {
			return
		}
	}
}

// feedMessage processes one message delivered whole by a message-oriented
// transport.
func (n *Node) feedMessage(c *Connection, data []byte, stream uint16) {
	if !n.isOpen(c) {
		return
	}
	size := diam.PeekMessageSize(data, 0)
	if int(size) != len(data) || len(data) > n.settings.MaxMessageSize {
		n.garbage(c, data)
		return
	}
	msg, status := diam.DecodeMessage(data, 0, len(data))
	if status != diam.DecodeOK {
		n.garbage(c, data)
		return
	}
	n.traceMessage(c.t, data, false, stream)
	n.processMessage(c, msg)
}

func (n *Node) isOpen(c *Connection) bool {
	n.mu.Lock()
	defer n.unlock()
	return c.state.IsLive()
}

// garbage reset-closes a connection whose input cannot be framed.
func (n *Node) garbage(c *Connection, raw []byte) {
	n.mu.Lock()
	defer n.unlock()
	c.log.Warnw("Garbage received, resetting connection", "bytes", len(raw))
	c.log.Debugw("Garbage bytes", "hex", hex.EncodeToString(raw[:min(len(raw), 256)]))
	metrics.RecordGarbage(c.drv.protocol().String())
	if c.t != nil {
		n.traceMessage(c.t, raw, false, 0)
	}
	n.closeLocked(c, "garbage received", true, nil)
}

// traceMessage records a message into the capture file, if one is open.
func (n *Node) traceMessage(t transport, data []byte, out bool, stream uint16) {
	if n.trace == nil {
		return
	}
	src, dst := t.remoteAddr(), t.localAddr()
	if out {
		src, dst = dst, src
	}
	var err error
	switch t.protocol() {
	case TransportSCTP:
		err = n.trace.WriteSCTP(src, dst, stream, data, time.Now())
	default:
		err = n.trace.WriteTCP(src, dst, data, time.Now())
	}
	if err != nil {
		n.log.Warnw("Failed to write trace", "error", err)
	}
}

package node

import (
	"net"
	"time"
)

// driver runs one transport kind. Each driver owns a single event loop that
// multiplexes all of its connections.
type driver interface {
	protocol() TransportProtocol
	// listen binds the inbound socket, if the settings ask for one.
	listen() error
	// connect starts an outbound attempt for c and reports the outcome to
	// the loop as evConnected or evConnectFailed.
	connect(c *Connection, p *Peer)
	// stopAccepting closes the inbound socket.
	stopAccepting() error
	listenAddr() net.Addr
	eventLoop() *loop
}

type eventKind int

const (
	evAccepted eventKind = iota
	evConnected
	evConnectFailed
	evData    // stream bytes
	evMessage // one complete message (SCTP data chunk)
	evClosed
)

type event struct {
	kind   eventKind
	conn   *Connection
	t      transport
	data   []byte
	stream uint16
	err    error
}

// loop is a driver's execution loop. Socket goroutines block in the
// runtime netpoller and post events here; the loop processes every queued
// event, then due timers, then waits again.
type loop struct {
	n      *Node
	drv    driver
	events chan event
	wake   chan struct{}
	quit   chan struct{}

	// waitUntil is the deadline the loop currently sleeps towards. Guarded
	// by Node.mu.
	waitUntil time.Time
}

func newLoop(n *Node, drv driver) *loop {
	return &loop{
		n:      n,
		drv:    drv,
		events: make(chan event, 256),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

// post hands an event to the loop. It returns false once the loop has
// exited; the caller then owns any transport carried by the event.
func (l *loop) post(ev event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.quit:
		return false
	}
}

func (l *loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() error {
	defer close(l.quit)
	defer l.drv.stopAccepting()

	n := l.n
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		n.mu.Lock()
		if n.loopFinishedLocked(l) {
			n.unlock()
			n.log.Infow("Driver loop finished", "transport", l.drv.protocol().String())
			return nil
		}
		next := n.calcNextTimeoutLocked()
		l.waitUntil = next
		n.unlock()

		var expired <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			expired = timer.C
		}

		select {
		case ev := <-l.events:
			l.handle(ev)
			l.drain()
		case <-l.wake:
			l.drain()
		case <-expired:
		}
		timer.Stop()

		n.runTimers(time.Now())
	}
}

// drain processes every event already queued without blocking.
func (l *loop) drain() {
	for {
		select {
		case ev := <-l.events:
			l.handle(ev)
		default:
			return
		}
	}
}

func (l *loop) handle(ev event) {
	n := l.n
	switch ev.kind {
	case evAccepted:
		n.registerInboundConnection(l.drv, ev.t)
	case evConnected:
		n.handleConnected(ev.conn, ev.t)
	case evConnectFailed:
		n.handleConnectFailed(ev.conn, ev.err)
	case evData:
		n.feed(ev.conn, ev.data)
	case evMessage:
		n.feedMessage(ev.conn, ev.data, ev.stream)
	case evClosed:
		n.handleTransportClosed(ev.conn, ev.err)
	}
}

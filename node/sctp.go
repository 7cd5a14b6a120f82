package node

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/sctp"
	"github.com/pion/transport/v3/udp"

	"github.com/hsdfat8/diam-node/pkg/logger"
)

// PayloadProtocolDiameter is the SCTP payload protocol identifier of
// Diameter messages.
const PayloadProtocolDiameter sctp.PayloadProtocolIdentifier = 46

// sctpDriver runs userland SCTP associations over UDP. Outbound
// associations are set up strictly one at a time.
type sctpDriver struct {
	n        *Node
	l        *loop
	ln       net.Listener
	stopOnce sync.Once

	mu      sync.Mutex
	pending []connectRequest
	notify  chan struct{}
}

type connectRequest struct {
	c *Connection
	p *Peer
}

type associateResult struct {
	a   *sctp.Association
	err error
}

func newSCTPDriver(n *Node) *sctpDriver {
	d := &sctpDriver{n: n, notify: make(chan struct{}, 1)}
	d.l = newLoop(n, d)
	return d
}

func (d *sctpDriver) protocol() TransportProtocol { return TransportSCTP }
func (d *sctpDriver) eventLoop() *loop             { return d.l }

func (d *sctpDriver) listenAddr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

func (d *sctpDriver) config(conn net.Conn) sctp.Config {
	return sctp.Config{
		NetConn:              conn,
		MaxReceiveBufferSize: uint32(4 * d.n.settings.MaxMessageSize),
		MaxMessageSize:       uint32(d.n.settings.MaxMessageSize),
		LoggerFactory:        logger.PionFactory{},
	}
}

func (d *sctpDriver) listen() error {
	go d.connector()

	port := d.n.settings.SCTPPort
	if port == 0 {
		return nil
	}
	if port < 0 {
		port = 0
	}
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.n.settings.ListenAddress, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to resolve sctp listen address: %w", err)
	}
	lc := udp.ListenConfig{}
	ln, err := lc.Listen("udp", laddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", laddr, err)
	}
	d.ln = ln
	go d.acceptLoop(ln)
	return nil
}

func (d *sctpDriver) stopAccepting() error {
	var err error
	d.stopOnce.Do(func() {
		if d.ln != nil {
			err = d.ln.Close()
		}
	})
	return err
}

func (d *sctpDriver) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, udp.ErrClosedListener) {
				d.n.log.Errorw("Accept failed", "transport", "sctp", "error", err)
			}
			return
		}
		go d.serve(conn)
	}
}

// serve completes the association handshake of one accepted UDP flow.
func (d *sctpDriver) serve(conn net.Conn) {
	a, err := d.associate(conn, sctp.Server)
	if err != nil {
		d.n.log.Warnw("SCTP association failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	t := newSCTPTransport(d, conn, a)
	if !d.l.post(event{kind: evAccepted, t: t}) {
		t.close(false)
	}
}

// associate runs the association handshake, giving up after the connect
// timeout.
func (d *sctpDriver) associate(conn net.Conn, handshake func(sctp.Config) (*sctp.Association, error)) (*sctp.Association, error) {
	done := make(chan associateResult, 1)
	go func() {
		a, err := handshake(d.config(conn))
		done <- associateResult{a, err}
	}()

	timer := time.NewTimer(d.n.settings.ConnectTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err != nil {
			conn.Close()
		}
		return r.a, r.err
	case <-timer.C:
		conn.Close()
		go func() {
			if r := <-done; r.a != nil {
				r.a.Abort("association timeout")
			}
		}()
		return nil, fmt.Errorf("sctp association timed out after %s", d.n.settings.ConnectTimeout)
	}
}

// connect queues an outbound association attempt.
func (d *sctpDriver) connect(c *Connection, p *Peer) {
	d.mu.Lock()
	d.pending = append(d.pending, connectRequest{c: c, p: p})
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *sctpDriver) next() (connectRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return connectRequest{}, false
	}
	req := d.pending[0]
	d.pending = d.pending[1:]
	return req, true
}

// connector issues queued outbound attempts one at a time, moving to the
// next only when the previous one succeeded or definitely failed.
func (d *sctpDriver) connector() {
	for {
		select {
		case <-d.notify:
		case <-d.l.quit:
			return
		}
		for {
			req, ok := d.next()
			if !ok {
				break
			}
			d.dial(req)
		}
	}
}

func (d *sctpDriver) dial(req connectRequest) {
	fail := func(err error) {
		d.l.post(event{kind: evConnectFailed, conn: req.c, err: err})
	}
	raddr, err := net.ResolveUDPAddr("udp", req.p.dialAddress())
	if err != nil {
		fail(err)
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		fail(err)
		return
	}
	a, err := d.associate(conn, sctp.Client)
	if err != nil {
		fail(err)
		return
	}
	t := newSCTPTransport(d, conn, a)
	if !d.l.post(event{kind: evConnected, conn: req.c, t: t}) {
		t.close(false)
	}
}

// sctpTransport is one association. Streams opened by either side are
// read; outbound messages round-robin over the configured stream count.
type sctpTransport struct {
	d    *sctpDriver
	conn net.Conn
	a    *sctp.Association

	mu         sync.Mutex
	streams    map[uint16]*sctp.Stream
	nextStream uint16
	l          *loop
	c          *Connection
	closed     bool
}

func newSCTPTransport(d *sctpDriver, conn net.Conn, a *sctp.Association) *sctpTransport {
	return &sctpTransport{
		d:       d,
		conn:    conn,
		a:       a,
		streams: make(map[uint16]*sctp.Stream),
	}
}

func (t *sctpTransport) send(msgs [][]byte) error {
	for _, b := range msgs {
		s, err := t.outboundStream()
		if err != nil {
			return err
		}
		if _, err := s.WriteSCTP(b, PayloadProtocolDiameter); err != nil {
			return err
		}
		t.d.n.traceMessage(t, b, true, s.StreamIdentifier())
	}
	return nil
}

func (t *sctpTransport) outboundStream() (*sctp.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextStream
	t.nextStream = uint16((int(id) + 1) % t.d.n.settings.SCTPOutboundStreams)
	if s, ok := t.streams[id]; ok {
		return s, nil
	}
	s, err := t.a.OpenStream(id, PayloadProtocolDiameter)
	if err != nil {
		return nil, err
	}
	t.attachLocked(s)
	return s, nil
}

// attachLocked records s and starts reading it once the connection is
// known.
func (t *sctpTransport) attachLocked(s *sctp.Stream) {
	t.streams[s.StreamIdentifier()] = s
	if t.c != nil {
		go t.readStream(s, t.l, t.c)
	}
}

func (t *sctpTransport) close(reset bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var err error
	if reset {
		t.a.Abort("garbage received")
	} else {
		err = t.a.Close()
	}
	if cerr := t.conn.Close(); err == nil && !errors.Is(cerr, net.ErrClosed) {
		err = cerr
	}
	return err
}

// readLoop accepts the streams the peer opens; it reports closure when the
// association goes away.
func (t *sctpTransport) readLoop(l *loop, c *Connection) {
	t.mu.Lock()
	t.l, t.c = l, c
	for _, s := range t.streams {
		go t.readStream(s, l, c)
	}
	t.mu.Unlock()

	for {
		s, err := t.a.AcceptStream()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			l.post(event{kind: evClosed, conn: c, err: err})
			return
		}
		t.mu.Lock()
		t.attachLocked(s)
		t.mu.Unlock()
	}
}

// readStream posts every data chunk of s as one message.
func (t *sctpTransport) readStream(s *sctp.Stream, l *loop, c *Connection) {
	buf := make([]byte, t.d.n.settings.MaxMessageSize)
	for {
		n, _, err := s.ReadSCTP(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			// oversized chunk; an empty message frames as garbage
			l.post(event{kind: evMessage, conn: c, stream: s.StreamIdentifier()})
			return
		}
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !l.post(event{kind: evMessage, conn: c, data: data, stream: s.StreamIdentifier()}) {
			return
		}
	}
}

func (t *sctpTransport) localAddr() net.Addr         { return t.conn.LocalAddr() }
func (t *sctpTransport) remoteAddr() net.Addr        { return t.conn.RemoteAddr() }
func (t *sctpTransport) authInfo() any               { return t.conn.RemoteAddr() }
func (t *sctpTransport) protocol() TransportProtocol { return TransportSCTP }

func (t *sctpTransport) localAddresses() []net.IP {
	if a, ok := t.conn.LocalAddr().(*net.UDPAddr); ok && a.IP != nil && !a.IP.IsUnspecified() {
		return []net.IP{a.IP}
	}
	return nil
}

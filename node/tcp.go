package node

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
)

const tcpReadSize = 64 * 1024

type tcpDriver struct {
	n          *Node
	l          *loop
	ln         net.Listener
	stopOnce   sync.Once
	portCursor atomic.Uint32
}

func newTCPDriver(n *Node) *tcpDriver {
	d := &tcpDriver{n: n}
	d.l = newLoop(n, d)
	return d
}

func (d *tcpDriver) protocol() TransportProtocol { return TransportTCP }
func (d *tcpDriver) eventLoop() *loop             { return d.l }

func (d *tcpDriver) listenAddr() net.Addr {
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

func (d *tcpDriver) listen() error {
	port := d.n.settings.Port
	if port == 0 {
		return nil
	}
	if port < 0 {
		port = 0
	}
	addr := net.JoinHostPort(d.n.settings.ListenAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	d.ln = ln
	go d.acceptLoop(ln)
	return nil
}

func (d *tcpDriver) stopAccepting() error {
	var err error
	d.stopOnce.Do(func() {
		if d.ln != nil {
			err = d.ln.Close()
		}
	})
	return err
}

func (d *tcpDriver) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.n.log.Errorw("Accept failed", "transport", "tcp", "error", err)
			}
			return
		}
		t := newTCPTransport(d.n, conn)
		if !d.l.post(event{kind: evAccepted, t: t}) {
			t.close(false)
			return
		}
	}
}

func (d *tcpDriver) connect(c *Connection, p *Peer) {
	go func() {
		conn, err := d.dial(p)
		if err != nil {
			d.l.post(event{kind: evConnectFailed, conn: c, err: err})
			return
		}
		t := newTCPTransport(d.n, conn)
		if !d.l.post(event{kind: evConnected, conn: c, t: t}) {
			t.close(false)
		}
	}()
}

// dial connects to p, binding the local port from the configured range when
// one is set.
func (d *tcpDriver) dial(p *Peer) (net.Conn, error) {
	s := d.n.settings
	addr := p.dialAddress()
	if s.PortRangeLow == 0 {
		dialer := net.Dialer{Timeout: s.ConnectTimeout}
		return dialer.Dial("tcp", addr)
	}
	span := s.PortRangeHigh - s.PortRangeLow + 1
	start := int(d.portCursor.Add(1))
	var lastErr error
	for i := 0; i < span; i++ {
		port := s.PortRangeLow + (start+i)%span
		dialer := net.Dialer{Timeout: s.ConnectTimeout, LocalAddr: &net.TCPAddr{Port: port}}
		conn, err := dialer.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free local port in %d-%d: %w", s.PortRangeLow, s.PortRangeHigh, lastErr)
}

type tcpTransport struct {
	n         *Node
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPTransport(n *Node, conn net.Conn) *tcpTransport {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpTransport{n: n, conn: conn}
}

func (t *tcpTransport) send(msgs [][]byte) error {
	// WriteTo consumes its receiver, so it gets its own slice header
	bufs := make(net.Buffers, len(msgs))
	copy(bufs, msgs)
	if _, err := bufs.WriteTo(t.conn); err != nil {
		return err
	}
	for _, b := range msgs {
		t.n.traceMessage(t, b, true, 0)
	}
	return nil
}

// close shuts the socket. A reset close sets SO_LINGER to 0 so the peer
// gets an RST instead of a FIN.
func (t *tcpTransport) close(reset bool) error {
	var err error
	t.closeOnce.Do(func() {
		if tc, ok := t.conn.(*net.TCPConn); ok && reset {
			tc.SetLinger(0)
		}
		err = t.conn.Close()
	})
	return err
}

func (t *tcpTransport) readLoop(l *loop, c *Connection) {
	buf := make([]byte, tcpReadSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !l.post(event{kind: evData, conn: c, data: data}) {
				t.close(false)
				return
			}
		}
		if err != nil {
			l.post(event{kind: evClosed, conn: c, err: err})
			return
		}
	}
}

func (t *tcpTransport) localAddr() net.Addr         { return t.conn.LocalAddr() }
func (t *tcpTransport) remoteAddr() net.Addr        { return t.conn.RemoteAddr() }
func (t *tcpTransport) authInfo() any               { return t.conn.RemoteAddr() }
func (t *tcpTransport) protocol() TransportProtocol { return TransportTCP }

func (t *tcpTransport) localAddresses() []net.IP {
	if a, ok := t.conn.LocalAddr().(*net.TCPAddr); ok && a.IP != nil {
		return []net.IP{a.IP}
	}
	return nil
}

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
)

const (
	testApp     uint32 = 4
	testCommand uint32 = 272
	testRealm          = "example.com"
	waitFor            = 5 * time.Second
	tick               = 10 * time.Millisecond
)

func testSettings(host string) *Settings {
	s := DefaultSettings()
	s.HostID = host
	s.Realm = testRealm
	s.ListenAddress = "127.0.0.1"
	s.Port = -1
	s.SCTPPort = -1
	s.ReconnectInterval = 0
	s.Capabilities = NewCapability()
	s.Capabilities.AddAuthApp(testApp)
	return s
}

func startManager(t *testing.T, s *Settings, validator Validator, h Handlers) *Manager {
	t.Helper()
	m, err := NewManager(s, validator, h)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { m.Stop(time.Second) })
	return m
}

// peerOf returns a peer naming m's host and reaching it over loopback.
func peerOf(t *testing.T, m *Manager, transport TransportProtocol) *Peer {
	t.Helper()
	addr := m.ListenAddr(transport)
	require.NotNil(t, addr)
	p := NewPeer(m.Settings().HostID, portOf(addr))
	p.Transport = transport
	p.Addresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	return p
}

// connect makes client connect to server and waits until both sides are up.
func connect(t *testing.T, client, server *Manager, transport TransportProtocol) ConnectionKey {
	t.Helper()
	serverPeer := peerOf(t, server, transport)
	require.True(t, client.InitiateConnection(serverPeer, false))
	clientPeer := NewPeer(client.Settings().HostID, 0)
	var key ConnectionKey
	require.Eventually(t, func() bool {
		var ok bool
		key, ok = client.FindConnection(serverPeer)
		if !ok {
			return false
		}
		_, ok = server.FindConnection(clientPeer)
		return ok
	}, waitFor, tick)
	return key
}

func newTestRequest(m *Manager) *diam.Message {
	req := diam.NewRequest(testCommand, testApp)
	req.SetProxiable(true)
	req.AddValue(diam.AVPSessionID, diam.AVPFlagMandatory, 0, models_base.UTF8String(m.MakeNewSessionID()))
	req.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(m.Settings().HostID))
	req.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(testRealm))
	return req
}

func successAnswer(req *diam.Message, host string) *diam.Message {
	ans := diam.NewAnswer(req)
	ans.AddValue(diam.AVPResultCode, diam.AVPFlagMandatory, 0, models_base.Unsigned32(diam.ResultCodeSuccess))
	ans.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(host))
	ans.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(testRealm))
	return ans
}

// rawPeer speaks Diameter by hand over a plain TCP connection.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, m *Manager) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", m.ListenAddr(TransportTCP).String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{t: t, conn: conn}
}

func (r *rawPeer) send(m *diam.Message) {
	r.t.Helper()
	_, err := r.conn.Write(m.Encode())
	require.NoError(r.t, err)
}

func (r *rawPeer) read() (*diam.Message, error) {
	r.conn.SetReadDeadline(time.Now().Add(waitFor))
	hdr := make([]byte, diam.HeaderLength)
	if _, err := io.ReadFull(r.conn, hdr); err != nil {
		return nil, err
	}
	size := int(diam.PeekMessageSize(hdr, 0))
	if size < diam.HeaderLength {
		return nil, fmt.Errorf("invalid message size %d", size)
	}
	buf := make([]byte, size)
	copy(buf, hdr)
	if _, err := io.ReadFull(r.conn, buf[diam.HeaderLength:]); err != nil {
		return nil, err
	}
	msg, status := diam.DecodeMessage(buf, 0, size)
	if status != diam.DecodeOK {
		return nil, fmt.Errorf("decode failed: %s", status)
	}
	return msg, nil
}

func (r *rawPeer) mustRead() *diam.Message {
	r.t.Helper()
	msg, err := r.read()
	require.NoError(r.t, err)
	return msg
}

func rawCER(host string, apps ...uint32) *diam.Message {
	cer := diam.NewRequest(diam.CommandCapabilitiesExchange, diam.CommonApplicationID)
	cer.HopByHopID = 1
	cer.EndToEndID = 1
	if host != "" {
		cer.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(host))
	}
	cer.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(testRealm))
	cer.AddValue(diam.AVPHostIPAddress, diam.AVPFlagMandatory, 0, models_base.Address(net.IPv4(127, 0, 0, 1)))
	cer.AddValue(diam.AVPVendorID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(0))
	cer.AddValue(diam.AVPProductName, 0, 0, models_base.UTF8String("raw"))
	cer.AddValue(diam.AVPOriginStateID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(1))
	for _, app := range apps {
		cer.AddValue(diam.AVPAuthApplicationID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(app))
	}
	return cer
}

func resultCode(t *testing.T, m *diam.Message) diam.ResultCode {
	t.Helper()
	rc, err := diam.ResultCodeOf(m)
	require.NoError(t, err)
	return rc
}

// outcomeCount reads the completed-request counter for outcome from the
// default registry.
func outcomeCount(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "diam_node_correlator_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestNode_CapabilityExchange(t *testing.T) {
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{})
	raw := dialRaw(t, server)

	raw.send(rawCER("client.example.com", testApp))
	cea := raw.mustRead()
	assert.Equal(t, diam.CommandCapabilitiesExchange, cea.CommandCode)
	assert.False(t, cea.IsRequest())
	assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, cea))
	host, err := cea.Find(diam.AVPOriginHost).DiameterIdentity()
	require.NoError(t, err)
	assert.Equal(t, "server.example.com", host)
	stateID, err := cea.Find(diam.AVPOriginStateID).Unsigned32()
	require.NoError(t, err)
	assert.Equal(t, server.StateID(), stateID)

	require.Eventually(t, func() bool {
		_, ok := server.FindConnection(NewPeer("CLIENT.example.com", 0))
		return ok
	}, waitFor, tick)
	key, _ := server.FindConnection(NewPeer("client.example.com", 0))
	peer, ok := server.ConnectionKeyToPeer(key)
	require.True(t, ok)
	assert.True(t, peer.Capabilities.IsAllowedAuthApp(testApp))
	assert.Equal(t, uint32(1), peer.OriginStateID)
}

func TestNode_CapabilityExchangeRejected(t *testing.T) {
	tests := []struct {
		name      string
		validator Validator
		cer       *diam.Message
		want      diam.ResultCode
		errorBit  bool
		failedAVP bool
	}{
		{
			name:      "unknown peer",
			validator: AllowListValidator{Hosts: []string{"other.example.com"}},
			cer:       rawCER("client.example.com", testApp),
			want:      diam.ResultCodeUnknownPeer,
			errorBit:  true,
		},
		{
			name: "no common application",
			cer:  rawCER("client.example.com", 99),
			want: diam.ResultCodeNoCommonApplication,
		},
		{
			name:      "missing origin host",
			cer:       rawCER("", testApp),
			want:      diam.ResultCodeMissingAVP,
			failedAVP: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startManager(t, testSettings("server.example.com"), tt.validator, Handlers{})
			raw := dialRaw(t, server)

			raw.send(tt.cer)
			cea := raw.mustRead()
			assert.Equal(t, tt.want, resultCode(t, cea))
			assert.Equal(t, tt.errorBit, cea.IsError())
			assert.NotNil(t, cea.Find(diam.AVPErrorMessage))
			if tt.failedAVP {
				assert.NotNil(t, cea.Find(diam.AVPFailedAVP))
			}

			_, err := raw.read()
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, 0, server.Stats().Connections[StateUp])
		})
	}
}

func TestNode_GarbageResetsConnection(t *testing.T) {
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{})
	raw := dialRaw(t, server)

	garbage := rawCER("client.example.com", testApp).Encode()
	garbage[0] = 2
	_, err := raw.conn.Write(garbage)
	require.NoError(t, err)

	_, err = raw.read()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return len(server.Stats().Connections) == 0
	}, waitFor, tick)
}

func TestNode_DeviceWatchdog(t *testing.T) {
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{})
	raw := dialRaw(t, server)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	dwr := diam.NewRequest(diam.CommandDeviceWatchdog, diam.CommonApplicationID)
	dwr.HopByHopID = 77
	dwr.EndToEndID = 78
	dwr.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity("client.example.com"))
	dwr.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(testRealm))
	raw.send(dwr)

	dwa := raw.mustRead()
	assert.Equal(t, diam.CommandDeviceWatchdog, dwa.CommandCode)
	assert.Equal(t, uint32(77), dwa.HopByHopID)
	assert.Equal(t, uint32(78), dwa.EndToEndID)
	assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, dwa))
	assert.NotNil(t, dwa.Find(diam.AVPOriginStateID))
}

func TestNode_WatchdogTimeoutClosesConnection(t *testing.T) {
	s := testSettings("server.example.com")
	s.WatchdogInterval = 200 * time.Millisecond
	s.WatchdogTimeout = 200 * time.Millisecond
	col := newCollector()
	server := startManager(t, s, nil, col.handlers())
	raw := dialRaw(t, server)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	var key ConnectionKey
	require.Eventually(t, func() bool {
		var ok bool
		key, ok = server.FindConnection(NewPeer("client.example.com", 0))
		return ok
	}, waitFor, tick)
	lost := outcomeCount(t, "connection_lost")
	require.NoError(t, server.SendRequestTo(newTestRequest(server), key, "unanswered", 30*time.Second))

	var received []uint32
	for i := 0; i < 2; i++ {
		msg := raw.mustRead()
		assert.True(t, msg.IsRequest())
		received = append(received, msg.CommandCode)
	}
	assert.ElementsMatch(t, []uint32{testCommand, diam.CommandDeviceWatchdog}, received)

	// Neither the request nor the DWR is answered.
	_, err := raw.read()
	assert.ErrorIs(t, err, io.EOF)
	select {
	case state := <-col.timeouts:
		assert.Equal(t, "unanswered", state)
	case <-time.After(waitFor):
		t.Fatal("pending request not failed on watchdog timeout")
	}
	require.Eventually(t, func() bool { return col.downs.Load() == 1 }, waitFor, tick)
	assert.Equal(t, lost+1, outcomeCount(t, "connection_lost"))
	require.Eventually(t, func() bool {
		return len(server.Stats().Connections) == 0
	}, waitFor, tick)
}

func TestNode_CapabilityExchangeTimeout(t *testing.T) {
	t.Run("no CER from inbound peer", func(t *testing.T) {
		s := testSettings("server.example.com")
		s.CEATimeout = 200 * time.Millisecond
		server := startManager(t, s, nil, Handlers{})
		raw := dialRaw(t, server)

		_, err := raw.read()
		assert.ErrorIs(t, err, io.EOF)
		require.Eventually(t, func() bool {
			return len(server.Stats().Connections) == 0
		}, waitFor, tick)
	})

	t.Run("no CEA from outbound peer", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })

		s := testSettings("client.example.com")
		s.CEATimeout = 200 * time.Millisecond
		col := newCollector()
		client := startManager(t, s, nil, col.handlers())
		p := NewPeer("server.example.com", portOf(ln.Addr()))
		p.Transport = TransportTCP
		p.Addresses = []net.IP{net.IPv4(127, 0, 0, 1)}
		require.True(t, client.InitiateConnection(p, false))

		conn, err := ln.Accept()
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		raw := &rawPeer{t: t, conn: conn}
		cer := raw.mustRead()
		assert.Equal(t, diam.CommandCapabilitiesExchange, cer.CommandCode)
		assert.True(t, cer.IsRequest())

		_, err = raw.read()
		assert.ErrorIs(t, err, io.EOF)
		require.Eventually(t, func() bool {
			return len(client.Stats().Connections) == 0
		}, waitFor, tick)
		assert.Zero(t, col.downs.Load())
	})
}

func TestNode_IdleTimeoutSendsDisconnect(t *testing.T) {
	s := testSettings("server.example.com")
	s.IdleTimeout = 300 * time.Millisecond
	col := newCollector()
	server := startManager(t, s, nil, col.handlers())
	raw := dialRaw(t, server)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	dpr := raw.mustRead()
	require.Equal(t, diam.CommandDisconnectPeer, dpr.CommandCode)
	assert.True(t, dpr.IsRequest())
	cause, err := dpr.Find(diam.AVPDisconnectCause).Enumerated()
	require.NoError(t, err)
	assert.Equal(t, diam.DisconnectCauseDoNotWantToTalkToYou, cause)

	raw.send(successAnswer(dpr, "client.example.com"))
	_, err = raw.read()
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return col.downs.Load() == 1 }, waitFor, tick)
}

func TestNode_ApplicationNotGranted(t *testing.T) {
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{})
	raw := dialRaw(t, server)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	req := diam.NewRequest(testCommand, 5)
	req.HopByHopID = 9
	raw.send(req)
	ans := raw.mustRead()
	assert.Equal(t, diam.ResultCodeApplicationUnsupported, resultCode(t, ans))
	assert.True(t, ans.IsError())
	assert.Equal(t, uint32(9), ans.HopByHopID)
}

// collector records Manager callbacks.
type collector struct {
	answers  chan *diam.Message
	timeouts chan any
	states   chan any
	requests chan *diam.Message
	keys     chan ConnectionKey
	downs    atomic.Int32
}

func newCollector() *collector {
	return &collector{
		answers:  make(chan *diam.Message, 16),
		timeouts: make(chan any, 16),
		states:   make(chan any, 16),
		requests: make(chan *diam.Message, 16),
		keys:     make(chan ConnectionKey, 16),
	}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		Answer: func(answer *diam.Message, key ConnectionKey, state any) {
			c.answers <- answer
			c.states <- state
		},
		Timeout: func(commandCode uint32, key ConnectionKey, state any) {
			c.timeouts <- state
		},
		Connection: func(key ConnectionKey, peer *Peer, up bool) {
			if !up {
				c.downs.Add(1)
			}
		},
	}
}

func answeringHandlers(m **Manager) Handlers {
	return Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			(*m).Answer(successAnswer(req, (*m).Settings().HostID), key)
		},
	}
}

func TestManager_SendRequestAnswer(t *testing.T) {
	var server *Manager
	server = startManager(t, testSettings("server.example.com"), nil, answeringHandlers(&server))
	col := newCollector()
	client := startManager(t, testSettings("client.example.com"), nil, col.handlers())
	connect(t, client, server, TransportTCP)

	req := newTestRequest(client)
	require.NoError(t, client.SendRequest(req, []*Peer{peerOf(t, server, TransportTCP)}, "state-1", time.Second))
	assert.NotZero(t, req.EndToEndID)

	select {
	case ans := <-col.answers:
		assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, ans))
		assert.Equal(t, req.EndToEndID, ans.EndToEndID)
		assert.Equal(t, "state-1", <-col.states)
	case <-time.After(waitFor):
		t.Fatal("no answer received")
	}

	select {
	case <-col.answers:
		t.Fatal("answer delivered twice")
	case state := <-col.timeouts:
		t.Fatalf("timeout delivered after answer: %v", state)
	case <-time.After(1500 * time.Millisecond):
	}

	sent, _ := client.MessageMetrics()
	assert.Equal(t, uint64(1), sent.Get(testCommand))
}

func TestManager_RequestTimeout(t *testing.T) {
	held := make(chan struct {
		req *diam.Message
		key ConnectionKey
	}, 1)
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			held <- struct {
				req *diam.Message
				key ConnectionKey
			}{req, key}
		},
	})
	col := newCollector()
	client := startManager(t, testSettings("client.example.com"), nil, col.handlers())
	connect(t, client, server, TransportTCP)

	require.NoError(t, client.SendRequest(newTestRequest(client), []*Peer{peerOf(t, server, TransportTCP)}, 42, 200*time.Millisecond))

	select {
	case state := <-col.timeouts:
		assert.Equal(t, 42, state)
	case <-time.After(waitFor):
		t.Fatal("timeout not delivered")
	}

	h := <-held
	require.NoError(t, server.Answer(successAnswer(h.req, "server.example.com"), h.key))

	select {
	case <-col.answers:
		t.Fatal("late answer delivered")
	case <-col.timeouts:
		t.Fatal("timeout delivered twice")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestManager_SendRequestErrors(t *testing.T) {
	client := startManager(t, testSettings("client.example.com"), nil, Handlers{})

	err := client.SendRequest(newTestRequest(client), []*Peer{NewPeer("nowhere.example.com", 0)}, nil, 0)
	var notRoutable ErrNotRoutable
	assert.True(t, errors.As(err, &notRoutable), "got %v", err)

	answer := diam.NewAnswer(newTestRequest(client))
	err = client.SendRequest(answer, nil, nil, 0)
	var notRequest ErrNotARequest
	assert.True(t, errors.As(err, &notRequest), "got %v", err)

	err = client.SendRequestTo(newTestRequest(client), ConnectionKey(999999), nil, 0)
	var stale ErrStaleConnection
	assert.True(t, errors.As(err, &stale), "got %v", err)

	err = client.Answer(newTestRequest(client), ConnectionKey(1))
	var notAnswer ErrNotAnAnswer
	assert.True(t, errors.As(err, &notAnswer), "got %v", err)

	stopped, err := NewManager(testSettings("stopped.example.com"), nil, Handlers{})
	require.NoError(t, err)
	err = stopped.SendRequest(newTestRequest(stopped), nil, nil, 0)
	assert.ErrorIs(t, err, ErrNodeStopped{})
}

func TestManager_ConnectionLossFailsPending(t *testing.T) {
	var server *Manager
	server = startManager(t, testSettings("server.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			server.CloseConnection(key)
		},
	})
	col := newCollector()
	client := startManager(t, testSettings("client.example.com"), nil, col.handlers())
	connect(t, client, server, TransportTCP)

	lost := outcomeCount(t, "connection_lost")
	start := time.Now()
	require.NoError(t, client.SendRequest(newTestRequest(client), []*Peer{peerOf(t, server, TransportTCP)}, "lost", 30*time.Second))

	select {
	case state := <-col.timeouts:
		assert.Equal(t, "lost", state)
		assert.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(waitFor):
		t.Fatal("pending request not failed on connection loss")
	}
	require.Eventually(t, func() bool { return col.downs.Load() == 1 }, waitFor, tick)
	assert.Equal(t, lost+1, outcomeCount(t, "connection_lost"))
}

func TestManager_Forward(t *testing.T) {
	var (
		mu           sync.Mutex
		routeRecords []string
		server       *Manager
		relay        *Manager
		upstream     atomic.Uint64
	)
	server = startManager(t, testSettings("server.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			mu.Lock()
			for _, a := range req.FindAll(diam.AVPRouteRecord) {
				id, _ := a.DiameterIdentity()
				routeRecords = append(routeRecords, id)
			}
			mu.Unlock()
			server.Answer(successAnswer(req, "server.example.com"), key)
		},
	})
	relay = startManager(t, testSettings("relay.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			if err := relay.ForwardRequest(req, key, ConnectionKey(upstream.Load()), key, 0); err != nil {
				t.Errorf("ForwardRequest() error = %v", err)
			}
		},
		Answer: func(answer *diam.Message, key ConnectionKey, state any) {
			if err := relay.ForwardAnswer(answer, state.(ConnectionKey)); err != nil {
				t.Errorf("ForwardAnswer() error = %v", err)
			}
		},
	})
	upstream.Store(uint64(connect(t, relay, server, TransportTCP)))

	raw := dialRaw(t, relay)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	req := diam.NewRequest(testCommand, testApp)
	req.SetProxiable(true)
	req.HopByHopID = 0x1234
	req.EndToEndID = 0x5678
	req.AddValue(diam.AVPSessionID, diam.AVPFlagMandatory, 0, models_base.UTF8String("client.example.com;1;1"))
	raw.send(req)

	ans := raw.mustRead()
	assert.Equal(t, uint32(0x1234), ans.HopByHopID)
	assert.Equal(t, uint32(0x5678), ans.EndToEndID)
	assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, ans))

	mu.Lock()
	assert.Equal(t, []string{"client.example.com"}, routeRecords)
	mu.Unlock()

	err := relay.ForwardAnswer(ans, ConnectionKey(12345))
	var notRoutable ErrNotRoutable
	assert.True(t, errors.As(err, &notRoutable), "got %v", err)
}

func TestManager_ForwardSharedEndToEnd(t *testing.T) {
	var (
		server   *Manager
		relay    *Manager
		upstream atomic.Uint64
	)
	server = startManager(t, testSettings("server.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			ans := successAnswer(req, "server.example.com")
			ans.Add(req.Find(diam.AVPSessionID).Clone())
			server.Answer(ans, key)
		},
	})
	relay = startManager(t, testSettings("relay.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {
			if err := relay.ForwardRequest(req, key, ConnectionKey(upstream.Load()), key, 0); err != nil {
				t.Errorf("ForwardRequest() error = %v", err)
			}
		},
		Answer: func(answer *diam.Message, key ConnectionKey, state any) {
			if err := relay.ForwardAnswer(answer, state.(ConnectionKey)); err != nil {
				t.Errorf("ForwardAnswer() error = %v", err)
			}
		},
	})
	upstream.Store(uint64(connect(t, relay, server, TransportTCP)))

	raw := dialRaw(t, relay)
	raw.send(rawCER("client.example.com", testApp))
	require.Equal(t, diam.ResultCodeSuccess, resultCode(t, raw.mustRead()))

	sessions := map[uint32]string{
		0x11: "client.example.com;1;11",
		0x22: "client.example.com;1;22",
	}
	for _, hbh := range []uint32{0x11, 0x22} {
		req := diam.NewRequest(testCommand, testApp)
		req.SetProxiable(true)
		req.HopByHopID = hbh
		req.EndToEndID = 0x5678
		req.AddValue(diam.AVPSessionID, diam.AVPFlagMandatory, 0, models_base.UTF8String(sessions[hbh]))
		raw.send(req)
	}

	got := map[uint32]string{}
	for i := 0; i < 2; i++ {
		ans := raw.mustRead()
		assert.Equal(t, uint32(0x5678), ans.EndToEndID)
		assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, ans))
		sid, err := ans.Find(diam.AVPSessionID).UTF8String()
		require.NoError(t, err)
		got[ans.HopByHopID] = sid
	}
	assert.Equal(t, sessions, got)
}

func TestManager_ForwardErrors(t *testing.T) {
	m := startManager(t, testSettings("relay.example.com"), nil, Handlers{})

	notProxiable := diam.NewRequest(testCommand, testApp)
	var errNotProxiable ErrNotProxiable
	assert.True(t, errors.As(m.ForwardRequest(notProxiable, 1, 2, nil, 0), &errNotProxiable))

	looped := diam.NewRequest(testCommand, testApp)
	looped.SetProxiable(true)
	looped.AddValue(diam.AVPRouteRecord, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity("Relay.example.com"))
	var loop ErrLoopDetected
	assert.True(t, errors.As(m.ForwardRequest(looped, 1, 2, nil, 0), &loop))

	fresh := diam.NewRequest(testCommand, testApp)
	fresh.SetProxiable(true)
	var stale ErrStaleConnection
	assert.True(t, errors.As(m.ForwardRequest(fresh, 1, 2, nil, 0), &stale))
}

// upDirections returns the inbound flag of every up connection.
func upDirections(n *Node) []bool {
	n.mu.Lock()
	defer n.unlock()
	var dirs []bool
	for _, c := range n.conns {
		if c.state == StateUp {
			dirs = append(dirs, c.inbound)
		}
	}
	return dirs
}

func TestNode_SimultaneousOpenElection(t *testing.T) {
	a, err := NewManager(testSettings("a.example.com"), nil, Handlers{})
	require.NoError(t, err)
	b, err := NewManager(testSettings("b.example.com"), nil, Handlers{})
	require.NoError(t, err)
	a.state.stateID = 100
	b.state.stateID = 200
	require.NoError(t, a.Start())
	t.Cleanup(func() { a.Stop(time.Second) })
	require.NoError(t, b.Start())
	t.Cleanup(func() { b.Stop(time.Second) })

	peerB := peerOf(t, b, TransportTCP)
	peerA := peerOf(t, a, TransportTCP)
	require.True(t, a.InitiateConnection(peerB, false))
	require.True(t, b.InitiateConnection(peerA, false))

	// b has the greater state id, so the connection b initiated survives.
	require.Eventually(t, func() bool {
		dirsA, dirsB := upDirections(a.Node), upDirections(b.Node)
		return len(dirsA) == 1 && dirsA[0] && len(dirsB) == 1 && !dirsB[0] &&
			len(a.Stats().Connections) == 1 && len(b.Stats().Connections) == 1
	}, waitFor, tick)
}

func TestManager_SCTP(t *testing.T) {
	sctpSettings := func(host string) *Settings {
		s := testSettings(host)
		s.UseTCP = false
		s.UseSCTP = true
		s.SCTPOutboundStreams = 4
		return s
	}
	var server *Manager
	server = startManager(t, sctpSettings("server.example.com"), nil, answeringHandlers(&server))
	col := newCollector()
	clientSettings := sctpSettings("client.example.com")
	clientSettings.TraceFile = filepath.Join(t.TempDir(), "client.pcap")
	client := startManager(t, clientSettings, nil, col.handlers())
	connect(t, client, server, TransportSCTP)

	for i := 0; i < 3; i++ {
		require.NoError(t, client.SendRequest(newTestRequest(client), []*Peer{peerOf(t, server, TransportSCTP)}, i, time.Second))
	}
	for i := 0; i < 3; i++ {
		select {
		case ans := <-col.answers:
			assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, ans))
			<-col.states
		case <-time.After(waitFor):
			t.Fatalf("answer %d not received over sctp", i)
		}
	}
	key, ok := client.FindConnection(peerOf(t, server, TransportSCTP))
	require.True(t, ok)
	peer, ok := client.ConnectionKeyToPeer(key)
	require.True(t, ok)
	assert.Equal(t, TransportSCTP, peer.Transport)

	// The client's CER and its three requests go out on successive streams.
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, []uint16{0, 1, 2, 3}, tracedRequestStreams(clientSettings.TraceFile))
	}, waitFor, tick)
}

// tracedRequestStreams returns the SCTP stream of every request in a trace,
// in capture order.
func tracedRequestStreams(path string) []uint16 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		return nil
	}
	var streams []uint16
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		chunk, ok := packet.Layer(layers.LayerTypeSCTPData).(*layers.SCTPData)
		if !ok || len(chunk.Payload) < diam.HeaderLength {
			continue
		}
		if chunk.Payload[4]&diam.FlagRequest != 0 {
			streams = append(streams, chunk.StreamId)
		}
	}
	return streams
}

func TestNode_StopSendsDisconnect(t *testing.T) {
	serverCol := newCollector()
	server := startManager(t, testSettings("server.example.com"), nil, serverCol.handlers())
	client, err := NewManager(testSettings("client.example.com"), nil, Handlers{})
	require.NoError(t, err)
	require.NoError(t, client.Start())
	connect(t, client, server, TransportTCP)

	start := time.Now()
	require.NoError(t, client.Stop(3*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second)
	require.Eventually(t, func() bool { return serverCol.downs.Load() == 1 }, waitFor, tick)

	_, received := server.MessageMetrics()
	assert.Equal(t, uint64(1), received.Get(diam.CommandDisconnectPeer))
	assert.False(t, client.InitiateConnection(peerOf(t, server, TransportTCP), false))
}

func TestSyncClient(t *testing.T) {
	var server *Manager
	server = startManager(t, testSettings("server.example.com"), nil, answeringHandlers(&server))

	sc, err := NewSyncClient(testSettings("client.example.com"), []*Peer{peerOf(t, server, TransportTCP)}, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Start())
	t.Cleanup(func() { sc.Stop(time.Second) })
	assert.Len(t, sc.PersistentPeers(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, sc.WaitForConnection(ctx))

	ans, err := sc.SendRequest(ctx, newTestRequest(sc.Manager))
	require.NoError(t, err)
	assert.Equal(t, diam.ResultCodeSuccess, resultCode(t, ans))
}

func TestSyncClient_NoAnswer(t *testing.T) {
	server := startManager(t, testSettings("server.example.com"), nil, Handlers{
		Request: func(req *diam.Message, key ConnectionKey, peer *Peer) {},
	})
	sc, err := NewSyncClient(testSettings("client.example.com"), []*Peer{peerOf(t, server, TransportTCP)}, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Start())
	t.Cleanup(func() { sc.Stop(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, sc.WaitForConnection(ctx))

	short, cancelShort := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancelShort()
	_, err = sc.SendRequest(short, newTestRequest(sc.Manager))
	require.Error(t, err)
}

func TestNode_WaitForConnectionCancelled(t *testing.T) {
	m := startManager(t, testSettings("lonely.example.com"), nil, Handlers{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.WaitForConnection(ctx), context.DeadlineExceeded)
}

func TestNode_StartTwice(t *testing.T) {
	m := startManager(t, testSettings("twice.example.com"), nil, Handlers{})
	assert.Error(t, m.Node.Start())
}

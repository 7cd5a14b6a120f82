package node

import (
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/pkg/metrics"
)

// RequestHandler receives inbound application requests. The handler sends
// its answer explicitly with Manager.Answer.
type RequestHandler func(req *diam.Message, key ConnectionKey, peer *Peer)

// AnswerHandler receives the answer to a request sent with SendRequest,
// along with the state given at send time.
type AnswerHandler func(answer *diam.Message, key ConnectionKey, state any)

// TimeoutHandler is called instead of the AnswerHandler when a request's
// deadline passes or its connection closes first.
type TimeoutHandler func(commandCode uint32, key ConnectionKey, state any)

// ConnectionHandler is told when a connection comes up or goes down.
type ConnectionHandler func(key ConnectionKey, peer *Peer, up bool)

// Handlers are the callbacks of a Manager. Any may be nil. They run with no
// lock held, on the driver loop that received the triggering message or
// ran the timer.
type Handlers struct {
	Request    RequestHandler
	Answer     AnswerHandler
	Timeout    TimeoutHandler
	Connection ConnectionHandler
}

// Manager correlates outbound requests with their answers and forwards
// requests and answers for relays. It embeds the Node it drives.
type Manager struct {
	*Node
	handlers    Handlers
	pending     *pendingTable
	answering   map[*diam.Message]*route // forwarded answers inside the answer handler
	reconnector *Reconnector
}

// NewManager creates a Manager and its Node.
func NewManager(settings *Settings, validator Validator, handlers Handlers) (*Manager, error) {
	m := &Manager{
		handlers:  handlers,
		pending:   newPendingTable(),
		answering: make(map[*diam.Message]*route),
	}
	n, err := NewNode(settings, validator, m, m)
	if err != nil {
		return nil, err
	}
	n.correlator = m
	m.Node = n
	m.reconnector = newReconnector(n)
	return m, nil
}

// Start starts the node and the reconnection of persistent peers.
func (m *Manager) Start() error {
	if err := m.Node.Start(); err != nil {
		return err
	}
	m.reconnector.start()
	return nil
}

// Stop stops reconnecting, then drains the node for at most grace.
func (m *Manager) Stop(grace time.Duration) error {
	m.reconnector.stop()
	return m.Node.Stop(grace)
}

// SendRequest sends req on the first of peers with an up connection that
// allows the request's application. A zero end-to-end id is assigned on
// req; the hop-by-hop id is assigned per connection. A timeout of zero
// means Settings.DefaultRequestTimeout.
func (m *Manager) SendRequest(req *diam.Message, peers []*Peer, state any, timeout time.Duration) error {
	if !req.IsRequest() {
		return ErrNotARequest{CommandCode: req.CommandCode}
	}
	m.mu.Lock()
	defer m.unlock()
	if !m.started || m.draining {
		return ErrNodeStopped{}
	}
	for _, p := range peers {
		c := m.findUpLocked(p.Host, nil)
		if c == nil || !c.peer.Capabilities.AllowsApplication(req.ApplicationID) {
			continue
		}
		m.sendRequestLocked(c, req, state, timeout, nil)
		return nil
	}
	return ErrNotRoutable{Reason: "no up connection to a candidate peer supports the application"}
}

// SendRequestTo sends req on the given connection.
func (m *Manager) SendRequestTo(req *diam.Message, key ConnectionKey, state any, timeout time.Duration) error {
	if !req.IsRequest() {
		return ErrNotARequest{CommandCode: req.CommandCode}
	}
	m.mu.Lock()
	defer m.unlock()
	if !m.started || m.draining {
		return ErrNodeStopped{}
	}
	c, err := m.sendableLocked(key, true)
	if err != nil {
		return err
	}
	if !c.peer.Capabilities.AllowsApplication(req.ApplicationID) {
		return ErrNotRoutable{Reason: "application not granted on " + key.String()}
	}
	m.sendRequestLocked(c, req, state, timeout, nil)
	return nil
}

// Answer sends an answer on the connection its request came in on.
func (m *Manager) Answer(answer *diam.Message, key ConnectionKey) error {
	if answer.IsRequest() {
		return ErrNotAnAnswer{CommandCode: answer.CommandCode}
	}
	return m.SendMessage(answer, key)
}

func (m *Manager) sendRequestLocked(c *Connection, req *diam.Message, state any, timeout time.Duration, r *route) {
	if req.EndToEndID == 0 {
		req.EndToEndID = m.state.nextEndToEnd()
	}
	if timeout <= 0 {
		timeout = m.settings.DefaultRequestTimeout
	}
	out := &diam.Message{Header: req.Header, AVPs: req.AVPs}
	out.HopByHopID = c.nextHopByHop()

	now := time.Now()
	pr := &pendingRequest{
		key:         pendingKey{conn: c.key, hopByHop: out.HopByHopID},
		commandCode: req.CommandCode,
		state:       state,
		sent:        now,
		deadline:    now.Add(timeout),
		route:       r,
	}
	m.pending.add(pr)
	m.noteDeadlineLocked(pr.deadline)
	metrics.SetPending(m.pending.len())
	m.sendLocked(c, out)
}

// HandleMessage receives every application message from the node.
func (m *Manager) HandleMessage(msg *diam.Message, key ConnectionKey, peer *Peer) {
	if msg.IsRequest() {
		if m.handlers.Request == nil {
			ans := diam.NewErrorAnswer(msg, diam.ResultCodeCommandUnsupported, m.settings.HostID, m.settings.Realm, nil)
			if err := m.Answer(ans, key); err != nil {
				m.log.Debugw("Failed to reject request", "conn", key.String(), "error", err)
			}
			return
		}
		m.handlers.Request(msg, key, peer)
		return
	}

	m.mu.Lock()
	pr, ok := m.pending.take(pendingKey{conn: key, hopByHop: msg.HopByHopID})
	if ok {
		metrics.SetPending(m.pending.len())
		if pr.route != nil {
			m.answering[msg] = pr.route
		}
	}
	m.unlock()
	if !ok {
		m.log.Debugw("Discarding answer without pending request",
			"conn", key.String(), "command", diam.CommandName(msg.CommandCode, false), "hop_by_hop", msg.HopByHopID)
		return
	}
	metrics.RecordAnswer(pr.sent)
	if m.handlers.Answer != nil {
		m.handlers.Answer(msg, key, pr.state)
	}
	if pr.route != nil {
		m.mu.Lock()
		delete(m.answering, msg)
		m.unlock()
	}
}

// HandleConnection receives connection up/down notifications.
func (m *Manager) HandleConnection(key ConnectionKey, peer *Peer, up bool) {
	if m.handlers.Connection != nil {
		m.handlers.Connection(key, peer, up)
	}
}

func (m *Manager) nextDeadlineLocked() time.Time {
	return m.pending.nextDeadline()
}

func (m *Manager) expireLocked(now time.Time) {
	expired := m.pending.expired(now)
	if len(expired) == 0 {
		return
	}
	metrics.SetPending(m.pending.len())
	for _, pr := range expired {
		metrics.RecordTimeout()
		m.timeoutLocked(pr)
	}
}

func (m *Manager) connectionClosedLocked(c *Connection) {
	for _, pr := range m.pending.forConnection(c.key) {
		metrics.RecordConnectionLost()
		m.timeoutLocked(pr)
	}
	metrics.SetPending(m.pending.len())
	m.reconnector.closedLocked(c)
}

// timeoutLocked queues the timeout callback of an entry already removed.
func (m *Manager) timeoutLocked(pr *pendingRequest) {
	if m.handlers.Timeout == nil {
		return
	}
	m.later(func() { m.handlers.Timeout(pr.commandCode, pr.key.conn, pr.state) })
}

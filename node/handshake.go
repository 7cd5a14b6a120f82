package node

import (
	"net"
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
	"github.com/hsdfat8/diam-node/pkg/metrics"
)

// processMessage runs one decoded message through c's state machine. It
// returns false once c is closed.
func (n *Node) processMessage(c *Connection, msg *diam.Message) bool {
	n.received.Increment(msg.CommandCode)
	metrics.RecordMessage("in", msg.CommandCode, msg.IsRequest())

	n.mu.Lock()
	defer n.unlock()
	if c.state == StateClosed {
		return false
	}
	now := time.Now()
	c.lastActivity = now
	c.watchdogPending = false

	switch c.state {
	case StateConnected:
		if msg.CommandCode != diam.CommandCapabilitiesExchange || msg.IsRequest() != c.inbound {
			c.log.Warnw("Unexpected message during capability exchange", "message", diam.CommandName(msg.CommandCode, msg.IsRequest()))
			n.closeLocked(c, "unexpected message during capability exchange", false, nil)
		} else if c.inbound {
			n.handleCERLocked(c, msg, now)
		} else {
			n.handleCEALocked(c, msg, now)
		}
	case StateUp, StateClosing:
		n.handleActiveLocked(c, msg, now)
	}
	return c.state != StateClosed
}

// peerCapabilities is what a CER or CEA tells about the sender.
type peerCapabilities struct {
	host      string
	realm     string
	stateID   uint32
	addresses []net.IP
	caps      *Capability
}

func parsePeerCapabilities(m *diam.Message) (*peerCapabilities, error) {
	host, err := requiredIdentity(m, diam.AVPOriginHost)
	if err != nil {
		return nil, err
	}
	realm, err := requiredIdentity(m, diam.AVPOriginRealm)
	if err != nil {
		return nil, err
	}
	info := &peerCapabilities{host: host, realm: realm}
	if a := m.Find(diam.AVPOriginStateID); a != nil {
		if info.stateID, err = a.Unsigned32(); err != nil {
			return nil, err
		}
	}
	for _, a := range m.FindAll(diam.AVPHostIPAddress) {
		ip, err := a.Address()
		if err != nil {
			return nil, err
		}
		info.addresses = append(info.addresses, ip)
	}
	if info.caps, err = capabilityFromMessage(m); err != nil {
		return nil, err
	}
	return info, nil
}

func requiredIdentity(m *diam.Message, code uint32) (string, error) {
	a := m.Find(code)
	if a == nil {
		return "", diam.ErrMissingAVP{Code: code}
	}
	return a.DiameterIdentity()
}

func (n *Node) handleCERLocked(c *Connection, cer *diam.Message, now time.Time) {
	info, err := parsePeerCapabilities(cer)
	if err != nil {
		rc, failed := diam.ResultCodeForError(err)
		n.rejectLocked(c, cer, rc, failed, err.Error())
		return
	}
	if res := n.validator.Authenticate(info.host, c.t.authInfo()); !res.Known {
		n.rejectLocked(c, cer, diam.ResultCodeUnknownPeer, nil, "unknown peer "+info.host+": "+res.Reason)
		return
	}
	granted := n.validator.Authorize(info.host, n.settings, info.caps)
	if granted == nil || granted.IsEmpty() {
		n.rejectLocked(c, cer, diam.ResultCodeNoCommonApplication, nil, "no common application with "+info.host)
		return
	}
	c.peerStateID = info.stateID
	if existing := n.findUpLocked(info.host, c); existing != nil {
		if !n.electLocked(existing, c) {
			n.rejectLocked(c, cer, diam.ResultCodeElectionLost, nil, "election lost to "+existing.key.String())
			return
		}
		n.closeLocked(existing, "election lost to "+c.key.String(), false, nil)
	}

	cea := diam.NewAnswer(cer)
	cea.AddValue(diam.AVPResultCode, diam.AVPFlagMandatory, 0, models_base.Unsigned32(diam.ResultCodeSuccess))
	n.addCapabilitiesLocked(c, cea)
	n.sendLocked(c, cea)
	n.upLocked(c, info, granted, now)
}

func (n *Node) handleCEALocked(c *Connection, cea *diam.Message, now time.Time) {
	rc, err := diam.ResultCodeOf(cea)
	if err != nil {
		n.closeLocked(c, "invalid CEA: "+err.Error(), false, nil)
		return
	}
	if !rc.IsSuccess() {
		n.closeLocked(c, "capability exchange rejected: "+rc.String(), false, nil)
		return
	}
	info, err := parsePeerCapabilities(cea)
	if err != nil {
		n.closeLocked(c, "invalid CEA: "+err.Error(), false, nil)
		return
	}
	if res := n.validator.Authenticate(info.host, c.t.authInfo()); !res.Known {
		n.closeLocked(c, "unknown peer "+info.host+": "+res.Reason, false, nil)
		return
	}
	granted := n.validator.Authorize(info.host, n.settings, info.caps)
	if granted == nil || granted.IsEmpty() {
		n.closeLocked(c, "no common application with "+info.host, false, nil)
		return
	}
	c.peerStateID = info.stateID
	if existing := n.findUpLocked(info.host, c); existing != nil {
		if !n.electLocked(existing, c) {
			n.closeLocked(c, "election lost to "+existing.key.String(), false, nil)
			return
		}
		n.closeLocked(existing, "election lost to "+c.key.String(), false, nil)
	}
	n.upLocked(c, info, granted, now)
}

// electLocked decides whether candidate replaces existing, both connected
// to the same peer. Between an inbound and an outbound connection the one
// initiated by the node with the greater state-id wins, ties going to the
// greater host identity. Between two of the same direction the one whose
// peer reported the greater Origin-State-Id wins, ties keeping existing.
func (n *Node) electLocked(existing, candidate *Connection) bool {
	if existing.inbound == candidate.inbound {
		return candidate.peerStateID > existing.peerStateID
	}
	local, remote := n.state.stateID, candidate.peerStateID
	localWins := local > remote
	if local == remote {
		localWins = hostKey(n.settings.HostID) > hostKey(existing.peer.Host)
	}
	// the outbound connection is the one this node initiated
	return localWins == !candidate.inbound
}

// rejectLocked answers a CER with an error and closes once it is written.
func (n *Node) rejectLocked(c *Connection, cer *diam.Message, rc diam.ResultCode, failed *diam.AVP, reason string) {
	ans := diam.NewErrorAnswer(cer, rc, n.settings.HostID, n.settings.Realm, failed)
	ans.AddValue(diam.AVPErrorMessage, 0, 0, models_base.UTF8String(reason))
	c.log.Warnw("Rejecting capability exchange", "result_code", rc.String(), "reason", reason)
	n.closeLocked(c, reason, false, ans.Encode())
}

func (n *Node) upLocked(c *Connection, info *peerCapabilities, granted *Capability, now time.Time) {
	p := &Peer{
		Host:          info.host,
		Realm:         info.realm,
		Transport:     c.t.protocol(),
		Addresses:     info.addresses,
		Capabilities:  granted,
		OriginStateID: info.stateID,
	}
	if c.target != nil {
		p.Port = c.target.Port
	} else {
		p.Port = portOf(c.t.remoteAddr())
	}
	c.peer = p
	c.ceaDeadline = time.Time{}
	c.lastActivity = now
	c.lastAppActivity = now
	n.setStateLocked(c, StateUp)
	c.announced = true
	n.noteDeadlineLocked(now.Add(n.settings.WatchdogInterval))
	c.log.Infow("Connection up", "peer", p.Host, "realm", p.Realm, "origin_state_id", p.OriginStateID)

	close(n.upSignal)
	n.upSignal = make(chan struct{})
	if n.listener != nil {
		key := c.key
		n.later(func() { n.listener.HandleConnection(key, p, true) })
	}
}

// handleActiveLocked handles a message on an up or closing connection.
func (n *Node) handleActiveLocked(c *Connection, m *diam.Message, now time.Time) {
	switch m.CommandCode {
	case diam.CommandCapabilitiesExchange:
		if m.IsRequest() {
			n.answerErrorLocked(c, m, diam.ResultCodeUnableToComply, nil)
		}
	case diam.CommandDeviceWatchdog:
		if m.IsRequest() {
			n.sendLocked(c, n.baseAnswerLocked(m, true))
		}
	case diam.CommandDisconnectPeer:
		if m.IsRequest() {
			n.sendLocked(c, n.baseAnswerLocked(m, false))
			if c.state == StateUp {
				c.log.Infow("Peer requested disconnect", "peer", c.peer.Host)
				n.setStateLocked(c, StateClosing)
				c.closingDeadline = now.Add(n.settings.DisconnectTimeout)
				n.noteDeadlineLocked(c.closingDeadline)
			}
		} else if c.dprSent {
			n.closeLocked(c, "disconnect acknowledged", false, nil)
		}
	default:
		c.lastAppActivity = now
		if !m.IsRequest() {
			n.dispatchLocked(c, m)
			return
		}
		if c.state == StateClosing {
			n.answerErrorLocked(c, m, diam.ResultCodeTooBusy, nil)
			return
		}
		if !c.peer.Capabilities.AllowsApplication(m.ApplicationID) {
			n.answerErrorLocked(c, m, diam.ResultCodeApplicationUnsupported, nil)
			return
		}
		n.dispatchLocked(c, m)
	}
}

func (n *Node) dispatchLocked(c *Connection, m *diam.Message) {
	if n.dispatcher == nil {
		if m.IsRequest() {
			n.answerErrorLocked(c, m, diam.ResultCodeCommandUnsupported, nil)
		}
		return
	}
	key, peer := c.key, c.peer
	n.later(func() { n.dispatcher.HandleMessage(m, key, peer) })
}

func (n *Node) answerErrorLocked(c *Connection, req *diam.Message, rc diam.ResultCode, failed *diam.AVP) {
	n.sendLocked(c, diam.NewErrorAnswer(req, rc, n.settings.HostID, n.settings.Realm, failed))
}

// baseAnswerLocked builds a DWA or DPA.
func (n *Node) baseAnswerLocked(req *diam.Message, withState bool) *diam.Message {
	ans := diam.NewAnswer(req)
	ans.AddValue(diam.AVPResultCode, diam.AVPFlagMandatory, 0, models_base.Unsigned32(diam.ResultCodeSuccess))
	ans.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(n.settings.HostID))
	ans.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(n.settings.Realm))
	if withState {
		ans.AddValue(diam.AVPOriginStateID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(n.state.stateID))
	}
	return ans
}

// baseRequestLocked builds a base protocol request carrying the origin.
func (n *Node) baseRequestLocked(c *Connection, command uint32) *diam.Message {
	req := diam.NewRequest(command, diam.CommonApplicationID)
	req.HopByHopID = c.nextHopByHop()
	req.EndToEndID = n.state.nextEndToEnd()
	req.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(n.settings.HostID))
	req.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(n.settings.Realm))
	return req
}

func (n *Node) capabilitiesRequestLocked(c *Connection) *diam.Message {
	req := diam.NewRequest(diam.CommandCapabilitiesExchange, diam.CommonApplicationID)
	req.HopByHopID = c.nextHopByHop()
	req.EndToEndID = n.state.nextEndToEnd()
	n.addCapabilitiesLocked(c, req)
	return req
}

// addCapabilitiesLocked appends the CER/CEA body describing this node.
func (n *Node) addCapabilitiesLocked(c *Connection, m *diam.Message) {
	s := n.settings
	m.AddValue(diam.AVPOriginHost, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(s.HostID))
	m.AddValue(diam.AVPOriginRealm, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(s.Realm))
	for _, ip := range c.t.localAddresses() {
		m.AddValue(diam.AVPHostIPAddress, diam.AVPFlagMandatory, 0, models_base.Address(ip))
	}
	m.AddValue(diam.AVPVendorID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(s.VendorID))
	m.AddValue(diam.AVPProductName, 0, 0, models_base.UTF8String(s.ProductName))
	m.AddValue(diam.AVPOriginStateID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(n.state.stateID))
	s.Capabilities.addTo(m)
	if s.FirmwareRevision != 0 {
		m.AddValue(diam.AVPFirmwareRevision, 0, 0, models_base.Unsigned32(s.FirmwareRevision))
	}
}

func portOf(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	}
	return 0
}

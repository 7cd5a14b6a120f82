package node

import (
	"fmt"
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
	"github.com/hsdfat8/diam-node/pkg/metrics"
)

// route is what the answer to a forwarded request needs to travel back:
// the connection the request came in on and the identifiers it carried.
// It rides on the pending entry of the outbound copy, so it is found by
// the upstream connection and the new hop-by-hop id.
type route struct {
	from     ConnectionKey
	hopByHop uint32
	endToEnd uint32
}

// ForwardRequest relays req, received on from, to the connection to. The
// copy sent carries a new hop-by-hop id and a Route-Record naming the
// sender; the answer is routed back with ForwardAnswer. state is handed to
// the answer or timeout handler.
func (m *Manager) ForwardRequest(req *diam.Message, from, to ConnectionKey, state any, timeout time.Duration) error {
	if !req.IsRequest() {
		return ErrNotARequest{CommandCode: req.CommandCode}
	}
	if !req.IsProxiable() {
		return ErrNotProxiable{CommandCode: req.CommandCode}
	}
	for _, a := range req.FindAll(diam.AVPRouteRecord) {
		if id, err := a.DiameterIdentity(); err == nil && sameHost(id, m.settings.HostID) {
			return ErrLoopDetected{HostID: id}
		}
	}

	m.mu.Lock()
	defer m.unlock()
	in, ok := m.conns[from]
	if !ok || in.peer == nil {
		return ErrStaleConnection{Key: from}
	}
	out, err := m.sendableLocked(to, true)
	if err != nil {
		return err
	}

	fwd := req.Clone()
	if fwd.EndToEndID == 0 {
		fwd.EndToEndID = m.state.nextEndToEnd()
	}
	fwd.AddValue(diam.AVPRouteRecord, diam.AVPFlagMandatory, 0, models_base.DiameterIdentity(in.peer.Host))
	r := &route{from: from, hopByHop: req.HopByHopID, endToEnd: req.EndToEndID}
	m.sendRequestLocked(out, fwd, state, timeout, r)
	metrics.RecordForward("request")
	return nil
}

// ForwardAnswer sends answer back on to, the connection its request was
// forwarded from, restoring the original hop-by-hop and end-to-end ids. It
// must be called from the answer handler with the message it was given.
func (m *Manager) ForwardAnswer(answer *diam.Message, to ConnectionKey) error {
	if answer.IsRequest() {
		return ErrNotAnAnswer{CommandCode: answer.CommandCode}
	}
	m.mu.Lock()
	defer m.unlock()
	r, ok := m.answering[answer]
	if !ok || r.from != to {
		return ErrNotRoutable{Reason: fmt.Sprintf("answer with hop-by-hop id %d is not for a request forwarded from %s", answer.HopByHopID, to)}
	}
	delete(m.answering, answer)
	c, err := m.sendableLocked(to, false)
	if err != nil {
		return err
	}
	out := &diam.Message{Header: answer.Header, AVPs: answer.AVPs}
	out.HopByHopID = r.hopByHop
	out.EndToEndID = r.endToEnd
	m.sendLocked(c, out)
	metrics.RecordForward("answer")
	return nil
}

package node

import (
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
)

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

// calcNextTimeoutLocked returns the soonest deadline across connections,
// pending requests and shutdown, or the zero time if nothing is armed.
func (n *Node) calcNextTimeoutLocked() time.Time {
	var next time.Time
	for _, c := range n.conns {
		next = earliest(next, n.connDeadlineLocked(c))
	}
	if n.correlator != nil {
		next = earliest(next, n.correlator.nextDeadlineLocked())
	}
	if n.draining {
		next = earliest(next, n.stopDeadline)
	}
	return next
}

func (n *Node) connDeadlineLocked(c *Connection) time.Time {
	s := n.settings
	switch c.state {
	case StateConnected:
		return c.ceaDeadline
	case StateUp:
		d := c.lastActivity.Add(s.WatchdogInterval)
		if c.watchdogPending {
			d = c.watchdogDeadline
		}
		if s.IdleTimeout > 0 {
			d = earliest(d, c.lastAppActivity.Add(s.IdleTimeout))
		}
		return d
	case StateClosing:
		return c.closingDeadline
	}
	return time.Time{}
}

// noteDeadlineLocked wakes every loop currently sleeping past d.
func (n *Node) noteDeadlineLocked(d time.Time) {
	for _, drv := range n.drivers {
		l := drv.eventLoop()
		if l.waitUntil.IsZero() || d.Before(l.waitUntil) {
			l.wakeup()
		}
	}
}

// runTimers handles every deadline that is due. Any loop may run it; each
// expiry is acted on once because its state is cleared under the lock.
func (n *Node) runTimers(now time.Time) {
	n.mu.Lock()
	defer n.unlock()

	if n.draining && !now.Before(n.stopDeadline) {
		for _, c := range n.conns {
			n.closeLocked(c, "shutdown deadline reached", false, nil)
		}
	}
	for _, c := range n.conns {
		n.checkTimersLocked(c, now)
	}
	if n.correlator != nil {
		n.correlator.expireLocked(now)
	}
}

func (n *Node) checkTimersLocked(c *Connection, now time.Time) {
	s := n.settings
	switch c.state {
	case StateConnected:
		if !c.ceaDeadline.IsZero() && !now.Before(c.ceaDeadline) {
			n.closeLocked(c, "capability exchange timeout", false, nil)
		}
	case StateUp:
		if c.watchdogPending {
			if !now.Before(c.watchdogDeadline) {
				n.closeLocked(c, "watchdog timeout", false, nil)
				return
			}
		} else if !now.Before(c.lastActivity.Add(s.WatchdogInterval)) {
			n.sendWatchdogLocked(c, now)
		}
		if s.IdleTimeout > 0 && !now.Before(c.lastAppActivity.Add(s.IdleTimeout)) {
			c.log.Infow("Connection idle, disconnecting", "peer", c.peer.Host, "idle_timeout", s.IdleTimeout)
			n.sendDPRLocked(c, diam.DisconnectCauseDoNotWantToTalkToYou, now)
		}
	case StateClosing:
		if !now.Before(c.closingDeadline) {
			n.closeLocked(c, "disconnect timeout", false, nil)
		}
	}
}

func (n *Node) sendWatchdogLocked(c *Connection, now time.Time) {
	dwr := n.baseRequestLocked(c, diam.CommandDeviceWatchdog)
	dwr.AddValue(diam.AVPOriginStateID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(n.state.stateID))
	n.sendLocked(c, dwr)
	c.watchdogPending = true
	c.watchdogDeadline = now.Add(n.settings.WatchdogTimeout)
	c.log.Debugw("Sent DWR", "peer", c.peer.Host, "hop_by_hop", dwr.HopByHopID)
}

// sendDPRLocked asks the peer to disconnect and moves c to Closing.
func (n *Node) sendDPRLocked(c *Connection, cause int32, now time.Time) {
	dpr := n.baseRequestLocked(c, diam.CommandDisconnectPeer)
	dpr.AddValue(diam.AVPDisconnectCause, diam.AVPFlagMandatory, 0, models_base.Enumerated(cause))
	n.sendLocked(c, dpr)
	c.dprSent = true
	n.setStateLocked(c, StateClosing)
	c.closingDeadline = now.Add(n.settings.DisconnectTimeout)
	if n.draining {
		c.closingDeadline = earliest(c.closingDeadline, n.stopDeadline)
	}
	n.noteDeadlineLocked(c.closingDeadline)
}

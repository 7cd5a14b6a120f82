package node

import (
	"sync"
	"time"
)

const minReconnectTick = 50 * time.Millisecond

// Reconnector re-initiates connections to persistent peers with
// exponential backoff. It only consumes InitiateConnection; the node loops
// never reconnect on their own.
type Reconnector struct {
	n *Node

	// guarded by n.mu
	peers map[string]*reconnectState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type reconnectState struct {
	failures    int
	nextAttempt time.Time
}

func newReconnector(n *Node) *Reconnector {
	return &Reconnector{
		n:      n,
		peers:  make(map[string]*reconnectState),
		stopCh: make(chan struct{}),
	}
}

// backoff returns the delay after the given number of consecutive failures:
// ReconnectInterval * ReconnectBackoff^failures, capped at MaxReconnectDelay.
func (r *Reconnector) backoff(failures int) time.Duration {
	s := r.n.settings
	delay := s.ReconnectInterval
	for i := 0; i < failures; i++ {
		delay = time.Duration(float64(delay) * s.ReconnectBackoff)
		if delay >= s.MaxReconnectDelay {
			return s.MaxReconnectDelay
		}
	}
	return delay
}

func (r *Reconnector) start() {
	interval := r.n.settings.ReconnectInterval
	if interval <= 0 {
		return
	}
	tick := max(interval/4, minReconnectTick)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case now := <-ticker.C:
				r.attempt(now)
			}
		}
	}()
}

func (r *Reconnector) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// attempt initiates a connection to every persistent peer that is due.
func (r *Reconnector) attempt(now time.Time) {
	for _, p := range r.n.PersistentPeers() {
		r.n.mu.Lock()
		st := r.peers[hostKey(p.Host)]
		due := st == nil || !now.Before(st.nextAttempt)
		r.n.unlock()
		if due && r.n.InitiateConnection(p, true) {
			r.n.log.Infow("Reconnecting to persistent peer", "peer", p.String())
		}
	}
}

// closedLocked records the outcome of a persistent outbound connection: a
// connection that was up resets the backoff, one that never came up counts
// as a failure.
func (r *Reconnector) closedLocked(c *Connection) {
	if c.inbound || !c.persistent || c.target == nil {
		return
	}
	key := hostKey(c.target.Host)
	st, ok := r.peers[key]
	if !ok {
		st = &reconnectState{}
		r.peers[key] = st
	}
	if c.announced {
		st.failures = 0
	} else {
		st.failures++
	}
	delay := r.backoff(max(st.failures-1, 0))
	st.nextAttempt = time.Now().Add(delay)
	c.log.Debugw("Scheduled reconnection", "peer", c.target.Host, "failures", st.failures, "delay", delay)
}

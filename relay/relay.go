// Package relay forwards Diameter requests between downstream clients and
// upstream peers on top of a node.Manager.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
	"github.com/hsdfat8/diam-node/node"
	"github.com/hsdfat8/diam-node/pkg/logger"
)

// Relay proxies requests between peers.
// Flow: downstream client <-> Relay <-> upstream peer
type Relay struct {
	config  *Config
	manager *node.Manager

	stats Stats
	log   logger.Logger
}

// Config holds relay configuration
type Config struct {
	// Upstream peers, tried in order. They are connected as persistent
	// peers on Start.
	Upstreams []*node.Peer

	// Timeout of forwarded requests; zero means the node default.
	RequestTimeout time.Duration

	// Enable request/response logging
	EnableRequestLogging  bool
	EnableResponseLogging bool
}

// forwarded tracks one request through the relay.
type forwarded struct {
	req     *diam.Message
	from    node.ConnectionKey
	created time.Time
}

// Stats tracks relay statistics
type Stats struct {
	TotalRequests  atomic.Uint64
	TotalAnswers   atomic.Uint64
	TotalForwarded atomic.Uint64
	TotalRejected  atomic.Uint64
	TotalErrors    atomic.Uint64
	ActiveRequests atomic.Int64
	TimeoutErrors  atomic.Uint64
	RoutingErrors  atomic.Uint64
	UpstreamUp     atomic.Int64
	TotalLatencyMs atomic.Uint64
	AnsweredCount  atomic.Uint64
}

// StatsSnapshot is a snapshot of relay statistics
type StatsSnapshot struct {
	TotalRequests    uint64
	TotalAnswers     uint64
	TotalForwarded   uint64
	TotalRejected    uint64
	TotalErrors      uint64
	ActiveRequests   int64
	TimeoutErrors    uint64
	RoutingErrors    uint64
	UpstreamUp       int64
	AverageLatencyMs float64
}

// New creates a relay and the Manager it runs on.
func New(settings *node.Settings, validator node.Validator, config *Config) (*Relay, error) {
	if config == nil {
		config = &Config{}
	}
	r := &Relay{
		config: config,
		log:    logger.New("relay"),
	}
	m, err := node.NewManager(settings, validator, node.Handlers{
		Request:    r.handleRequest,
		Answer:     r.handleAnswer,
		Timeout:    r.handleTimeout,
		Connection: r.handleConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid relay settings: %w", err)
	}
	r.manager = m
	return r, nil
}

// Start starts the node and connects to the upstream peers.
func (r *Relay) Start() error {
	s := r.manager.Settings()
	r.log.Infow("Starting relay",
		"origin_host", s.HostID,
		"origin_realm", s.Realm,
		"upstream_count", len(r.config.Upstreams))

	if err := r.manager.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	for _, p := range r.config.Upstreams {
		if !r.manager.InitiateConnection(p, true) {
			r.log.Warnw("Upstream connection not initiated", "peer", p.String())
		}
	}
	return nil
}

// Stop drains the node for at most grace.
func (r *Relay) Stop(grace time.Duration) error {
	r.log.Infow("Stopping relay")
	err := r.manager.Stop(grace)

	stats := r.GetStats()
	r.log.Infow("Relay stopped",
		"total_requests", stats.TotalRequests,
		"total_answers", stats.TotalAnswers,
		"total_errors", stats.TotalErrors,
		"avg_latency_ms", stats.AverageLatencyMs)
	return err
}

// Manager returns the underlying manager.
func (r *Relay) Manager() *node.Manager {
	return r.manager
}

func (r *Relay) handleRequest(req *diam.Message, from node.ConnectionKey, peer *node.Peer) {
	r.stats.TotalRequests.Add(1)

	if r.config.EnableRequestLogging {
		r.log.Infow("Request received",
			"conn", from.String(),
			"peer", peer.Host,
			"app_id", req.ApplicationID,
			"cmd_code", req.CommandCode,
			"h2h", req.HopByHopID,
			"e2e", req.EndToEndID)
	}

	to, rc, reason := r.route(req, from, peer)
	if rc != 0 {
		r.reject(req, from, rc, reason)
		return
	}

	f := &forwarded{req: req, from: from, created: time.Now()}
	if err := r.manager.ForwardRequest(req, from, to, f, r.config.RequestTimeout); err != nil {
		rc := diam.ResultCodeUnableToDeliver
		var loop node.ErrLoopDetected
		if errors.As(err, &loop) {
			rc = diam.ResultCodeLoopDetected
		}
		r.stats.RoutingErrors.Add(1)
		r.reject(req, from, rc, err.Error())
		return
	}
	r.stats.ActiveRequests.Add(1)
	r.stats.TotalForwarded.Add(1)
}

// route picks the connection a request goes to. A non-zero result code
// means the request must be rejected.
func (r *Relay) route(req *diam.Message, from node.ConnectionKey, peer *node.Peer) (node.ConnectionKey, diam.ResultCode, string) {
	if a := req.Find(diam.AVPDestinationHost); a != nil {
		dest, err := a.DiameterIdentity()
		if err != nil {
			return 0, diam.ResultCodeUnableToDeliver, err.Error()
		}
		if strings.EqualFold(dest, r.manager.Settings().HostID) {
			return 0, diam.ResultCodeCommandUnsupported, "request addressed to the relay"
		}
		to, ok := r.manager.FindConnection(node.NewPeer(dest, 0))
		if !ok || to == from {
			return 0, diam.ResultCodeUnableToDeliver, "no connection to " + dest
		}
		return to, 0, ""
	}
	if r.isUpstream(peer) {
		return 0, diam.ResultCodeUnableToDeliver, "upstream request without Destination-Host"
	}
	for _, p := range r.config.Upstreams {
		if to, ok := r.manager.FindConnection(p); ok {
			return to, 0, ""
		}
	}
	return 0, diam.ResultCodeUnableToDeliver, "no upstream connection"
}

func (r *Relay) isUpstream(peer *node.Peer) bool {
	for _, p := range r.config.Upstreams {
		if p.Equal(peer) {
			return true
		}
	}
	return false
}

func (r *Relay) reject(req *diam.Message, to node.ConnectionKey, rc diam.ResultCode, reason string) {
	s := r.manager.Settings()
	r.stats.TotalRejected.Add(1)
	r.log.Debugw("Rejecting request", "conn", to.String(), "cmd_code", req.CommandCode, "result_code", rc.String(), "reason", reason)

	ans := diam.NewErrorAnswer(req, rc, s.HostID, s.Realm, nil)
	ans.AddValue(diam.AVPErrorMessage, 0, 0, models_base.UTF8String(reason))
	if err := r.manager.Answer(ans, to); err != nil {
		r.stats.TotalErrors.Add(1)
		r.log.Warnw("Failed to send rejection", "conn", to.String(), "error", err)
	}
}

func (r *Relay) handleAnswer(answer *diam.Message, key node.ConnectionKey, state any) {
	f, ok := state.(*forwarded)
	if !ok {
		return
	}
	r.stats.ActiveRequests.Add(-1)
	latencyMs := time.Since(f.created).Milliseconds()
	r.stats.TotalLatencyMs.Add(uint64(latencyMs))
	r.stats.AnsweredCount.Add(1)

	if r.config.EnableResponseLogging {
		r.log.Infow("Answer received",
			"conn", key.String(),
			"cmd_code", answer.CommandCode,
			"h2h", answer.HopByHopID,
			"e2e", answer.EndToEndID,
			"latency_ms", latencyMs)
	}

	if err := r.manager.ForwardAnswer(answer, f.from); err != nil {
		r.stats.TotalErrors.Add(1)
		r.log.Warnw("Dropping answer", "conn", f.from.String(), "error", err)
		return
	}
	r.stats.TotalAnswers.Add(1)
}

func (r *Relay) handleTimeout(commandCode uint32, key node.ConnectionKey, state any) {
	f, ok := state.(*forwarded)
	if !ok {
		return
	}
	r.stats.ActiveRequests.Add(-1)
	r.stats.TimeoutErrors.Add(1)
	if !r.manager.IsConnectionKeyValid(f.from) {
		return
	}
	r.reject(f.req, f.from, diam.ResultCodeUnableToDeliver, "no answer from "+key.String())
}

func (r *Relay) handleConnection(key node.ConnectionKey, peer *node.Peer, up bool) {
	if !r.isUpstream(peer) {
		return
	}
	if up {
		r.stats.UpstreamUp.Add(1)
		r.log.Infow("Upstream up", "peer", peer.Host, "conn", key.String())
	} else {
		r.stats.UpstreamUp.Add(-1)
		r.log.Warnw("Upstream down", "peer", peer.Host, "conn", key.String())
	}
}

// GetStats returns a snapshot of relay statistics
func (r *Relay) GetStats() StatsSnapshot {
	answered := r.stats.AnsweredCount.Load()
	avgLatency := 0.0
	if answered > 0 {
		avgLatency = float64(r.stats.TotalLatencyMs.Load()) / float64(answered)
	}

	return StatsSnapshot{
		TotalRequests:    r.stats.TotalRequests.Load(),
		TotalAnswers:     r.stats.TotalAnswers.Load(),
		TotalForwarded:   r.stats.TotalForwarded.Load(),
		TotalRejected:    r.stats.TotalRejected.Load(),
		TotalErrors:      r.stats.TotalErrors.Load(),
		ActiveRequests:   r.stats.ActiveRequests.Load(),
		TimeoutErrors:    r.stats.TimeoutErrors.Load(),
		RoutingErrors:    r.stats.RoutingErrors.Load(),
		UpstreamUp:       r.stats.UpstreamUp.Load(),
		AverageLatencyMs: avgLatency,
	}
}

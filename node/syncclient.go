package node

import (
	"context"
	"time"

	"github.com/hsdfat8/diam-node/diam"
)

// SyncClient is a Manager with a blocking request/answer call, for clients
// talking to a fixed set of peers.
type SyncClient struct {
	*Manager
	peers []*Peer
}

type syncCall struct {
	done chan *diam.Message
}

// NewSyncClient creates a client for the given peers, which are connected
// as persistent peers on Start.
func NewSyncClient(settings *Settings, peers []*Peer, validator Validator) (*SyncClient, error) {
	sc := &SyncClient{}
	for _, p := range peers {
		sc.peers = append(sc.peers, p.Clone())
	}
	m, err := NewManager(settings, validator, Handlers{
		Answer:  sc.handleAnswer,
		Timeout: sc.handleTimeout,
	})
	if err != nil {
		return nil, err
	}
	sc.Manager = m
	return sc, nil
}

// Start starts the node and connects to the peers.
func (sc *SyncClient) Start() error {
	if err := sc.Manager.Start(); err != nil {
		return err
	}
	for _, p := range sc.peers {
		sc.InitiateConnection(p, true)
	}
	return nil
}

// SendRequest sends req to the first usable peer and waits for its answer.
// The context deadline, when set, becomes the request timeout.
func (sc *SyncClient) SendRequest(ctx context.Context, req *diam.Message) (*diam.Message, error) {
	timeout := sc.settings.DefaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	call := &syncCall{done: make(chan *diam.Message, 1)}
	if err := sc.Manager.SendRequest(req, sc.peers, call, timeout); err != nil {
		return nil, err
	}
	select {
	case ans := <-call.done:
		if ans == nil {
			return nil, ErrNoAnswer{CommandCode: req.CommandCode, Timeout: timeout}
		}
		return ans, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (sc *SyncClient) handleAnswer(answer *diam.Message, key ConnectionKey, state any) {
	if call, ok := state.(*syncCall); ok {
		call.done <- answer
	}
}

func (sc *SyncClient) handleTimeout(commandCode uint32, key ConnectionKey, state any) {
	if call, ok := state.(*syncCall); ok {
		call.done <- nil
	}
}
